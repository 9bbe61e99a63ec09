// Package export renders processing results as XLSX workbooks.
package export

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/bbiangul/go-docsift/segment"
)

// ContentType is the MIME type of the workbooks written by this package.
const ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ErrNoRecords is returned by RecordsXLSX when data holds no JSON object.
var ErrNoRecords = errors.New("export: no records in data")

// SectionsXLSX writes one row per document section to a "Sections" sheet.
func SectionsXLSX(w io.Writer, sections []segment.Section) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Sections"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if err := writeHeader(f, sheet, []string{"Title", "Pages", "Page count"}); err != nil {
		return err
	}

	for i, s := range sections {
		pages := make([]string, len(s.PageNumbers))
		for j, p := range s.PageNumbers {
			pages[j] = strconv.Itoa(p)
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		row := []any{s.Title, strings.Join(pages, ", "), len(s.PageNumbers)}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing section %d: %w", i+1, err)
		}
	}
	if err := f.SetColWidth(sheet, "A", "A", 60); err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "B", "B", 30); err != nil {
		return err
	}

	return f.Write(w)
}

// RecordsXLSX flattens an extracted record into rows. The first field of
// data holding an array of objects (such as "products") becomes the sheet,
// one row per element with columns in first-seen key order. A record with
// no such field is written as a single row.
func RecordsXLSX(w io.Writer, data json.RawMessage) error {
	name, records, err := findRecords(data)
	if err != nil {
		return err
	}

	var columns []string
	seen := make(map[string]bool)
	for _, r := range records {
		for _, k := range r.keys {
			if !seen[k] {
				seen[k] = true
				columns = append(columns, k)
			}
		}
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(name)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return fmt.Errorf("naming sheet: %w", err)
	}
	if err := writeHeader(f, sheet, columns); err != nil {
		return err
	}

	for i, r := range records {
		row := make([]any, len(columns))
		for j, col := range columns {
			v, ok := r.values[col]
			if !ok {
				continue
			}
			row[j] = cellValue(v)
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("writing record %d: %w", i+1, err)
		}
	}

	return f.Write(w)
}

func writeHeader(f *excelize.File, sheet string, columns []string) error {
	header := make([]any, len(columns))
	for i, c := range columns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return err
	}
	return f.SetRowStyle(sheet, 1, 1, style)
}

// sheetName fits name to the 31-character limit and drops characters
// Excel rejects.
func sheetName(name string) string {
	name = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`:\/?*[]`, r) {
			return -1
		}
		return r
	}, name)
	if name == "" {
		return "Records"
	}
	if r := []rune(name); len(r) > 31 {
		name = string(r[:31])
	}
	return name
}

// object is a decoded JSON object that remembers its key order.
type object struct {
	keys   []string
	values map[string]json.RawMessage
}

func decodeObject(raw json.RawMessage) (*object, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("not a JSON object")
	}
	obj := &object{values: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, _ := tok.(string)
		var v json.RawMessage
		if err := dec.Decode(&v); err != nil {
			return nil, err
		}
		if _, dup := obj.values[key]; !dup {
			obj.keys = append(obj.keys, key)
		}
		obj.values[key] = v
	}
	return obj, nil
}

// objectArray decodes raw as an array of objects, reporting false when it
// is anything else.
func objectArray(raw json.RawMessage) ([]*object, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil || len(elems) == 0 {
		return nil, false
	}
	out := make([]*object, 0, len(elems))
	for _, e := range elems {
		obj, err := decodeObject(e)
		if err != nil {
			return nil, false
		}
		out = append(out, obj)
	}
	return out, true
}

func findRecords(data json.RawMessage) (string, []*object, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil, ErrNoRecords
	}
	if data[0] == '[' {
		if recs, ok := objectArray(data); ok {
			return "Records", recs, nil
		}
		return "", nil, ErrNoRecords
	}

	top, err := decodeObject(data)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrNoRecords, err)
	}
	for _, k := range top.keys {
		if recs, ok := objectArray(top.values[k]); ok {
			return k, recs, nil
		}
	}
	return "Records", []*object{top}, nil
}

// cellValue converts a JSON value into something excelize stores natively.
// Objects and arrays are kept as compact JSON text.
func cellValue(raw json.RawMessage) any {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	switch raw[0] {
	case 'n':
		return nil
	case 't', 'f':
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			return b
		}
	case '"':
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
	case '{', '[':
		var buf bytes.Buffer
		if json.Compact(&buf, raw) == nil {
			return buf.String()
		}
	default:
		if n, err := strconv.ParseFloat(string(raw), 64); err == nil {
			return n
		}
	}
	return string(raw)
}
