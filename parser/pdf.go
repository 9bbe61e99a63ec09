package parser

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// TextLayer returns the embedded text of one 1-based page. Scanned PDFs
// have no text layer and yield an empty string.
func TextLayer(path string, page int) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	total := reader.NumPage()
	if page < 1 || page > total {
		return "", fmt.Errorf("page %d out of range (1-%d)", page, total)
	}

	p := reader.Page(page)
	if p.V.IsNull() {
		return "", nil
	}
	text, err := p.GetPlainText(nil)
	if err != nil {
		return "", fmt.Errorf("extracting text from page %d: %w", page, err)
	}
	return strings.TrimSpace(text), nil
}
