// Package ocr defines the word-level OCR contract used by every pipeline
// stage and the filtering policy applied to raw engine output.
package ocr

import (
	"context"
	"image"
	"strings"
)

// Word is one recognized token with its pixel bounding box.
type Word struct {
	Text       string `json:"word"`
	Confidence int    `json:"confidence"` // 0-100
	Left       int    `json:"left"`
	Top        int    `json:"top"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
}

// Right returns the x coordinate of the box's right edge.
func (w Word) Right() int { return w.Left + w.Width }

// Bottom returns the y coordinate of the box's bottom edge.
func (w Word) Bottom() int { return w.Top + w.Height }

// Engine recognizes text on a page image. lang is a Tesseract-style
// language code such as "vie" or "vie+eng".
type Engine interface {
	// Words returns filtered words in engine scan order.
	Words(ctx context.Context, img image.Image, lang string) ([]Word, error)

	// Text returns the engine's plain-text rendering of the page.
	Text(ctx context.Context, img image.Image, lang string) (string, error)
}

// FilterWords drops tokens whose trimmed text is empty or whose confidence
// is not positive. Surviving words keep their order and have their text
// trimmed. There is no merging, deduplication or reading-order repair.
func FilterWords(raw []Word) []Word {
	out := make([]Word, 0, len(raw))
	for _, w := range raw {
		w.Text = strings.TrimSpace(w.Text)
		if w.Text == "" || w.Confidence <= 0 {
			continue
		}
		out = append(out, w)
	}
	return out
}

// Languages splits a "+"-joined language code into its parts, dropping
// empty entries.
func Languages(lang string) []string {
	var out []string
	for _, l := range strings.Split(lang, "+") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
