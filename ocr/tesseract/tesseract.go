// Package tesseract implements ocr.Engine on top of the Tesseract C API via
// gosseract.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/otiai10/gosseract/v2"

	"github.com/bbiangul/go-docsift/ocr"
)

// Engine is a Tesseract-backed ocr.Engine. A fresh client is created per
// call, so an Engine is safe for concurrent use.
type Engine struct {
	tessdataPrefix string
	clientFactory  func() *gosseract.Client
}

// Option configures an Engine.
type Option func(*Engine)

// WithTessdataPrefix points Tesseract at a directory of traineddata files.
func WithTessdataPrefix(dir string) Option {
	return func(e *Engine) { e.tessdataPrefix = dir }
}

// New constructs a Tesseract engine.
func New(opts ...Option) *Engine {
	e := &Engine{clientFactory: gosseract.NewClient}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Words runs word-level recognition and returns the filtered words.
func (e *Engine) Words(ctx context.Context, img image.Image, lang string) ([]ocr.Word, error) {
	c, err := e.prepare(ctx, img, lang)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, fmt.Errorf("word boxes: %w", err)
	}
	return ocr.FilterWords(fromBoxes(boxes)), nil
}

// Text returns Tesseract's plain-text output for the page.
func (e *Engine) Text(ctx context.Context, img image.Image, lang string) (string, error) {
	c, err := e.prepare(ctx, img, lang)
	if err != nil {
		return "", err
	}
	defer c.Close()

	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return text, nil
}

func (e *Engine) prepare(ctx context.Context, img image.Image, lang string) (*gosseract.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page image: %w", err)
	}

	c := e.clientFactory()
	if e.tessdataPrefix != "" {
		if err := c.SetTessdataPrefix(e.tessdataPrefix); err != nil {
			c.Close()
			return nil, fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if langs := ocr.Languages(lang); len(langs) > 0 {
		if err := c.SetLanguage(langs...); err != nil {
			c.Close()
			return nil, fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetImageFromBytes(buf.Bytes()); err != nil {
		c.Close()
		return nil, fmt.Errorf("set image: %w", err)
	}
	return c, nil
}

// fromBoxes converts gosseract word boxes into ocr.Words. Confidence is
// truncated to an integer the way Tesseract's TSV output reports it.
func fromBoxes(boxes []gosseract.BoundingBox) []ocr.Word {
	words := make([]ocr.Word, 0, len(boxes))
	for _, b := range boxes {
		words = append(words, ocr.Word{
			Text:       b.Word,
			Confidence: int(b.Confidence),
			Left:       b.Box.Min.X,
			Top:        b.Box.Min.Y,
			Width:      b.Box.Dx(),
			Height:     b.Box.Dy(),
		})
	}
	return words
}
