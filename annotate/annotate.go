// Package annotate draws OCR word boxes over page images for visual
// verification.
package annotate

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"golang.org/x/image/draw"

	"github.com/bbiangul/go-docsift/ocr"
)

// Style controls box rendering.
type Style struct {
	Color color.Color
	Width int // stroke width in pixels, grows inward
}

// DefaultStyle is a 2px red outline.
var DefaultStyle = Style{Color: color.RGBA{R: 255, A: 255}, Width: 2}

// Draw returns a copy of src with a DefaultStyle outline around every word.
// src is never modified.
func Draw(src image.Image, words []ocr.Word) *image.RGBA {
	return DrawStyle(src, words, DefaultStyle)
}

// DrawStyle is Draw with an explicit style. Each outline spans
// (left, top) to (left+width, top+height) inclusive and is clipped to the
// image. Word coordinates are relative to the image origin.
func DrawStyle(src image.Image, words []ocr.Word, s Style) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	if s.Width <= 0 {
		s.Width = 1
	}
	fill := image.NewUniform(s.Color)
	for _, w := range words {
		r := image.Rect(w.Left, w.Top, w.Right()+1, w.Bottom()+1).Add(b.Min)
		strokeRect(dst, r, s.Width, fill)
	}
	return dst
}

func strokeRect(dst *image.RGBA, r image.Rectangle, width int, fill image.Image) {
	edges := [4]image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, min(r.Min.Y+width, r.Max.Y)), // top
		image.Rect(r.Min.X, max(r.Max.Y-width, r.Min.Y), r.Max.X, r.Max.Y), // bottom
		image.Rect(r.Min.X, r.Min.Y, min(r.Min.X+width, r.Max.X), r.Max.Y), // left
		image.Rect(max(r.Max.X-width, r.Min.X), r.Min.Y, r.Max.X, r.Max.Y), // right
	}
	for _, e := range edges {
		e = e.Intersect(dst.Bounds())
		if e.Empty() {
			continue
		}
		draw.Draw(dst, e, fill, image.Point{}, draw.Src)
	}
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	if err := png.Encode(w, img); err != nil {
		return fmt.Errorf("encode png: %w", err)
	}
	return nil
}
