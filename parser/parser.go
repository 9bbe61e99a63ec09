// Package parser turns an uploaded PDF into the inputs of the OCR pipeline:
// page counts, rendered page images and, when present, the embedded text
// layer.
package parser

import (
	"context"
	"image"
)

// Rasterizer renders PDF pages to bitmaps.
type Rasterizer interface {
	// PageCount returns the number of pages in the PDF at path.
	PageCount(ctx context.Context, path string) (int, error)

	// RenderPage renders one 1-based page.
	RenderPage(ctx context.Context, path string, page int) (image.Image, error)
}
