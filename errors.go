package docsift

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPDF is returned when an upload does not carry a .pdf filename.
	ErrNotPDF = errors.New("docsift: only PDF files are allowed")

	// ErrInvalidPage is returned for page numbers below 1.
	ErrInvalidPage = errors.New("docsift: page number must be >= 1")

	// ErrPageOutOfRange is returned when a page number exceeds the document's
	// page count. Callers usually receive it wrapped in a *PageRangeError.
	ErrPageOutOfRange = errors.New("docsift: page number out of range")

	// ErrMissingAPIKey is returned when an LLM-backed operation has neither a
	// per-call key nor a configured one.
	ErrMissingAPIKey = errors.New("docsift: LLM API key required")

	// ErrRasterizeFailed is returned when a PDF page cannot be rendered.
	ErrRasterizeFailed = errors.New("docsift: rasterization failed")

	// ErrOCRFailed is returned when the OCR engine fails on a page image.
	ErrOCRFailed = errors.New("docsift: OCR failed")

	// ErrLLMRequestFailed is returned when an LLM request fails.
	ErrLLMRequestFailed = errors.New("docsift: LLM request failed")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("docsift: invalid configuration")

	// ErrOCREngineRequired is returned by New when no OCR engine was supplied.
	ErrOCREngineRequired = errors.New("docsift: OCR engine required")

	// ErrRunLogDisabled is returned by run log queries when no store is
	// configured.
	ErrRunLogDisabled = errors.New("docsift: run log disabled")
)

// PageRangeError reports a requested page beyond the end of the document.
type PageRangeError struct {
	Page      int
	PageCount int
}

func (e *PageRangeError) Error() string {
	return fmt.Sprintf("PDF only has %d pages.", e.PageCount)
}

func (e *PageRangeError) Unwrap() error { return ErrPageOutOfRange }

// checkPage validates a 1-based page number against the page count.
func checkPage(page, count int) error {
	if page < 1 {
		return ErrInvalidPage
	}
	if page > count {
		return &PageRangeError{Page: page, PageCount: count}
	}
	return nil
}
