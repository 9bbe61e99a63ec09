// Package segment groups the pages of a document into titled sections.
package segment

import (
	"context"
	"fmt"
)

// Section is a run of pages sharing one title. Pages that carry the same
// title later in the document are appended to the section that first used
// it.
type Section struct {
	Title       string `json:"title"`
	PageNumbers []int  `json:"page_numbers"`
}

// PageSource yields the text of each page of one document.
type PageSource interface {
	PageCount() int
	PageText(ctx context.Context, page int) (string, error)
}

// TitleResolver decides the title of a page given the title of the page
// before it.
type TitleResolver interface {
	Resolve(ctx context.Context, text, previous string) (string, error)
}

// Accumulator holds the sections built so far and the last title assigned.
// The zero value is ready to use.
type Accumulator struct {
	sections []Section
	index    map[string]int
	last     string
}

// Add assigns page to title, opening a new section the first time the
// title is seen.
func (a *Accumulator) Add(page int, title string) {
	if a.index == nil {
		a.index = make(map[string]int)
	}
	i, ok := a.index[title]
	if !ok {
		i = len(a.sections)
		a.index[title] = i
		a.sections = append(a.sections, Section{Title: title})
	}
	a.sections[i].PageNumbers = append(a.sections[i].PageNumbers, page)
	a.last = title
}

// Last returns the most recently assigned title, or "" before any page.
func (a *Accumulator) Last() string { return a.last }

// Sections returns a copy of the sections in first-occurrence order.
func (a *Accumulator) Sections() []Section {
	out := make([]Section, len(a.sections))
	for i, s := range a.sections {
		out[i] = Section{
			Title:       s.Title,
			PageNumbers: append([]int(nil), s.PageNumbers...),
		}
	}
	return out
}

// Option configures Segment.
type Option func(*options)

type options struct {
	progress func(page int, title string)
}

// WithProgress registers fn to be called after each page is assigned.
func WithProgress(fn func(page int, title string)) Option {
	return func(o *options) { o.progress = fn }
}

// Segment walks the pages of src in order and groups them by the title r
// assigns, threading each page's title into the next page's request. Any
// page failure aborts the whole document.
func Segment(ctx context.Context, src PageSource, r TitleResolver, opts ...Option) ([]Section, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	var acc Accumulator
	n := src.PageCount()
	for page := 1; page <= n; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := src.PageText(ctx, page)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", page, err)
		}
		title, err := r.Resolve(ctx, text, acc.Last())
		if err != nil {
			return nil, fmt.Errorf("page %d: resolving title: %w", page, err)
		}
		acc.Add(page, title)
		if o.progress != nil {
			o.progress(page, title)
		}
	}
	return acc.Sections(), nil
}
