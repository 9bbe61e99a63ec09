package docsift

import (
	"errors"
	"fmt"
	"testing"
)

func TestCheckPage(t *testing.T) {
	tests := []struct {
		page, count int
		want        error
	}{
		{1, 1, nil},
		{3, 5, nil},
		{5, 5, nil},
		{0, 5, ErrInvalidPage},
		{-2, 5, ErrInvalidPage},
		{6, 5, ErrPageOutOfRange},
		{1, 0, ErrPageOutOfRange},
	}
	for _, tt := range tests {
		err := checkPage(tt.page, tt.count)
		if tt.want == nil {
			if err != nil {
				t.Errorf("checkPage(%d, %d) = %v, want nil", tt.page, tt.count, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("checkPage(%d, %d) = %v, want %v", tt.page, tt.count, err, tt.want)
		}
	}
}

func TestPageRangeError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", checkPage(9, 4))

	var pre *PageRangeError
	if !errors.As(err, &pre) {
		t.Fatalf("errors.As failed for %v", err)
	}
	if pre.Page != 9 || pre.PageCount != 4 {
		t.Errorf("PageRangeError = %+v", pre)
	}
	if got := pre.Error(); got != "PDF only has 4 pages." {
		t.Errorf("message = %q", got)
	}
	if !errors.Is(err, ErrPageOutOfRange) {
		t.Error("PageRangeError does not unwrap to ErrPageOutOfRange")
	}
}
