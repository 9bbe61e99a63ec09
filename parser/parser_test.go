package parser

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestPdftoppmArgs(t *testing.T) {
	p := NewPdftoppm("", 0)
	if p.Binary != "pdftoppm" || p.DPI != 200 {
		t.Fatalf("defaults = %q/%d, want pdftoppm/200", p.Binary, p.DPI)
	}

	got := p.args("/tmp/in.pdf", 3, "/tmp/out/page")
	want := []string{"-f", "3", "-l", "3", "-png", "-r", "200", "-singlefile", "/tmp/in.pdf", "/tmp/out/page"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("args = %v, want %v", got, want)
	}
}

func TestPageCount(t *testing.T) {
	path := writePDF(t, 3)
	n, err := NewPdftoppm("", 0).PageCount(context.Background(), path)
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 3 {
		t.Errorf("PageCount = %d, want 3", n)
	}
}

func TestPageCountLeavesNoConfigDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("HOME", home)

	if _, err := NewPdftoppm("", 0).PageCount(context.Background(), writePDF(t, 1)); err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "pdfcpu")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("pdfcpu config dir created: %v", err)
	}
}

func TestPageCountMissingFile(t *testing.T) {
	if _, err := NewPdftoppm("", 0).PageCount(context.Background(), "/nonexistent/doc.pdf"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTextLayer(t *testing.T) {
	path := writePDF(t, 2)

	text, err := TextLayer(path, 2)
	if err != nil {
		t.Fatalf("TextLayer: %v", err)
	}
	if !strings.Contains(text, "Page 2") {
		t.Errorf("TextLayer(page 2) = %q, want it to contain %q", text, "Page 2")
	}

	if _, err := TextLayer(path, 3); err == nil {
		t.Error("expected error for page beyond the document")
	}
}

func TestRenderPage(t *testing.T) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		t.Skip("pdftoppm not installed")
	}
	path := writePDF(t, 2)
	p := NewPdftoppm("", 72)
	p.WorkDir = t.TempDir()

	img, err := p.RenderPage(context.Background(), path, 2)
	if err != nil {
		t.Fatalf("RenderPage: %v", err)
	}
	// 612x792pt at 72 DPI.
	if b := img.Bounds(); b.Dx() != 612 || b.Dy() != 792 {
		t.Errorf("bounds = %v, want 612x792", b)
	}
}

func TestRenderPageInvalid(t *testing.T) {
	p := NewPdftoppm("", 0)
	if _, err := p.RenderPage(context.Background(), "/tmp/x.pdf", 0); err == nil {
		t.Error("expected error for page 0")
	}
}

func TestRenderPageMissingBinary(t *testing.T) {
	p := NewPdftoppm("/nonexistent/pdftoppm", 0)
	p.WorkDir = t.TempDir()
	if _, err := p.RenderPage(context.Background(), writePDF(t, 1), 1); err == nil {
		t.Error("expected error when the binary is missing")
	}
}
