package parser

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Pdftoppm rasterizes pages with poppler's pdftoppm binary and counts
// pages with pdfcpu.
type Pdftoppm struct {
	// Binary is the pdftoppm executable; a bare name is resolved via PATH.
	Binary string
	// DPI is the render resolution.
	DPI int
	// WorkDir holds the intermediate PNG files. Empty uses os.TempDir().
	WorkDir string
}

// NewPdftoppm returns a rasterizer with defaults applied.
func NewPdftoppm(binary string, dpi int) *Pdftoppm {
	if binary == "" {
		binary = "pdftoppm"
	}
	if dpi <= 0 {
		dpi = 200
	}
	return &Pdftoppm{Binary: binary, DPI: dpi}
}

// PageCount reads the page tree with pdfcpu.
func (p *Pdftoppm) PageCount(ctx context.Context, path string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := api.PageCount(f, pdfcpuConfig())
	if err != nil {
		return 0, fmt.Errorf("pdfcpu page count: %w", err)
	}
	return n, nil
}

var disableConfigDir sync.Once

// pdfcpuConfig returns pdfcpu's built-in defaults without creating a
// config directory under the user's home.
func pdfcpuConfig() *model.Configuration {
	disableConfigDir.Do(api.DisableConfigDir)
	return model.NewDefaultConfiguration()
}

// RenderPage renders one page to PNG in a scratch directory and decodes it.
func (p *Pdftoppm) RenderPage(ctx context.Context, path string, page int) (image.Image, error) {
	if page < 1 {
		return nil, fmt.Errorf("invalid page %d", page)
	}
	dir, err := os.MkdirTemp(p.WorkDir, "docsift-raster-*")
	if err != nil {
		return nil, fmt.Errorf("creating raster dir: %w", err)
	}
	defer os.RemoveAll(dir)

	prefix := filepath.Join(dir, "page")
	cmd := exec.CommandContext(ctx, p.Binary, p.args(path, page, prefix)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("pdftoppm page %d: %w: %s", page, err, out)
	}

	f, err := os.Open(prefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("opening rendered page %d: %w", page, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decoding rendered page %d: %w", page, err)
	}
	return img, nil
}

// args builds the pdftoppm command line for a single page.
func (p *Pdftoppm) args(path string, page int, prefix string) []string {
	n := strconv.Itoa(page)
	return []string{
		"-f", n,
		"-l", n,
		"-png",
		"-r", strconv.Itoa(p.DPI),
		"-singlefile",
		path,
		prefix,
	}
}
