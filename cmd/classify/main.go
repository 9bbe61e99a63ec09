// Command classify runs a docsift pipeline on a local PDF and prints the
// result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/bbiangul/go-docsift"
	"github.com/bbiangul/go-docsift/export"
	"github.com/bbiangul/go-docsift/ocr/tesseract"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr, newEngine))
}

func newEngine(cfg docsift.Config) (docsift.Engine, error) {
	return docsift.New(cfg,
		docsift.WithOCR(tesseract.New(tesseract.WithTessdataPrefix(cfg.OCR.TessdataPrefix))))
}

// execute parses args, runs one pipeline and returns the exit code.
// Every resource it opens is released before it returns.
func execute(args []string, stdout, stderr io.Writer,
	build func(docsift.Config) (docsift.Engine, error)) int {
	fs := flag.NewFlagSet("classify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file (YAML)")
	op := fs.String("op", "classify", "Pipeline: classify, title, order, text, words, pages")
	page := fs.Int("page", 1, "1-based page for single-page pipelines")
	lang := fs.String("lang", "", "OCR language (defaults to config)")
	format := fs.String("format", "json", "Output format: json or xlsx (classify, order)")
	out := fs.String("out", "", "Write output to this file instead of stdout")
	textLayer := fs.Bool("text-layer", false, "Read the embedded text layer for -op text")
	timeout := fs.Duration("timeout", 30*time.Minute, "Overall timeout")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: classify [flags] file.pdf\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 2
	}
	path := fs.Arg(0)

	cfg := docsift.DefaultConfig()
	if *configPath != "" {
		loaded, err := docsift.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(stderr, "loading config: %v\n", err)
			return 1
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 1
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})))

	engine, err := build(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "creating engine: %v\n", err)
		return 1
	}
	defer engine.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	w := stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(stderr, "creating output: %v\n", err)
			return 1
		}
		defer f.Close()
		w = f
	}

	opts := []docsift.CallOption{}
	if *lang != "" {
		opts = append(opts, docsift.WithLanguage(*lang))
	}

	start := time.Now()
	if err := run(ctx, engine, w, *op, path, *page, *format, *textLayer, opts); err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", *op, err)
		return 1
	}
	fmt.Fprintf(stderr, "done in %s\n", time.Since(start).Round(time.Millisecond))
	return 0
}

func run(ctx context.Context, e docsift.Engine, w io.Writer, op, path string, page int,
	format string, textLayer bool, opts []docsift.CallOption) error {
	var result any
	switch op {
	case "classify":
		res, err := e.ClassifyDocument(ctx, path, opts...)
		if err != nil {
			return err
		}
		if format == "xlsx" {
			return export.SectionsXLSX(w, res.DocumentTitles)
		}
		result = res
	case "title":
		res, err := e.PageTitle(ctx, path, page, opts...)
		if err != nil {
			return err
		}
		result = res
	case "order":
		res, err := e.ExtractOrder(ctx, path, page, opts...)
		if err != nil {
			return err
		}
		if format == "xlsx" && len(res.Data) > 0 {
			return export.RecordsXLSX(w, res.Data)
		}
		result = res
	case "text":
		if textLayer {
			opts = append(opts, docsift.WithTextLayer())
		}
		res, err := e.RawText(ctx, path, page, opts...)
		if err != nil {
			return err
		}
		result = res
	case "words":
		words, err := e.PageWords(ctx, path, page, opts...)
		if err != nil {
			return err
		}
		result = map[string]any{"page_number": page, "words": words}
	case "pages":
		res, err := e.PageTexts(ctx, path, opts...)
		if err != nil {
			return err
		}
		result = res
	default:
		return fmt.Errorf("unknown op %q", op)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(result)
}
