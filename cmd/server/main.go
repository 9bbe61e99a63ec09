package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bbiangul/go-docsift"
	"github.com/bbiangul/go-docsift/ocr/tesseract"
	"github.com/bbiangul/go-docsift/parser"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (YAML)")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	variant := flag.String("variant", "", "Endpoint set: all, ocr, contract or menu (overrides config)")
	flag.Parse()

	cfg := docsift.DefaultConfig()
	if *configPath != "" {
		loaded, err := docsift.LoadConfig(*configPath)
		if err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if *addr != "" {
		cfg.Listen = *addr
	}
	if *variant != "" {
		cfg.Variant = *variant
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	})))

	uploadDir, err := cfg.UploadDir()
	if err != nil {
		slog.Error("preparing upload dir", "error", err)
		os.Exit(1)
	}

	raster := parser.NewPdftoppm(cfg.Rasterizer.PdftoppmPath, cfg.Rasterizer.DPI)
	raster.WorkDir = uploadDir

	engine, err := docsift.New(cfg,
		docsift.WithOCR(tesseract.New(tesseract.WithTessdataPrefix(cfg.OCR.TessdataPrefix))),
		docsift.WithRasterizer(raster),
	)
	if err != nil {
		slog.Error("creating engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if cfg.RunLog.Enabled && cfg.RunLog.Retention > 0 {
		retainCtx, stopRetain := context.WithCancel(context.Background())
		defer stopRetain()
		go retainRuns(retainCtx, engine, cfg.RunLog.Retention, pruneInterval)
	}

	h := newHandler(engine, cfg, uploadDir)

	srv := &http.Server{
		Addr:         cfg.Listen,
		Handler:      newRouter(cfg, h),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 0, // classify_document runs one LLM call per page
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown on SIGTERM/SIGINT.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting",
			"addr", cfg.Listen,
			"variant", cfg.Variant,
			"llm_provider", cfg.LLM.Provider,
			"llm_cooldown", cfg.LLM.Cooldown,
			"run_log", cfg.RunLog.Enabled,
			"run_retention", cfg.RunLog.Retention,
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
