package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bbiangul/go-docsift"
	"github.com/bbiangul/go-docsift/export"
	"github.com/bbiangul/go-docsift/extract"
	"github.com/bbiangul/go-docsift/ocr"
	"github.com/bbiangul/go-docsift/store"
)

const (
	pageTimeout     = 5 * time.Minute
	defaultRunLimit = 50
)

type handler struct {
	engine    docsift.Engine
	variant   string
	uploadDir string
	maxUpload int64
	cooldown  time.Duration
}

func newHandler(e docsift.Engine, cfg docsift.Config, uploadDir string) *handler {
	return &handler{
		engine:    e,
		variant:   cfg.Variant,
		uploadDir: uploadDir,
		maxUpload: cfg.MaxUploadBytes(),
		cooldown:  cfg.LLM.Cooldown,
	}
}

// documentTimeout budgets a whole-document run: pageTimeout for setup,
// then pageTimeout plus the LLM cooldown for every page.
func documentTimeout(pages int, cooldown time.Duration) time.Duration {
	if pages < 0 {
		pages = 0
	}
	return pageTimeout + time.Duration(pages)*(pageTimeout+cooldown)
}

// upload is a PDF saved for the lifetime of one request.
type upload struct {
	path     string
	filename string
}

// receive validates the multipart "file" field and writes it under the
// upload directory with a random name. The caller must call cleanup.
func (h *handler) receive(w http.ResponseWriter, r *http.Request) (*upload, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, nil, err
		}
		return nil, nil, badRequest("file is required: %v", err)
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		return nil, nil, docsift.ErrNotPDF
	}

	path := filepath.Join(h.uploadDir, uuid.NewString()+".pdf")
	dst, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("creating temp file: %w", err)
	}
	cleanup := func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			slog.Warn("removing upload", "path", path, "error", err)
		}
	}
	if _, err := io.Copy(dst, file); err != nil {
		dst.Close()
		cleanup()
		return nil, nil, fmt.Errorf("saving uploaded file: %w", err)
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("saving uploaded file: %w", err)
	}
	return &upload{path: path, filename: name}, cleanup, nil
}

// callOptions maps the shared query parameters onto engine options.
func callOptions(r *http.Request, up *upload) []docsift.CallOption {
	q := r.URL.Query()
	opts := []docsift.CallOption{docsift.WithFilename(up.filename)}
	if lang := strings.TrimSpace(q.Get("lang")); lang != "" {
		opts = append(opts, docsift.WithLanguage(lang))
	}
	if key := strings.TrimSpace(q.Get("api_key")); key != "" {
		opts = append(opts, docsift.WithAPIKey(key))
	}
	return opts
}

// pageNumber parses the required page_number query parameter.
func pageNumber(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("page_number")
	if raw == "" {
		return 0, badRequest("page_number is required")
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, badRequest("page_number must be an integer >= 1")
	}
	return n, nil
}

// pageHandler runs fn on an uploaded PDF and one validated page.
func (h *handler) pageHandler(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, up *upload, page int, opts []docsift.CallOption) error) {
	page, err := pageNumber(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	up, cleanup, err := h.receive(w, r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(r.Context(), pageTimeout)
	defer cancel()
	if err := fn(ctx, up, page, callOptions(r, up)); err != nil {
		writeEngineError(w, r, err)
	}
}

// documentHandler runs fn on an uploaded PDF.
func (h *handler) documentHandler(w http.ResponseWriter, r *http.Request,
	fn func(ctx context.Context, up *upload, opts []docsift.CallOption) error) {
	up, cleanup, err := h.receive(w, r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	defer cleanup()

	// A failed count leaves only the setup budget; fn reports the error.
	pages, _ := h.engine.PageCount(r.Context(), up.path)
	ctx, cancel := context.WithTimeout(r.Context(), documentTimeout(pages, h.cooldown))
	defer cancel()
	if err := fn(ctx, up, callOptions(r, up)); err != nil {
		writeEngineError(w, r, err)
	}
}

// POST /extract_words_per_page
func (h *handler) handleExtractWords(w http.ResponseWriter, r *http.Request) {
	h.pageHandler(w, r, func(ctx context.Context, up *upload, page int, opts []docsift.CallOption) error {
		data, err := h.engine.AnnotatePage(ctx, up.path, page, opts...)
		if err != nil {
			return err
		}
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return nil
	})
}

// POST /extract_words_json_per_page
func (h *handler) handleExtractWordsJSON(w http.ResponseWriter, r *http.Request) {
	h.pageHandler(w, r, func(ctx context.Context, up *upload, page int, opts []docsift.CallOption) error {
		words, err := h.engine.PageWords(ctx, up.path, page, opts...)
		if err != nil {
			return err
		}
		if words == nil {
			words = []ocr.Word{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"page_number": page,
			"words":       words,
		})
		return nil
	})
}

// POST /extract_text_per_page
func (h *handler) handleExtractText(w http.ResponseWriter, r *http.Request) {
	h.pageHandler(w, r, func(ctx context.Context, up *upload, page int, opts []docsift.CallOption) error {
		res, err := h.engine.PageTitle(ctx, up.path, page, opts...)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

// POST /classify_document
func (h *handler) handleClassifyDocument(w http.ResponseWriter, r *http.Request) {
	asXLSX, err := wantsXLSX(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	h.documentHandler(w, r, func(ctx context.Context, up *upload, opts []docsift.CallOption) error {
		res, err := h.engine.ClassifyDocument(ctx, up.path, opts...)
		if err != nil {
			return err
		}
		if asXLSX {
			setAttachment(w, up.filename)
			w.WriteHeader(http.StatusOK)
			if err := export.SectionsXLSX(w, res.DocumentTitles); err != nil {
				slog.Error("writing sections workbook", "error", err)
			}
			return nil
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

// POST /process_contract
func (h *handler) handleProcessContract(w http.ResponseWriter, r *http.Request) {
	h.documentHandler(w, r, func(ctx context.Context, up *upload, opts []docsift.CallOption) error {
		res, err := h.engine.PageTexts(ctx, up.path, opts...)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

// POST /extract_order_per_page
func (h *handler) handleExtractOrder(w http.ResponseWriter, r *http.Request) {
	asXLSX, err := wantsXLSX(r)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	h.pageHandler(w, r, func(ctx context.Context, up *upload, page int, opts []docsift.CallOption) error {
		res, err := h.engine.ExtractOrder(ctx, up.path, page, opts...)
		if err != nil {
			return err
		}
		if asXLSX && res.Status == extract.StatusSuccess {
			setAttachment(w, up.filename)
			w.WriteHeader(http.StatusOK)
			if err := export.RecordsXLSX(w, res.Data); err != nil {
				slog.Error("writing records workbook", "error", err)
			}
			return nil
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

// POST /extract_raw_text_per_page
func (h *handler) handleExtractRawText(w http.ResponseWriter, r *http.Request) {
	var textLayer bool
	switch src := r.URL.Query().Get("source"); src {
	case "", "ocr":
	case "text":
		textLayer = true
	default:
		writeEngineError(w, r, badRequest("source must be ocr or text, got %q", src))
		return
	}
	h.pageHandler(w, r, func(ctx context.Context, up *upload, page int, opts []docsift.CallOption) error {
		if textLayer {
			opts = append(opts, docsift.WithTextLayer())
		}
		res, err := h.engine.RawText(ctx, up.path, page, opts...)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, res)
		return nil
	})
}

// GET /runs
func (h *handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeEngineError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	runs, err := h.engine.Runs(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// GET /runs/{id}
func (h *handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// GET /documents/{hash}
func (h *handler) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.Document(r.Context(), chi.URLParam(r, "hash"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GET /health
func (h *handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"variant": h.variant,
	}
	if stats, err := h.engine.Stats(r.Context()); err == nil {
		resp["stats"] = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func wantsXLSX(r *http.Request) (bool, error) {
	switch f := r.URL.Query().Get("format"); f {
	case "", "json":
		return false, nil
	case "xlsx":
		return true, nil
	default:
		return false, badRequest("format must be json or xlsx, got %q", f)
	}
}

func setAttachment(w http.ResponseWriter, filename string) {
	base := strings.TrimSuffix(filename, filepath.Ext(filename))
	w.Header().Set("Content-Type", export.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", base+".xlsx"))
}

// requestError is a client error with a message safe to return verbatim.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// writeEngineError maps err onto a status code and a {"detail": ...} body.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		reqErr   *requestError
		rangeErr *docsift.PageRangeError
		tooBig   *http.MaxBytesError
	)
	switch {
	case errors.As(err, &reqErr):
		writeError(w, http.StatusBadRequest, reqErr.msg)
	case errors.Is(err, docsift.ErrNotPDF):
		writeError(w, http.StatusBadRequest, "Only PDF files are allowed.")
	case errors.As(err, &rangeErr):
		writeError(w, http.StatusBadRequest, rangeErr.Error())
	case errors.Is(err, docsift.ErrInvalidPage):
		writeError(w, http.StatusBadRequest, "page_number must be an integer >= 1")
	case errors.Is(err, docsift.ErrMissingAPIKey):
		writeError(w, http.StatusBadRequest, "api_key is required: pass it as a query parameter or configure llm.api_key")
	case errors.As(err, &tooBig):
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("file exceeds %d bytes", tooBig.Limit))
	case errors.Is(err, docsift.ErrRunLogDisabled):
		writeError(w, http.StatusNotFound, "run log is disabled")
	case errors.Is(err, store.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, store.ErrDocumentNotFound):
		writeError(w, http.StatusNotFound, "document not found")
	default:
		slog.Error("request failed",
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "Error processing file: "+err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}
