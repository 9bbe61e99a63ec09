package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/bbiangul/go-docsift"
	"github.com/bbiangul/go-docsift/export"
	"github.com/bbiangul/go-docsift/extract"
	"github.com/bbiangul/go-docsift/ocr"
	"github.com/bbiangul/go-docsift/segment"
	"github.com/bbiangul/go-docsift/store"
)

// fakeEngine serves a document of pages pages and records the temp paths
// it was handed.
type fakeEngine struct {
	pages  int
	err    error
	paths  []string
	opts   int
	stats  *store.Stats
	pruned []time.Time
}

func (f *fakeEngine) seen(path string, opts []docsift.CallOption) error {
	f.paths = append(f.paths, path)
	f.opts = len(opts)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("upload missing during processing: %w", err)
	}
	return f.err
}

func (f *fakeEngine) page(path string, page int, opts []docsift.CallOption) error {
	if err := f.seen(path, opts); err != nil {
		return err
	}
	if page > f.pages {
		return &docsift.PageRangeError{Page: page, PageCount: f.pages}
	}
	return nil
}

func (f *fakeEngine) PageCount(context.Context, string) (int, error) {
	return f.pages, nil
}

func (f *fakeEngine) AnnotatePage(_ context.Context, path string, page int, opts ...docsift.CallOption) ([]byte, error) {
	if err := f.page(path, page, opts); err != nil {
		return nil, err
	}
	return []byte("\x89PNG fake"), nil
}

func (f *fakeEngine) PageWords(_ context.Context, path string, page int, opts ...docsift.CallOption) ([]ocr.Word, error) {
	if err := f.page(path, page, opts); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeEngine) PageTitle(_ context.Context, path string, page int, opts ...docsift.CallOption) (*docsift.PageTitle, error) {
	if err := f.page(path, page, opts); err != nil {
		return nil, err
	}
	return &docsift.PageTitle{PageNumber: page, Title: "Hợp đồng"}, nil
}

func (f *fakeEngine) ClassifyDocument(_ context.Context, path string, opts ...docsift.CallOption) (*docsift.Classification, error) {
	if err := f.seen(path, opts); err != nil {
		return nil, err
	}
	return &docsift.Classification{DocumentTitles: []segment.Section{
		{Title: "Hợp đồng", PageNumbers: []int{1, 2}},
		{Title: "Phụ lục", PageNumbers: []int{3}},
	}}, nil
}

func (f *fakeEngine) ExtractOrder(_ context.Context, path string, page int, opts ...docsift.CallOption) (*extract.Result, error) {
	if err := f.page(path, page, opts); err != nil {
		return nil, err
	}
	tokens := 120
	return &extract.Result{
		Status:     extract.StatusSuccess,
		TokenUsage: &tokens,
		Data:       json.RawMessage(`{"products":[{"title":"Bún chả","price":45000}]}`),
	}, nil
}

func (f *fakeEngine) RawText(_ context.Context, path string, page int, opts ...docsift.CallOption) (*docsift.PageText, error) {
	if err := f.page(path, page, opts); err != nil {
		return nil, err
	}
	return &docsift.PageText{PageNumber: page, RawText: "text"}, nil
}

func (f *fakeEngine) PageTexts(_ context.Context, path string, opts ...docsift.CallOption) (*docsift.ContractPages, error) {
	if err := f.seen(path, opts); err != nil {
		return nil, err
	}
	return &docsift.ContractPages{DocumentClassification: []docsift.ContractPage{
		{DocumentType: "page one", PageNumbers: []int{1}},
	}}, nil
}

func (f *fakeEngine) Runs(context.Context, int) ([]store.Run, error) {
	return nil, docsift.ErrRunLogDisabled
}

func (f *fakeEngine) Run(_ context.Context, id string) (*store.Run, error) {
	if id == "r1" {
		return &store.Run{ID: "r1", Operation: "classify_document"}, nil
	}
	return nil, store.ErrRunNotFound
}

func (f *fakeEngine) Stats(context.Context) (*store.Stats, error) {
	if f.stats == nil {
		return nil, docsift.ErrRunLogDisabled
	}
	return f.stats, nil
}

func (f *fakeEngine) Document(_ context.Context, hash string) (*store.Document, error) {
	if hash == "abc" {
		return &store.Document{ContentHash: "abc", Filename: "hop-dong.pdf", PageCount: 4}, nil
	}
	return nil, store.ErrDocumentNotFound
}

func (f *fakeEngine) PruneRuns(_ context.Context, before time.Time) (int64, error) {
	f.pruned = append(f.pruned, before)
	return 3, f.err
}

func (f *fakeEngine) Close() error { return nil }

func newTestServer(t *testing.T, e *fakeEngine, mutate ...func(*docsift.Config)) *httptest.Server {
	t.Helper()
	cfg := docsift.DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	dir := t.TempDir()
	srv := httptest.NewServer(newRouter(cfg, newHandler(e, cfg, dir)))
	t.Cleanup(srv.Close)
	return srv
}

func postPDF(t *testing.T, url, filename string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("%PDF-1.4\n%%EOF\n"))
	mw.Close()

	resp, err := http.Post(url, mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func detail(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return body.Detail
}

func TestRejectsNonPDF(t *testing.T) {
	e := &fakeEngine{pages: 3}
	srv := newTestServer(t, e)

	resp := postPDF(t, srv.URL+"/extract_words_per_page?page_number=1", "scan.docx")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := detail(t, resp); got != "Only PDF files are allowed." {
		t.Errorf("detail = %q", got)
	}
	if len(e.paths) != 0 {
		t.Error("engine called for a non-PDF upload")
	}
}

func TestPageNumberValidation(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{pages: 2})
	tests := []struct {
		query      string
		wantStatus int
		wantDetail string
	}{
		{"", http.StatusBadRequest, "page_number is required"},
		{"page_number=abc", http.StatusBadRequest, "page_number must be an integer >= 1"},
		{"page_number=0", http.StatusBadRequest, "page_number must be an integer >= 1"},
		{"page_number=3", http.StatusBadRequest, "PDF only has 2 pages."},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			resp := postPDF(t, srv.URL+"/extract_raw_text_per_page?"+tt.query, "a.pdf")
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if got := detail(t, resp); got != tt.wantDetail {
				t.Errorf("detail = %q, want %q", got, tt.wantDetail)
			}
		})
	}
}

func TestExtractWordsReturnsPNG(t *testing.T) {
	e := &fakeEngine{pages: 1}
	srv := newTestServer(t, e)
	resp := postPDF(t, srv.URL+"/extract_words_per_page?page_number=1&lang=vie", "a.pdf")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q", ct)
	}
	data, _ := io.ReadAll(resp.Body)
	if !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Errorf("body = %q", data)
	}
	// filename and lang
	if e.opts != 2 {
		t.Errorf("call options = %d, want 2", e.opts)
	}
}

func TestTempFileRemoved(t *testing.T) {
	for _, fail := range []bool{false, true} {
		e := &fakeEngine{pages: 1}
		if fail {
			e.err = errors.New("tesseract crashed")
		}
		srv := newTestServer(t, e)
		postPDF(t, srv.URL+"/extract_text_per_page?page_number=1&api_key=k", "a.pdf")
		if len(e.paths) != 1 {
			t.Fatalf("engine calls = %d", len(e.paths))
		}
		if _, err := os.Stat(e.paths[0]); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("fail=%v: temp file still present: %v", fail, err)
		}
	}
}

func TestInternalErrorIs500(t *testing.T) {
	e := &fakeEngine{pages: 1, err: errors.New("docsift: rasterization failed: exit status 1")}
	srv := newTestServer(t, e)
	resp := postPDF(t, srv.URL+"/classify_document", "a.pdf")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	if got := detail(t, resp); got != "Error processing file: docsift: rasterization failed: exit status 1" {
		t.Errorf("detail = %q", got)
	}
}

func TestMissingAPIKeyIs400(t *testing.T) {
	e := &fakeEngine{pages: 1, err: fmt.Errorf("wrap: %w", docsift.ErrMissingAPIKey)}
	srv := newTestServer(t, e)
	resp := postPDF(t, srv.URL+"/classify_document", "a.pdf")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if got := detail(t, resp); !strings.HasPrefix(got, "api_key is required") {
		t.Errorf("detail = %q", got)
	}
}

func TestClassifyDocumentJSON(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{pages: 3})
	resp := postPDF(t, srv.URL+"/classify_document?api_key=k", "hop-dong.pdf")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got docsift.Classification
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got.DocumentTitles) != 2 || got.DocumentTitles[0].Title != "Hợp đồng" {
		t.Errorf("document_titles = %+v", got.DocumentTitles)
	}
}

func TestClassifyDocumentXLSX(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{pages: 3})
	resp := postPDF(t, srv.URL+"/classify_document?format=xlsx", "hop-dong.pdf")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != export.ContentType {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); cd != `attachment; filename="hop-dong.xlsx"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
	f, err := excelize.OpenReader(resp.Body)
	if err != nil {
		t.Fatalf("opening workbook: %v", err)
	}
	defer f.Close()
	rows, err := f.GetRows("Sections")
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 || rows[1][1] != "1, 2" {
		t.Errorf("rows = %q", rows)
	}
}

func TestBadFormat(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{pages: 1})
	resp := postPDF(t, srv.URL+"/classify_document?format=csv", "a.pdf")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestExtractOrder(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{pages: 1})
	resp := postPDF(t, srv.URL+"/extract_order_per_page?page_number=1", "menu.pdf")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var got map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["status"] != "success" || got["token_usage"] != float64(120) {
		t.Errorf("body = %v", got)
	}
}

func TestExtractWordsJSONEmpty(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{pages: 1})
	resp := postPDF(t, srv.URL+"/extract_words_json_per_page?page_number=1", "a.pdf")
	data, _ := io.ReadAll(resp.Body)
	if strings.TrimSpace(string(data)) != `{"page_number":1,"words":[]}` {
		t.Errorf("body = %s", data)
	}
}

func TestRawTextSource(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{pages: 1})
	if resp := postPDF(t, srv.URL+"/extract_raw_text_per_page?page_number=1&source=text", "a.pdf"); resp.StatusCode != http.StatusOK {
		t.Errorf("source=text status = %d", resp.StatusCode)
	}
	if resp := postPDF(t, srv.URL+"/extract_raw_text_per_page?page_number=1&source=vision", "a.pdf"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("source=vision status = %d, want 400", resp.StatusCode)
	}
}

func TestVariantRoutes(t *testing.T) {
	tests := []struct {
		variant string
		path    string
		mounted bool
	}{
		{"menu", "/extract_order_per_page", true},
		{"menu", "/classify_document", false},
		{"menu", "/extract_words_per_page", true},
		{"contract", "/classify_document", true},
		{"contract", "/process_contract", true},
		{"contract", "/extract_order_per_page", false},
		{"ocr", "/extract_raw_text_per_page", true},
		{"ocr", "/extract_text_per_page", false},
		{"all", "/extract_order_per_page", true},
		{"all", "/process_contract", true},
	}
	for _, tt := range tests {
		t.Run(tt.variant+tt.path, func(t *testing.T) {
			srv := newTestServer(t, &fakeEngine{pages: 1}, func(c *docsift.Config) { c.Variant = tt.variant })
			resp := postPDF(t, srv.URL+tt.path+"?page_number=1", "a.pdf")
			if got := resp.StatusCode != http.StatusNotFound; got != tt.mounted {
				t.Errorf("status = %d, mounted = %v", resp.StatusCode, tt.mounted)
			}
		})
	}
}

func TestRoutesForAll(t *testing.T) {
	got := routesFor("all")
	if len(got) != 7 {
		t.Errorf("routes = %v, want 7 distinct", got)
	}
}

func TestRunsEndpoints(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{})

	resp, err := http.Get(srv.URL + "/runs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound || detail(t, resp) != "run log is disabled" {
		t.Errorf("GET /runs status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(srv.URL + "/runs/r1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("GET /runs/r1 status = %d", resp2.StatusCode)
	}

	resp3, err := http.Get(srv.URL + "/runs/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Errorf("GET /runs/nope status = %d", resp3.StatusCode)
	}
}

func TestAuth(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{pages: 1}, func(c *docsift.Config) { c.APIToken = "secret" })

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200 without token", resp.StatusCode)
	}

	resp = postPDF(t, srv.URL+"/extract_words_per_page?page_number=1", "a.pdf")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/runs/r1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authorized status = %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name      string
		stats     *store.Stats
		wantStats bool
	}{
		{"run log disabled", nil, false},
		{"run log enabled", &store.Stats{Runs: 4, Failed: 1, Documents: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &fakeEngine{stats: tt.stats})
			resp, err := http.Get(srv.URL + "/health")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body["status"] != "ok" || body["variant"] != "all" {
				t.Errorf("health = %v", body)
			}
			stats, ok := body["stats"].(map[string]any)
			if ok != tt.wantStats {
				t.Fatalf("stats present = %v, want %v (%v)", ok, tt.wantStats, body)
			}
			if ok && stats["runs"] != float64(4) {
				t.Errorf("stats = %v", stats)
			}
		})
	}
}

func TestDocumentEndpoint(t *testing.T) {
	srv := newTestServer(t, &fakeEngine{})

	resp, err := http.Get(srv.URL + "/documents/abc")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var doc store.Document
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK || doc.Filename != "hop-dong.pdf" || doc.PageCount != 4 {
		t.Errorf("GET /documents/abc = %d %+v", resp.StatusCode, doc)
	}

	resp2, err := http.Get(srv.URL + "/documents/nope")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound || detail(t, resp2) != "document not found" {
		t.Errorf("GET /documents/nope status = %d", resp2.StatusCode)
	}
}

func TestUploadTooLarge(t *testing.T) {
	e := &fakeEngine{pages: 1}
	srv := newTestServer(t, e, func(c *docsift.Config) { c.MaxUploadMB = 1 })

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "big.pdf")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(bytes.Repeat([]byte("x"), 2<<20))
	mw.Close()

	resp, err := http.Post(srv.URL+"/extract_words_per_page?page_number=1", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", resp.StatusCode)
	}
	if got := detail(t, resp); got != "file exceeds 1048576 bytes" {
		t.Errorf("detail = %q", got)
	}
	if len(e.paths) != 0 {
		t.Errorf("engine called for oversized upload: %v", e.paths)
	}
}

func TestDocumentTimeout(t *testing.T) {
	tests := []struct {
		pages    int
		cooldown time.Duration
		want     time.Duration
	}{
		{0, 4 * time.Second, pageTimeout},
		{-1, 4 * time.Second, pageTimeout},
		{2, 0, 3 * pageTimeout},
		{3, 4 * time.Second, pageTimeout + 3*(pageTimeout+4*time.Second)},
	}
	for _, tt := range tests {
		if got := documentTimeout(tt.pages, tt.cooldown); got != tt.want {
			t.Errorf("documentTimeout(%d, %v) = %v, want %v", tt.pages, tt.cooldown, got, tt.want)
		}
	}
	// Large documents get more than a fixed half hour.
	if got := documentTimeout(1000, 4*time.Second); got <= 30*time.Minute {
		t.Errorf("documentTimeout(1000) = %v", got)
	}
}

func TestPruneRuns(t *testing.T) {
	e := &fakeEngine{}
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	n, err := pruneRuns(context.Background(), e, 30*24*time.Hour, now)
	if err != nil || n != 3 {
		t.Fatalf("pruneRuns = %d, %v", n, err)
	}
	if want := now.Add(-30 * 24 * time.Hour); len(e.pruned) != 1 || !e.pruned[0].Equal(want) {
		t.Errorf("cutoffs = %v, want [%v]", e.pruned, want)
	}

	e.err = docsift.ErrRunLogDisabled
	if _, err := pruneRuns(context.Background(), e, time.Hour, now); !errors.Is(err, docsift.ErrRunLogDisabled) {
		t.Errorf("err = %v", err)
	}
}

func TestRetainRunsStopsWithContext(t *testing.T) {
	e := &fakeEngine{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		retainRuns(ctx, e, time.Hour, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retainRuns did not return after cancel")
	}
	if len(e.pruned) != 1 {
		t.Errorf("prunes = %d, want 1 at startup", len(e.pruned))
	}
}
