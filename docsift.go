package docsift

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bbiangul/go-docsift/annotate"
	"github.com/bbiangul/go-docsift/extract"
	"github.com/bbiangul/go-docsift/llm"
	"github.com/bbiangul/go-docsift/ocr"
	"github.com/bbiangul/go-docsift/parser"
	"github.com/bbiangul/go-docsift/segment"
	"github.com/bbiangul/go-docsift/store"
	"github.com/bbiangul/go-docsift/title"
)

// Engine runs the document pipelines. Every method takes the path of a PDF
// already saved to disk; pages are 1-based.
type Engine interface {
	// PageCount returns the number of pages in the PDF.
	PageCount(ctx context.Context, path string) (int, error)

	// AnnotatePage renders a page with a red box around every recognized
	// word and returns it as PNG.
	AnnotatePage(ctx context.Context, path string, page int, opts ...CallOption) ([]byte, error)

	// PageWords returns the recognized words of a page with their boxes.
	PageWords(ctx context.Context, path string, page int, opts ...CallOption) ([]ocr.Word, error)

	// PageTitle asks the model for the title of a single page.
	PageTitle(ctx context.Context, path string, page int, opts ...CallOption) (*PageTitle, error)

	// ClassifyDocument groups every page of the document into titled
	// sections.
	ClassifyDocument(ctx context.Context, path string, opts ...CallOption) (*Classification, error)

	// ExtractOrder extracts a structured record from a page, shaped like the
	// menu schema unless WithSchema is given.
	ExtractOrder(ctx context.Context, path string, page int, opts ...CallOption) (*extract.Result, error)

	// RawText returns the text of a page, from OCR or the embedded text
	// layer with WithTextLayer.
	RawText(ctx context.Context, path string, page int, opts ...CallOption) (*PageText, error)

	// PageTexts returns the OCR text of every page, one entry per page.
	PageTexts(ctx context.Context, path string, opts ...CallOption) (*ContractPages, error)

	// Runs lists logged runs, newest first.
	Runs(ctx context.Context, limit int) ([]store.Run, error)

	// Run returns one logged run.
	Run(ctx context.Context, id string) (*store.Run, error)

	// Stats summarizes the run log.
	Stats(ctx context.Context) (*store.Stats, error)

	// Document returns the registry entry for a PDF's SHA-256 content hash.
	Document(ctx context.Context, hash string) (*store.Document, error)

	// PruneRuns deletes runs logged before t and reports how many went.
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Close releases the run log.
	Close() error
}

// PageTitle is the title resolved for one page.
type PageTitle struct {
	PageNumber int    `json:"page_number"`
	Title      string `json:"title"`
}

// Classification is the section list of a whole document.
type Classification struct {
	DocumentTitles []segment.Section `json:"document_titles"`
}

// PageText is the plain text of one page.
type PageText struct {
	PageNumber int    `json:"page_number"`
	RawText    string `json:"raw_text"`
}

// ContractPages is the per-page text listing of a document.
type ContractPages struct {
	DocumentClassification []ContractPage `json:"document_classification"`
}

// ContractPage pairs the text of a page with its number.
type ContractPage struct {
	DocumentType string `json:"document_type"`
	PageNumbers  []int  `json:"page_numbers"`
}

// CallOption configures one Engine call.
type CallOption func(*callOptions)

type callOptions struct {
	language  string
	apiKey    string
	schema    json.RawMessage
	textLayer bool
	filename  string
}

// WithLanguage sets the OCR language code, such as "vie" or "vie+eng".
func WithLanguage(lang string) CallOption {
	return func(o *callOptions) { o.language = lang }
}

// WithAPIKey overrides the configured LLM key for this call.
func WithAPIKey(key string) CallOption {
	return func(o *callOptions) { o.apiKey = key }
}

// WithSchema replaces the example record used by ExtractOrder.
func WithSchema(schema json.RawMessage) CallOption {
	return func(o *callOptions) { o.schema = schema }
}

// WithTextLayer makes RawText read the PDF's embedded text instead of
// running OCR.
func WithTextLayer() CallOption {
	return func(o *callOptions) { o.textLayer = true }
}

// WithFilename records the client's filename in the run log.
func WithFilename(name string) CallOption {
	return func(o *callOptions) { o.filename = name }
}

// EngineOption configures New.
type EngineOption func(*engine)

// WithOCR sets the OCR engine. It is required.
func WithOCR(o ocr.Engine) EngineOption {
	return func(e *engine) { e.ocr = o }
}

// WithRasterizer replaces the pdftoppm rasterizer.
func WithRasterizer(r parser.Rasterizer) EngineOption {
	return func(e *engine) { e.raster = r }
}

// WithProviderFactory replaces llm.NewProvider for building chat
// providers.
func WithProviderFactory(fn func(llm.Config) (llm.Provider, error)) EngineOption {
	return func(e *engine) { e.newProvider = fn }
}

// WithStore sets the run log. The caller keeps ownership of s.
func WithStore(s *store.Store) EngineOption {
	return func(e *engine) { e.store = s }
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg         Config
	raster      parser.Rasterizer
	ocr         ocr.Engine
	newProvider func(llm.Config) (llm.Provider, error)
	gate        *llm.Gate
	store       *store.Store
	ownsStore   bool
}

// New creates a docsift engine with the given configuration.
func New(cfg Config, opts ...EngineOption) (Engine, error) {
	e := &engine{
		cfg:         cfg,
		newProvider: llm.NewProvider,
	}
	for _, o := range opts {
		o(e)
	}
	if e.ocr == nil {
		return nil, ErrOCREngineRequired
	}
	if e.raster == nil {
		e.raster = parser.NewPdftoppm(cfg.Rasterizer.PdftoppmPath, cfg.Rasterizer.DPI)
	}
	if e.cfg.DefaultLanguage == "" {
		e.cfg.DefaultLanguage = "vie"
	}
	if cfg.LLM.Cooldown > 0 {
		e.gate = llm.NewGate(cfg.LLM.Cooldown)
	}

	if e.store == nil && cfg.RunLog.Enabled {
		s, err := store.New(e.cfg.resolveRunLogPath())
		if err != nil {
			return nil, fmt.Errorf("opening run log: %w", err)
		}
		e.store = s
		e.ownsStore = true
	}

	return e, nil
}

func (e *engine) options(opts []CallOption) callOptions {
	o := callOptions{language: e.cfg.DefaultLanguage}
	for _, fn := range opts {
		fn(&o)
	}
	if o.language == "" {
		o.language = e.cfg.DefaultLanguage
	}
	return o
}

// PageCount returns the number of pages in the PDF.
func (e *engine) PageCount(ctx context.Context, path string) (int, error) {
	n, err := e.raster.PageCount(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("%w: counting pages: %w", ErrRasterizeFailed, err)
	}
	return n, nil
}

// pageImage validates page against the document and renders it.
func (e *engine) pageImage(ctx context.Context, path string, page int) (image.Image, int, error) {
	if page < 1 {
		return nil, 0, ErrInvalidPage
	}
	count, err := e.PageCount(ctx, path)
	if err != nil {
		return nil, 0, err
	}
	if err := checkPage(page, count); err != nil {
		return nil, count, err
	}
	img, err := e.render(ctx, path, page)
	return img, count, err
}

func (e *engine) render(ctx context.Context, path string, page int) (image.Image, error) {
	img, err := e.raster.RenderPage(ctx, path, page)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d: %w", ErrRasterizeFailed, page, err)
	}
	return img, nil
}

func (e *engine) words(ctx context.Context, img image.Image, lang string) ([]ocr.Word, error) {
	words, err := e.ocr.Words(ctx, img, lang)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOCRFailed, err)
	}
	return words, nil
}

func (e *engine) text(ctx context.Context, img image.Image, lang string) (string, error) {
	text, err := e.ocr.Text(ctx, img, lang)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrOCRFailed, err)
	}
	return text, nil
}

// AnnotatePage draws word boxes on a page and encodes it as PNG.
func (e *engine) AnnotatePage(ctx context.Context, path string, page int, opts ...CallOption) ([]byte, error) {
	o := e.options(opts)
	run := e.startRun("extract_words_per_page", path, page, o)

	img, count, err := e.pageImage(ctx, path, page)
	run.pageCount = count
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	words, err := e.words(ctx, img, o.language)
	if err != nil {
		return nil, run.fail(ctx, err)
	}

	var buf bytes.Buffer
	if err := annotate.EncodePNG(&buf, annotate.Draw(img, words)); err != nil {
		return nil, run.fail(ctx, fmt.Errorf("encoding png: %w", err))
	}
	run.succeed(ctx, map[string]int{"words": len(words)})
	return buf.Bytes(), nil
}

// PageWords returns the filtered OCR words of a page.
func (e *engine) PageWords(ctx context.Context, path string, page int, opts ...CallOption) ([]ocr.Word, error) {
	o := e.options(opts)
	run := e.startRun("extract_words_json_per_page", path, page, o)

	img, count, err := e.pageImage(ctx, path, page)
	run.pageCount = count
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	words, err := e.words(ctx, img, o.language)
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	run.succeed(ctx, map[string]int{"words": len(words)})
	return words, nil
}

// PageTitle OCRs one page and asks the model for its title.
func (e *engine) PageTitle(ctx context.Context, path string, page int, opts ...CallOption) (*PageTitle, error) {
	o := e.options(opts)
	run := e.startRun("extract_text_per_page", path, page, o)

	chat, err := e.chat(o)
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	img, count, err := e.pageImage(ctx, path, page)
	run.pageCount = count
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	text, err := e.text(ctx, img, o.language)
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	t, err := e.titles(chat).Detect(ctx, text)
	run.tokens = chat.Tokens()
	if err != nil {
		return nil, run.fail(ctx, err)
	}

	res := &PageTitle{PageNumber: page, Title: t}
	run.succeed(ctx, res)
	return res, nil
}

// ClassifyDocument segments the whole document by page title.
func (e *engine) ClassifyDocument(ctx context.Context, path string, opts ...CallOption) (*Classification, error) {
	o := e.options(opts)
	run := e.startRun("classify_document", path, 0, o)

	chat, err := e.chat(o)
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	count, err := e.PageCount(ctx, path)
	run.pageCount = count
	if err != nil {
		return nil, run.fail(ctx, err)
	}

	src := &ocrPages{e: e, path: path, count: count, lang: o.language}
	sections, err := segment.Segment(ctx, src, e.titles(chat),
		segment.WithProgress(func(page int, t string) {
			slog.Debug("docsift: page classified", "path", filepath.Base(path), "page", page, "title", t)
		}))
	run.tokens = chat.Tokens()
	if err != nil {
		return nil, run.fail(ctx, err)
	}

	res := &Classification{DocumentTitles: sections}
	run.succeed(ctx, res)
	return res, nil
}

// ExtractOrder OCRs one page and asks the model for a structured record.
func (e *engine) ExtractOrder(ctx context.Context, path string, page int, opts ...CallOption) (*extract.Result, error) {
	o := e.options(opts)
	run := e.startRun("extract_order_per_page", path, page, o)

	chat, err := e.chat(o)
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	img, count, err := e.pageImage(ctx, path, page)
	run.pageCount = count
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	words, err := e.words(ctx, img, o.language)
	if err != nil {
		return nil, run.fail(ctx, err)
	}

	schema := o.schema
	if len(schema) == 0 {
		schema = extract.MenuSchema
	}
	res, err := extract.New(chat, extract.WithModel(e.cfg.LLM.ExtractModel)).
		Extract(ctx, words, schema, o.language)
	run.tokens = chat.Tokens()
	if err != nil {
		return nil, run.fail(ctx, err)
	}
	if res.Status == extract.StatusError {
		run.status = store.StatusError
		run.errText = "model response is not valid JSON"
	}
	run.succeed(ctx, res)
	return res, nil
}

// RawText returns the OCR text, or the text layer, of one page.
func (e *engine) RawText(ctx context.Context, path string, page int, opts ...CallOption) (*PageText, error) {
	o := e.options(opts)
	run := e.startRun("extract_raw_text_per_page", path, page, o)

	var text string
	if o.textLayer {
		count, err := e.PageCount(ctx, path)
		run.pageCount = count
		if err == nil {
			err = checkPage(page, count)
		}
		if err != nil {
			return nil, run.fail(ctx, err)
		}
		text, err = parser.TextLayer(path, page)
		if err != nil {
			return nil, run.fail(ctx, fmt.Errorf("reading text layer: %w", err))
		}
	} else {
		img, count, err := e.pageImage(ctx, path, page)
		run.pageCount = count
		if err != nil {
			return nil, run.fail(ctx, err)
		}
		text, err = e.text(ctx, img, o.language)
		if err != nil {
			return nil, run.fail(ctx, err)
		}
	}

	res := &PageText{PageNumber: page, RawText: text}
	run.succeed(ctx, res)
	return res, nil
}

// PageTexts lists the OCR text of every page.
func (e *engine) PageTexts(ctx context.Context, path string, opts ...CallOption) (*ContractPages, error) {
	o := e.options(opts)
	run := e.startRun("process_contract", path, 0, o)

	count, err := e.PageCount(ctx, path)
	run.pageCount = count
	if err != nil {
		return nil, run.fail(ctx, err)
	}

	src := &ocrPages{e: e, path: path, count: count, lang: o.language}
	res := &ContractPages{DocumentClassification: make([]ContractPage, 0, count)}
	for page := 1; page <= count; page++ {
		text, err := src.PageText(ctx, page)
		if err != nil {
			return nil, run.fail(ctx, err)
		}
		res.DocumentClassification = append(res.DocumentClassification, ContractPage{
			DocumentType: text,
			PageNumbers:  []int{page},
		})
	}
	run.succeed(ctx, res)
	return res, nil
}

// Runs lists logged runs, newest first.
func (e *engine) Runs(ctx context.Context, limit int) ([]store.Run, error) {
	if e.store == nil {
		return nil, ErrRunLogDisabled
	}
	return e.store.ListRuns(ctx, limit)
}

// Run returns one logged run.
func (e *engine) Run(ctx context.Context, id string) (*store.Run, error) {
	if e.store == nil {
		return nil, ErrRunLogDisabled
	}
	return e.store.GetRun(ctx, id)
}

// Stats summarizes the run log.
func (e *engine) Stats(ctx context.Context) (*store.Stats, error) {
	if e.store == nil {
		return nil, ErrRunLogDisabled
	}
	return e.store.Stats(ctx)
}

// Document returns the registry entry for a content hash.
func (e *engine) Document(ctx context.Context, hash string) (*store.Document, error) {
	if e.store == nil {
		return nil, ErrRunLogDisabled
	}
	return e.store.GetDocument(ctx, hash)
}

// PruneRuns deletes runs logged before the cutoff.
func (e *engine) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	if e.store == nil {
		return 0, ErrRunLogDisabled
	}
	return e.store.DeleteRunsBefore(ctx, before)
}

// Close releases the run log when New opened it.
func (e *engine) Close() error {
	if e.store != nil && e.ownsStore {
		return e.store.Close()
	}
	return nil
}

// chat builds a provider for one call. A per-call key wins over the
// configured one. Every provider shares the engine's gate.
func (e *engine) chat(o callOptions) (*meteredProvider, error) {
	cfg := llm.Config{
		Provider: e.cfg.LLM.Provider,
		Model:    e.cfg.LLM.Model,
		BaseURL:  e.cfg.LLM.BaseURL,
		APIKey:   e.cfg.LLM.APIKey,
	}
	if o.apiKey != "" {
		cfg.APIKey = o.apiKey
	}
	if cfg.APIKey == "" && cfg.RequiresKey() {
		return nil, ErrMissingAPIKey
	}
	p, err := e.newProvider(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &meteredProvider{next: llm.WithGate(p, e.gate)}, nil
}

func (e *engine) titles(chat llm.Provider) *title.Resolver {
	return title.New(chat, title.WithModel(e.cfg.LLM.TitleModel))
}

// meteredProvider counts tokens across the calls of one operation and
// tags failures with ErrLLMRequestFailed.
type meteredProvider struct {
	next   llm.Provider
	tokens atomic.Int64
}

func (p *meteredProvider) Chat(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.next.Chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLLMRequestFailed, err)
	}
	p.tokens.Add(int64(resp.TotalTokens))
	return resp, nil
}

// Tokens returns the total tokens reported so far.
func (p *meteredProvider) Tokens() int { return int(p.tokens.Load()) }

// ocrPages feeds the segmenter with OCR text rendered page by page.
type ocrPages struct {
	e     *engine
	path  string
	count int
	lang  string
}

func (s *ocrPages) PageCount() int { return s.count }

func (s *ocrPages) PageText(ctx context.Context, page int) (string, error) {
	img, err := s.e.render(ctx, s.path, page)
	if err != nil {
		return "", err
	}
	return s.e.text(ctx, img, s.lang)
}

// runRecord collects what one operation writes to the run log.
type runRecord struct {
	e         *engine
	op        string
	path      string
	page      int
	pageCount int
	opts      callOptions
	start     time.Time
	tokens    int
	status    string
	errText   string
}

func (e *engine) startRun(op, path string, page int, o callOptions) *runRecord {
	return &runRecord{e: e, op: op, path: path, page: page, opts: o, start: time.Now()}
}

// fail records err and returns it unchanged.
func (r *runRecord) fail(ctx context.Context, err error) error {
	r.status = store.StatusError
	r.errText = err.Error()
	r.write(ctx, nil)
	return err
}

func (r *runRecord) succeed(ctx context.Context, result any) {
	if r.status == "" {
		r.status = store.StatusSuccess
	}
	r.write(ctx, result)
}

// write stores the run. Logging failures never fail the operation.
func (r *runRecord) write(ctx context.Context, result any) {
	s := r.e.store
	if s == nil {
		return
	}

	run := store.Run{
		Operation:   r.op,
		Filename:    r.opts.filename,
		PageNumber:  r.page,
		PageCount:   r.pageCount,
		Language:    r.opts.language,
		Status:      r.status,
		Error:       r.errText,
		TotalTokens: r.tokens,
		DurationMs:  time.Since(r.start).Milliseconds(),
	}
	if run.Filename == "" {
		run.Filename = filepath.Base(r.path)
	}
	if hash, err := fileHash(r.path); err == nil {
		run.ContentHash = hash
	}
	if result != nil {
		if data, err := json.Marshal(result); err == nil {
			run.Result = data
		}
	}

	// The request context may already be cancelled; the log entry is
	// still wanted.
	ctx = context.WithoutCancel(ctx)
	if _, err := s.RecordRun(ctx, run); err != nil {
		slog.Warn("docsift: recording run failed", "operation", r.op, "error", err)
	}
}

// fileHash computes the SHA-256 hash of a file.
func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
