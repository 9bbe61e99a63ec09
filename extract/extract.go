// Package extract turns the positioned words of a page into a structured
// JSON record shaped like an example schema.
package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/bbiangul/go-docsift/llm"
	"github.com/bbiangul/go-docsift/ocr"
)

// MenuSchema is the example record used for restaurant menus.
var MenuSchema = json.RawMessage(`{
  "products": [
    {
      "title": "Phở bò tái",
      "price": 65000,
      "category": "Món nước",
      "is_active": true,
      "main_ingredients": ["bánh phở", "thịt bò", "hành lá"]
    }
  ]
}`)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Result is the outcome of one extraction. A response the model did not
// format as JSON yields only Status "error". A successful Result always
// carries TokenUsage, zero included.
type Result struct {
	Status     string          `json:"status"`
	TokenUsage *int            `json:"token_usage,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Tokens returns the reported token usage, or 0 when there is none.
func (r *Result) Tokens() int {
	if r.TokenUsage == nil {
		return 0
	}
	return *r.TokenUsage
}

var languageNames = map[string]string{
	"vie":     "Vietnamese",
	"eng":     "English",
	"fra":     "French",
	"deu":     "German",
	"spa":     "Spanish",
	"ita":     "Italian",
	"por":     "Portuguese",
	"jpn":     "Japanese",
	"kor":     "Korean",
	"chi_sim": "Simplified Chinese",
	"chi_tra": "Traditional Chinese",
	"tha":     "Thai",
}

// languageName renders a Tesseract language code as a language name. For
// combined codes such as "vie+eng" the first language wins.
func languageName(code string) string {
	langs := ocr.Languages(code)
	if len(langs) == 0 {
		return "the language of the text"
	}
	first := langs[0]
	if name, ok := languageNames[first]; ok {
		return name
	}
	return first
}

// FormatWords serializes words one per line as "text|left,top,width,height".
func FormatWords(words []ocr.Word) string {
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(w.Text)
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(w.Left))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(w.Top))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(w.Width))
		b.WriteByte(',')
		b.WriteString(strconv.Itoa(w.Height))
	}
	return b.String()
}

// Prompt builds the extraction request for words, asking for a record
// shaped like schema written in lang.
func Prompt(words []ocr.Word, schema json.RawMessage, lang string) string {
	return fmt.Sprintf(`The following lines are words recognized on a document page, one word per line, in the format "word|left,top,width,height" (pixel coordinates of the word's bounding box). Use the positions to group words that belong together.

%s

Extract the information on this page into a JSON object with the same structure as this example:

%s

Rules:
- Return only the JSON object, with no explanation and no Markdown.
- Write every text value in %s.
- When a field cannot be found, use null or an empty placeholder of the right type.`,
		FormatWords(words), strings.TrimSpace(string(schema)), languageName(lang))
}

// Extractor asks a chat model for structured records.
type Extractor struct {
	chat  llm.Provider
	model string
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithModel overrides the provider's configured model.
func WithModel(model string) Option {
	return func(e *Extractor) { e.model = model }
}

// New creates an Extractor backed by chat.
func New(chat llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{chat: chat}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract sends the words of one page to the model and parses its reply.
// Provider failures are returned as errors; an unparseable reply is not an
// error and yields a Result with Status "error".
func (e *Extractor) Extract(ctx context.Context, words []ocr.Word, schema json.RawMessage, lang string) (*Result, error) {
	resp, err := e.chat.Chat(ctx, llm.ChatRequest{
		Model: e.model,
		Messages: []llm.Message{
			{Role: "system", Content: "You extract structured data from documents and answer with JSON only."},
			{Role: "user", Content: Prompt(words, schema, lang)},
		},
		Temperature:    0,
		ResponseFormat: "json_object",
	})
	if err != nil {
		return nil, fmt.Errorf("extract llm chat: %w", err)
	}

	data, err := parseJSON(resp.Content)
	if err != nil {
		return &Result{Status: StatusError}, nil
	}
	tokens := resp.TotalTokens
	return &Result{
		Status:     StatusSuccess,
		TokenUsage: &tokens,
		Data:       data,
	}, nil
}

// codeBlockRe strips markdown code fences from LLM output.
var codeBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

func parseJSON(raw string) (json.RawMessage, error) {
	if m := codeBlockRe.FindStringSubmatch(raw); len(m) > 1 {
		raw = m[1]
	}
	raw = strings.TrimSpace(raw)
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("response is not valid JSON")
	}
	return json.RawMessage(raw), nil
}
