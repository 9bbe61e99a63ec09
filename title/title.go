// Package title resolves the section title of a document page with a
// language model.
package title

import (
	"context"
	"fmt"
	"strings"

	"github.com/bbiangul/go-docsift/llm"
)

// Unknown is the sentinel title for pages whose title cannot be
// determined.
const Unknown = "Unknown"

// systemInstruction is sent with every title request.
var systemInstruction = strings.Join([]string{
	"You are an expert at identifying the titles of documents.",
	"Identify the exact title of the text; if it cannot be determined, answer None.",
}, "\n")

// Normalize trims s and maps empty, "none", "null" and "unknown"
// (case-insensitive) to Unknown.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "none", "null", "unknown":
		return Unknown
	}
	return s
}

// ContinuationPrompt asks whether text continues the section named by
// previous. An empty previous omits the continuation question's premise.
func ContinuationPrompt(text, previous string) string {
	var b strings.Builder
	if previous != "" {
		fmt.Fprintf(&b, "The previous page has the title: %s.\n", previous)
	}
	fmt.Fprintf(&b, "The following text is from the current page:\n%s\n", text)
	if previous != "" {
		b.WriteString("Does this text belong to the title above? ")
		b.WriteString("If it does, return exactly that title. ")
		b.WriteString("If it does not, find the new title that best fits this content. ")
		b.WriteString("If you cannot decide, return the title of the previous page. ")
	} else {
		b.WriteString("There is no previous title, so find the title that best fits this text. ")
	}
	b.WriteString("Return only the exact title or None, with no explanation or any other information.")
	return b.String()
}

// PagePrompt asks for the title of a single page in isolation.
func PagePrompt(text string) string {
	return fmt.Sprintf("Identify the title of the following text: %s. If there is none, return None.", text)
}

// Resolver asks a chat model for page titles.
type Resolver struct {
	chat  llm.Provider
	model string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithModel overrides the provider's configured model.
func WithModel(model string) Option {
	return func(r *Resolver) { r.model = model }
}

// New creates a Resolver backed by chat. Rate limiting is the provider's
// concern; wrap it with llm.WithGate.
func New(chat llm.Provider, opts ...Option) *Resolver {
	r := &Resolver{chat: chat}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the title for a page given the previous page's title.
func (r *Resolver) Resolve(ctx context.Context, text, previous string) (string, error) {
	return r.ask(ctx, ContinuationPrompt(text, previous))
}

// Detect returns the title of a single page without continuity context.
func (r *Resolver) Detect(ctx context.Context, text string) (string, error) {
	return r.ask(ctx, PagePrompt(text))
}

func (r *Resolver) ask(ctx context.Context, prompt string) (string, error) {
	resp, err := r.chat.Chat(ctx, llm.ChatRequest{
		Model: r.model,
		Messages: []llm.Message{
			{Role: "system", Content: systemInstruction},
			{Role: "user", Content: prompt},
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("title llm chat: %w", err)
	}
	return Normalize(resp.Content), nil
}
