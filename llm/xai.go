package llm

import "context"

type xaiProvider struct {
	base openAICompatClient
}

// NewXAI creates a provider for xAI (Grok).
func NewXAI(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.x.ai"
	}
	return &xaiProvider{base: newOpenAICompatClient(cfg)}
}

func (p *xaiProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}
