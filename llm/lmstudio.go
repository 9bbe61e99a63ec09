package llm

import "context"

// lmStudioProvider implements Provider for LM Studio.
type lmStudioProvider struct {
	base openAICompatClient
}

// NewLMStudio creates a provider for LM Studio.
func NewLMStudio(cfg Config) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:1234"
	}
	return &lmStudioProvider{base: newOpenAICompatClient(cfg)}
}

func (p *lmStudioProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return p.base.chat(ctx, req)
}
