package oracle

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// EmbedderConfig configures an OpenAI-compatible embedding endpoint
// (OpenAI, TEI, vLLM, Ollama).
type EmbedderConfig struct {
	BaseURL string `koanf:"base_url"`
	Model   string `koanf:"model"`
	APIKey  string `koanf:"api_key"`
}

// LangchainEmbedder embeds text through langchaingo.
type LangchainEmbedder struct {
	embedder embeddings.Embedder
}

// NewLangchainEmbedder creates an embedder for cfg.
func NewLangchainEmbedder(cfg EmbedderConfig) (*LangchainEmbedder, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedder: model required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token even for local servers
		apiKey = "placeholder"
	}

	opts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	e, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return &LangchainEmbedder{embedder: e}, nil
}

func (e *LangchainEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	if len(vec) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrMalformedResponse)
	}
	return vec, nil
}
