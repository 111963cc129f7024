package oracle

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicScorer asks a Claude model for a relevance verdict.
type AnthropicScorer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicScorer creates a scorer. Extra request options (base URL,
// HTTP client) are passed through to the SDK.
func NewAnthropicScorer(apiKey, model string, opts ...option.RequestOption) (*AnthropicScorer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic scorer: api key required")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic scorer: model required")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicScorer{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: 1024,
	}, nil
}

func (s *AnthropicScorer) Score(ctx context.Context, text string, targetKeywords []string) (Score, error) {
	resp, err := s.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(s.model),
		MaxTokens: s.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(ScorePrompt(text, targetKeywords))),
		},
	})
	if err != nil {
		return Score{}, err
	}

	var reply string
	for _, block := range resp.Content {
		if block.Type == "text" {
			reply += block.Text
		}
	}
	return ParseScore(reply)
}
