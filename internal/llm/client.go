package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/cognicore/triage/pkg/triage/oracle"
)

const systemPrompt = "You are a careful security news analyst. Answer with JSON only."

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. http://localhost:8000/v1. A full
	// chat-completions URL is accepted too.
	BaseURL string
	APIKey  string
	Model   string

	HTTPClient *http.Client
}

// Client calls an OpenAI-compatible chat completion endpoint (OpenAI, vLLM,
// Ollama, llama.cpp) through langchaingo. It serves as the relevance scorer
// for self-hosted models.
type Client struct {
	model llms.Model
}

// New creates a client for opts.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" || opts.Model == "" {
		return nil, errors.New("llm: base URL and model required")
	}
	token := opts.APIKey
	if token == "" {
		// langchaingo requires a token even for local servers
		token = "placeholder"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	model, err := openai.New(
		openai.WithModel(opts.Model),
		openai.WithToken(token),
		openai.WithBaseURL(apiRoot(opts.BaseURL)),
		openai.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("llm: creating OpenAI client: %w", err)
	}
	return &Client{model: model}, nil
}

// apiRoot strips the path langchaingo appends itself.
func apiRoot(baseURL string) string {
	root := strings.TrimRight(baseURL, "/")
	return strings.TrimSuffix(root, "/chat/completions")
}

// Score asks the model to rate text against the target keywords.
func (c *Client) Score(ctx context.Context, text string, targetKeywords []string) (oracle.Score, error) {
	reply, err := c.Chat(ctx, systemPrompt, oracle.ScorePrompt(text, targetKeywords))
	if err != nil {
		return oracle.Score{}, err
	}
	return oracle.ParseScore(reply)
}

func (c *Client) Chat(ctx context.Context, system, user string) (string, error) {
	resp, err := c.model.GenerateContent(ctx, []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, system),
		llms.TextParts(schema.ChatMessageTypeHuman, user),
	}, llms.WithTemperature(0))
	if err != nil {
		return "", fmt.Errorf("llm: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: empty response")
	}
	return resp.Choices[0].Content, nil
}

var _ oracle.Scorer = (*Client)(nil)
