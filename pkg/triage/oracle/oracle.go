// Package oracle defines the semantic relevance and embedding collaborators
// and the adapters that reach them.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cognicore/triage/pkg/triage/ingest"
)

// Score is the semantic oracle's verdict on one document.
type Score struct {
	Relevancy float64         `json:"relevancy_score"`
	Entities  ingest.Entities `json:"entities"`
	Rationale string          `json:"rationale"`
}

// Scorer rates how relevant text is to the target keywords.
type Scorer interface {
	Score(ctx context.Context, text string, targetKeywords []string) (Score, error)
}

// Embedder turns text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, text string, targetKeywords []string) (Score, error)

func (f ScorerFunc) Score(ctx context.Context, text string, targetKeywords []string) (Score, error) {
	return f(ctx, text, targetKeywords)
}

// EmbedderFunc adapts a function to Embedder.
type EmbedderFunc func(ctx context.Context, text string) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, text string) ([]float32, error) {
	return f(ctx, text)
}

// ErrMalformedResponse is returned when an oracle answer cannot be used.
var ErrMalformedResponse = errors.New("malformed oracle response")

const maxPromptChars = 12000

// ScorePrompt builds the instruction sent to a chat model acting as scorer.
func ScorePrompt(text string, targetKeywords []string) string {
	if len(text) > maxPromptChars {
		text = text[:maxPromptChars]
	}
	var b strings.Builder
	b.WriteString("You rate security news for analysts. ")
	b.WriteString("Return ONLY a JSON object with fields ")
	b.WriteString(`"relevancy_score" (number 0..1), `)
	b.WriteString(`"entities" (object with string arrays "identifiers", "actors", "products", "tags"), `)
	b.WriteString(`"rationale" (one sentence).`)
	b.WriteString("\n\nTarget terms: ")
	b.WriteString(strings.Join(targetKeywords, ", "))
	b.WriteString("\n\nDocument:\n")
	b.WriteString(text)
	return b.String()
}

// ParseScore extracts a Score from a model reply. Code fences and prose
// around the JSON object are tolerated; an out-of-range score is not.
func ParseScore(reply string) (Score, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return Score{}, fmt.Errorf("%w: no JSON object in reply", ErrMalformedResponse)
	}

	var s Score
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Score{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if s.Relevancy < 0 || s.Relevancy > 1 {
		return Score{}, fmt.Errorf("%w: relevancy_score %v outside [0,1]", ErrMalformedResponse, s.Relevancy)
	}
	return s, nil
}

func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return ""
	}
	return text[start : end+1]
}
