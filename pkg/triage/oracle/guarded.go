package oracle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"golang.org/x/sync/singleflight"

	"github.com/cognicore/triage/pkg/triage/internalerr"
)

// GuardedScorer wraps a Scorer with a Guard. Every failure is reported as
// internalerr.CollaboratorUnavailable.
type GuardedScorer struct {
	inner Scorer
	guard *Guard
}

// NewGuardedScorer wraps inner.
func NewGuardedScorer(inner Scorer, guard *Guard) *GuardedScorer {
	return &GuardedScorer{inner: inner, guard: guard}
}

func (s *GuardedScorer) Score(ctx context.Context, text string, targetKeywords []string) (Score, error) {
	var out Score
	err := s.guard.Do(ctx, func(ctx context.Context) error {
		res, err := s.inner.Score(ctx, text, targetKeywords)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return Score{}, internalerr.Unavailable("semantic oracle", err)
	}
	return out, nil
}

// GuardedEmbedder wraps an Embedder with a Guard and collapses concurrent
// requests for identical text into one call.
type GuardedEmbedder struct {
	inner Embedder
	guard *Guard
	group singleflight.Group
}

// NewGuardedEmbedder wraps inner.
func NewGuardedEmbedder(inner Embedder, guard *Guard) *GuardedEmbedder {
	return &GuardedEmbedder{inner: inner, guard: guard}
}

func (e *GuardedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	v, err, _ := e.group.Do(hex.EncodeToString(sum[:]), func() (interface{}, error) {
		var vec []float32
		err := e.guard.Do(ctx, func(ctx context.Context) error {
			res, err := e.inner.Embed(ctx, text)
			if err != nil {
				return err
			}
			vec = res
			return nil
		})
		return vec, err
	})
	if err != nil {
		return nil, internalerr.Unavailable("embedding oracle", err)
	}
	vec := v.([]float32)
	return append([]float32(nil), vec...), nil
}
