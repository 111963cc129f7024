package relevance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/keyword"
	"github.com/cognicore/triage/pkg/triage/match"
	"github.com/cognicore/triage/pkg/triage/oracle"
)

func vocabulary(t *testing.T) Vocabulary {
	t.Helper()
	idx, err := keyword.Build([]keyword.Definition{
		{Term: "Azure", Weight: 1.0, Category: "vendor"},
		{Term: "Fortinet", Weight: 0.9, Category: "vendor"},
	}, keyword.Options{})
	require.NoError(t, err)

	tax := ingest.NewTaxonomy()
	tax.AddProduct("Azure", nil)

	return Vocabulary{
		Generation: keyword.NewHolder(idx).Current(),
		Matcher:    match.New(match.DefaultConfig()),
		Taxonomy:   tax,
	}
}

func document() ingest.Document {
	return ingest.Document{
		ID:          "doc-1",
		Title:       "Azure AD Outage",
		Text:        "Users could not sign in. Tracked as CVE-2024-0001.",
		PublishedAt: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestAssessCombinesScoreAndKeywords(t *testing.T) {
	var gotTerms []string
	scorer := oracle.ScorerFunc(func(ctx context.Context, text string, terms []string) (oracle.Score, error) {
		gotTerms = terms
		return oracle.Score{
			Relevancy: 0.85,
			Rationale: "cloud identity outage",
			Entities:  ingest.Entities{Products: []string{"Entra ID"}},
		}, nil
	})

	a := New(Options{Scorer: scorer})
	got := a.Assess(context.Background(), document(), vocabulary(t))

	score, ok := got.Score()
	require.True(t, ok)
	assert.Equal(t, 0.85, score)
	assert.False(t, got.Degraded)
	require.Len(t, got.Matches, 1)
	assert.Equal(t, "Azure", got.Matches[0].Keyword)
	assert.Equal(t, match.Exact, got.Matches[0].Type)
	assert.Equal(t, 1.0, got.Matches[0].Confidence)
	assert.Equal(t, 1, got.KeywordMatchCount())
	assert.Equal(t, []string{"Azure", "Fortinet"}, gotTerms)
	assert.Equal(t, []string{"CVE-2024-0001"}, got.Entities.Identifiers)
	assert.Equal(t, []string{"Azure", "Entra ID"}, got.Entities.Products)
	assert.Equal(t, uint64(1), got.IndexGeneration)
}

func TestAssessDegradesOnTimeout(t *testing.T) {
	scorer := oracle.ScorerFunc(func(ctx context.Context, text string, terms []string) (oracle.Score, error) {
		<-ctx.Done()
		return oracle.Score{}, internalerr.Unavailable("semantic oracle", ctx.Err())
	})

	a := New(Options{Scorer: scorer, Timeout: 20 * time.Millisecond})
	got := a.Assess(context.Background(), document(), vocabulary(t))

	assert.True(t, got.Degraded)
	assert.Equal(t, DegradedTimeout, got.DegradedReason)
	_, ok := got.Score()
	assert.False(t, ok)
	assert.Nil(t, got.RelevancyScore)
	// keyword evidence survives the degraded path
	assert.Len(t, got.Matches, 1)
	assert.Equal(t, []string{"CVE-2024-0001"}, got.Entities.Identifiers)
}

func TestAssessDegradesOnError(t *testing.T) {
	scorer := oracle.ScorerFunc(func(ctx context.Context, text string, terms []string) (oracle.Score, error) {
		return oracle.Score{}, errors.New("503 service unavailable")
	})

	got := New(Options{Scorer: scorer}).Assess(context.Background(), document(), vocabulary(t))
	assert.True(t, got.Degraded)
	assert.Equal(t, DegradedUnavailable, got.DegradedReason)
}

func TestAssessWithoutScorer(t *testing.T) {
	got := New(Options{}).Assess(context.Background(), document(), vocabulary(t))
	assert.True(t, got.Degraded)
	assert.Equal(t, DegradedNoOracle, got.DegradedReason)
}
