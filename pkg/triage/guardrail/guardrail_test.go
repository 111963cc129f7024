package guardrail

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/triage/pkg/triage/decision"
	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/internalerr"
)

func article(text, domain string) ingest.Document {
	return ingest.Document{
		ID:           "doc-1",
		Title:        "Fortinet patches SSL VPN flaw",
		Text:         text,
		SourceDomain: domain,
		PublishedAt:  time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestRulesCheck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BlockedPatterns = []string{`(?i)\bcasino\b`, `(?i)buy now`}
	cfg.BlockedDomains = []string{"spam.example"}
	checker, err := NewRules(cfg, nil)
	require.NoError(t, err)

	long := strings.Repeat("Attackers exploited the flaw in the wild. ", 3)

	tests := []struct {
		name    string
		doc     ingest.Document
		verdict decision.Verdict
		reasons []string
	}{
		{"clean", article(long, "news.example"), decision.Pass, nil},
		{"empty text", article("   ", "news.example"), decision.Fail, []string{ReasonEmptyText}},
		{"too short", ingest.Document{ID: "x", Title: "Hi", Text: "short"}, decision.Fail, []string{ReasonTooShort}},
		{"blocked pattern", article(long+" Casino bonus", "news.example"), decision.Fail, []string{ReasonBlockedPattern}},
		{"blocked parent domain", article(long, "cdn.spam.example"), decision.Fail, []string{ReasonBlockedDomain}},
		{"every rule", article("", "spam.example"), decision.Fail, []string{ReasonEmptyText, ReasonBlockedDomain}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := checker.Check(context.Background(), tt.doc)
			require.NoError(t, err)
			assert.Equal(t, tt.verdict, res.Verdict)
			assert.Equal(t, tt.reasons, res.Reasons)
		})
	}
}

func TestDisabledPassesEverything(t *testing.T) {
	checker, err := NewRules(Config{Enabled: false, BlockedPatterns: []string{"("}}, nil)
	require.NoError(t, err)
	res, err := checker.Check(context.Background(), ingest.Document{ID: "x"})
	require.NoError(t, err)
	assert.Equal(t, Passed(), res)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.BlockedPatterns = []string{"([a-z"}
	_, err := NewRules(bad, nil)
	assert.ErrorIs(t, err, internalerr.ErrInvalidConfig)

	bad = DefaultConfig()
	bad.MinLength = -1
	assert.ErrorIs(t, bad.Validate(), internalerr.ErrInvalidConfig)
}

func TestCheckHonorsCancellation(t *testing.T) {
	checker, err := NewRules(DefaultConfig(), nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = checker.Check(ctx, article("text", ""))
	assert.ErrorIs(t, err, context.Canceled)
}
