package match

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/keyword"
)

func buildIndex(t *testing.T, caseSensitive bool, defs ...keyword.Definition) *keyword.Index {
	t.Helper()
	if len(defs) == 0 {
		defs = []keyword.Definition{
			{Term: "Azure", Weight: 1.0, Category: "vendor"},
			{Term: "Fortinet", Aliases: []string{"FortiGate"}, Weight: 0.9, Category: "vendor"},
			{Term: "Azure AD", Aliases: []string{"Entra ID"}, Weight: 0.8, Category: "product"},
			{Term: "ransomware", Weight: 0.5, Category: "threat", RequiresContext: true},
		}
	}
	idx, err := keyword.Build(defs, keyword.Options{
		CaseSensitive: caseSensitive,
		ContextTerms:  []string{"attack", "exploited", "zero day"},
	})
	require.NoError(t, err)
	return idx
}

func fuzzyConfig() Config {
	cfg := DefaultConfig()
	cfg.EnableFuzzy = true
	return cfg
}

func byKeyword(res Result) map[string]MatchResult {
	out := make(map[string]MatchResult)
	for _, m := range res.Matches {
		out[m.Keyword] = m
	}
	return out
}

func TestDistance(t *testing.T) {
	tests := []struct {
		a, b  string
		limit int
		want  int
	}{
		{"fortinet", "fortinet", 2, 0},
		{"fortnet", "fortinet", 2, 1},
		{"fortinte", "fortinet", 2, 1}, // transposition
		{"azrue", "azure", 2, 1},
		{"kitten", "sitting", 3, 3},
		{"kitten", "sitting", 2, 3},
		{"a", "abcdef", 2, 3},
		{"", "ab", 2, 2},
		{"zürich", "zurich", 2, 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Distance(tt.a, tt.b, tt.limit), "%s/%s", tt.a, tt.b)
	}
}

func TestExactTermIsAlwaysReported(t *testing.T) {
	idx := buildIndex(t, false)
	res := New(DefaultConfig()).Match(idx, "Azure AD Outage")

	got := byKeyword(res)
	require.Contains(t, got, "Azure")
	assert.Equal(t, Exact, got["Azure"].Type)
	assert.Equal(t, 1.0, got["Azure"].Confidence)
	assert.Equal(t, 0, got["Azure"].EditDistance)
	assert.Equal(t, "Azure", got["Azure"].MatchedText)

	require.Contains(t, got, "Azure AD")
	assert.Equal(t, "Azure AD", got["Azure AD"].MatchedText)
}

func TestAliasMatch(t *testing.T) {
	idx := buildIndex(t, false)
	res := New(DefaultConfig()).Match(idx, "Attackers target FortiGate appliances and Entra ID tenants")

	got := byKeyword(res)
	require.Contains(t, got, "Fortinet")
	assert.Equal(t, Alias, got["Fortinet"].Type)
	assert.Equal(t, 1.0, got["Fortinet"].Confidence)
	assert.Equal(t, "FortiGate", got["Fortinet"].MatchedText)
	assert.Equal(t, Alias, got["Azure AD"].Type)
}

func TestFuzzyMatchConfidence(t *testing.T) {
	idx := buildIndex(t, false)
	res := New(fuzzyConfig()).Match(idx, "Fortnet patches critical flaw")

	got := byKeyword(res)
	require.Contains(t, got, "Fortinet")
	m := got["Fortinet"]
	assert.Equal(t, Fuzzy, m.Type)
	assert.Equal(t, 1, m.EditDistance)
	assert.InDelta(t, 0.875, m.Confidence, 1e-9)
	assert.Equal(t, "Fortnet", m.MatchedText)
}

func TestFuzzyDisabledByDefault(t *testing.T) {
	idx := buildIndex(t, false)
	res := New(DefaultConfig()).Match(idx, "Fortnet patches critical flaw")
	assert.Empty(t, res.Matches)
}

func TestFuzzyBounds(t *testing.T) {
	idx := buildIndex(t, false)
	cfg := fuzzyConfig()
	cfg.MaxEditDistance = 1
	cfg.MinConfidence = 0.85

	text := "Frtnet and Fortnet and Azrue and Fortinte seen"
	res := New(cfg).Match(idx, text)
	for _, m := range res.Matches {
		assert.LessOrEqual(t, m.EditDistance, cfg.MaxEditDistance, m.Keyword)
		assert.GreaterOrEqual(t, m.Confidence, cfg.MinConfidence, m.Keyword)
	}
	got := byKeyword(res)
	// azrue -> azure is distance 1 but confidence 0.8
	assert.NotContains(t, got, "Azure")
	require.Contains(t, got, "Fortinet")
	assert.Equal(t, 2, got["Fortinet"].HitCount)
}

func TestFuzzySkipsExactlyMatchedTokens(t *testing.T) {
	idx := buildIndex(t, false, keyword.Definition{Term: "Okta", Weight: 1}, keyword.Definition{Term: "Oktb", Weight: 1})
	res := New(fuzzyConfig()).Match(idx, "okta login")

	got := byKeyword(res)
	assert.Contains(t, got, "Okta")
	assert.NotContains(t, got, "Oktb")
}

func TestContextGate(t *testing.T) {
	idx := buildIndex(t, false)
	m := New(DefaultConfig())

	res := m.Match(idx, "The ransomware documentary premiered last night.")
	assert.Empty(t, res.Matches)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, "ransomware", res.Rejected[0].Keyword)
	assert.Equal(t, ReasonContextRejected, res.Rejected[0].Reason)
	assert.Equal(t, 1, res.Rejected[0].Position)

	res = m.Match(idx, "A ransomware crew exploited a zero day in VPN gear.")
	got := byKeyword(res)
	require.Contains(t, got, "ransomware")
	assert.Empty(t, res.Rejected)
}

func TestContextGateWindow(t *testing.T) {
	idx := buildIndex(t, false)
	cfg := DefaultConfig()
	cfg.ContextWindow = 2

	res := New(cfg).Match(idx, "ransomware one two three attack")
	assert.Empty(t, res.Matches)
	assert.Len(t, res.Rejected, 1)

	res = New(cfg).Match(idx, "ransomware one attack")
	assert.Len(t, res.Matches, 1)
}

func TestContextGateKeepsOnlyQualifyingHits(t *testing.T) {
	idx := buildIndex(t, false)
	cfg := DefaultConfig()
	cfg.ContextWindow = 1

	res := New(cfg).Match(idx, "ransomware attack. Later, a ransomware film was announced today")
	got := byKeyword(res)
	require.Contains(t, got, "ransomware")
	assert.Equal(t, 1, got["ransomware"].HitCount)
	require.Len(t, res.Rejected, 1)
	assert.Equal(t, 4, res.Rejected[0].Position)
}

func TestWordBoundary(t *testing.T) {
	idx := buildIndex(t, false)
	text := "Microsoft renamed AzureAD last year"

	res := New(DefaultConfig()).Match(idx, text)
	assert.NotContains(t, byKeyword(res), "Azure")

	cfg := DefaultConfig()
	cfg.WordBoundary = false
	res = New(cfg).Match(idx, text)
	got := byKeyword(res)
	require.Contains(t, got, "Azure")
	assert.Equal(t, "Azure", got["Azure"].MatchedText)
	assert.Equal(t, Exact, got["Azure"].Type)
}

func TestPunctuatedTerms(t *testing.T) {
	idx := buildIndex(t, false,
		keyword.Definition{Term: "AT&T", Weight: 0.7, Category: "telco"},
		keyword.Definition{Term: "Notepad++", Weight: 0.4, Category: "product"},
	)
	m := New(DefaultConfig())

	got := byKeyword(m.Match(idx, "AT&T reports nationwide outage"))
	require.Contains(t, got, "AT&T")
	assert.Equal(t, Exact, got["AT&T"].Type)
	assert.Equal(t, "AT&T", got["AT&T"].MatchedText)

	got = byKeyword(m.Match(idx, "Notepad++ update channel hijacked"))
	require.Contains(t, got, "Notepad++")
	assert.Equal(t, "Notepad", got["Notepad++"].MatchedText)

	assert.Empty(t, m.Match(idx, "at the office").Matches)
}

func TestCaseSensitive(t *testing.T) {
	idx := buildIndex(t, true, keyword.Definition{Term: "ACE", Weight: 1})
	m := New(DefaultConfig())

	assert.Empty(t, m.Match(idx, "an ace pilot").Matches)
	assert.Len(t, m.Match(idx, "ACE flaw disclosed").Matches, 1)
}

func TestCollapseAndSort(t *testing.T) {
	idx := buildIndex(t, false)
	text := "Fortinet warns. Fortinet again, and FortiGate too. Azure is fine. Fortinet!"
	cfg := DefaultConfig()
	cfg.MaxSnippets = 2
	cfg.SnippetTokens = 1

	res := New(cfg).Match(idx, text)
	require.Len(t, res.Matches, 2)

	// Azure: 1.0 * 1.0 beats Fortinet: 1.0 * 0.9
	assert.Equal(t, "Azure", res.Matches[0].Keyword)
	fortinet := res.Matches[1]
	assert.Equal(t, "Fortinet", fortinet.Keyword)
	assert.Equal(t, 4, fortinet.HitCount)
	assert.Equal(t, Exact, fortinet.Type)
	assert.Equal(t, []string{"Fortinet warns", "warns. Fortinet again"}, fortinet.ContextSnippets)
}

func TestEmptyText(t *testing.T) {
	idx := buildIndex(t, false)
	res := New(DefaultConfig()).Match(idx, "  ...  ")
	assert.Empty(t, res.Matches)
	assert.Empty(t, res.Rejected)
}

func TestKindJSON(t *testing.T) {
	data, err := json.Marshal(MatchResult{Keyword: "Azure", Type: Fuzzy})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"match_type":"fuzzy"`)

	var back MatchResult
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, Fuzzy, back.Type)

	_, err = Kind(9).MarshalText()
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.MinConfidence = 0
	assert.ErrorIs(t, cfg.Validate(), internalerr.ErrInvalidConfig)

	cfg = DefaultConfig()
	cfg.MaxEditDistance = 9
	assert.ErrorIs(t, cfg.Validate(), internalerr.ErrInvalidConfig)
}
