package keyword

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/lexicon"
)

func sampleDefs() []Definition {
	return []Definition{
		{Term: "Azure", Weight: 1.0, Category: "vendor"},
		{Term: "Fortinet", Aliases: []string{"FortiGate"}, Weight: 0.9, Category: "vendor"},
		{Term: "Azure AD", Aliases: []string{"AAD", "Entra ID"}, Weight: 0.8, Category: "product"},
		{Term: "ransomware", Weight: 0.6, Category: "threat", RequiresContext: true},
	}
}

func TestBuildLookup(t *testing.T) {
	idx, err := Build(sampleDefs(), Options{ContextTerms: []string{"attack", "zero day"}})
	require.NoError(t, err)

	entries := idx.Lookup("fortigate")
	require.Len(t, entries, 1)
	assert.Equal(t, "Fortinet", entries[0].Keyword.Term)
	assert.True(t, entries[0].IsAlias)

	entries = idx.Lookup("entra id")
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Tokens)

	assert.Equal(t, 2, idx.MaxTokens())
	assert.Equal(t, 2, idx.MaxContextTokens())
	assert.True(t, idx.IsContextTerm("zero day"))
	assert.False(t, idx.IsContextTerm("Attack"))
	assert.Equal(t, []string{"Azure", "Fortinet", "Azure AD", "ransomware"}, idx.Terms())
}

func TestBuildRejectsDuplicateTerms(t *testing.T) {
	defs := append(sampleDefs(), Definition{Term: "AZURE", Weight: 0.5, Category: "cloud"})

	_, err := Build(defs, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, internalerr.ErrInvalidConfig))

	var cfgErr *internalerr.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "keywords[4].term", cfgErr.Field)
	assert.Contains(t, cfgErr.Reason, `"vendor"`)
	assert.Contains(t, cfgErr.Reason, `"cloud"`)
}

func TestBuildRejectsBadDefinitions(t *testing.T) {
	for name, def := range map[string]Definition{
		"empty term":  {Term: " ", Weight: 0.5},
		"weight high": {Term: "x", Weight: 1.5},
		"weight low":  {Term: "x", Weight: -0.1},
		"punctuation": {Term: "&&", Weight: 0.5},
		"bad alias":   {Term: "x", Aliases: []string{"++"}, Weight: 0.5},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Build([]Definition{def}, Options{})
			assert.ErrorIs(t, err, internalerr.ErrInvalidConfig)
		})
	}
}

func TestBuildKeysFollowTokenizer(t *testing.T) {
	idx, err := Build([]Definition{
		{Term: "AT&T", Weight: 0.7, Category: "telco"},
		{Term: "Notepad++", Aliases: []string{"Notepad ++"}, Weight: 0.4, Category: "product"},
	}, Options{ContextTerms: []string{"Zero-Day!", "  "}})
	require.NoError(t, err)

	entries := idx.Lookup("at t")
	require.Len(t, entries, 1)
	assert.Equal(t, "AT&T", entries[0].Keyword.Term)
	assert.Equal(t, 2, entries[0].Tokens)
	// the alias reads the same as the term and collapses into it
	entries = idx.Lookup("notepad")
	require.Len(t, entries, 1)
	assert.False(t, entries[0].IsAlias)
	assert.Empty(t, idx.Lookup("at&t"))
	assert.True(t, idx.IsContextTerm("zero-day"))
}

func TestBuildRejectsPunctuationContextTerm(t *testing.T) {
	_, err := Build(sampleDefs(), Options{ContextTerms: []string{"attack", "!!"}})
	var cfgErr *internalerr.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "context_terms[1]", cfgErr.Field)
}

func TestBuildLogsAliasOverlap(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	defs := []Definition{
		{Term: "Azure AD", Aliases: []string{"AD"}, Weight: 0.8},
		{Term: "Active Directory", Aliases: []string{"AD"}, Weight: 0.7},
	}

	idx, err := Build(defs, Options{Logger: zap.New(core)})
	require.NoError(t, err)

	assert.Len(t, idx.Lookup("ad"), 2)
	require.Len(t, idx.Overlaps(), 1)
	assert.Equal(t, 1, logs.FilterMessage("keyword alias overlap").Len())
}

func TestBuildMergesLexiconAliases(t *testing.T) {
	lex := lexicon.New(false)
	lex.AddGroup("Fortinet", []string{"FortiOS"})

	idx, err := Build(sampleDefs(), Options{Lexicon: lex})
	require.NoError(t, err)
	require.Len(t, idx.Lookup("fortios"), 1)
	assert.Len(t, idx.Lookup("fortigate"), 1)
}

func TestBuildCaseSensitive(t *testing.T) {
	idx, err := Build([]Definition{{Term: "ACE", Weight: 1}}, Options{CaseSensitive: true})
	require.NoError(t, err)
	assert.Len(t, idx.Lookup("ACE"), 1)
	assert.Empty(t, idx.Lookup("ace"))
	assert.True(t, idx.CaseSensitive())
}

func TestFuzzyCandidatesUsesNeighbourBuckets(t *testing.T) {
	idx, err := Build(sampleDefs(), Options{})
	require.NoError(t, err)

	// "fortnet" has 7 runes; fortinet (8) and fortigate (9) are within 2
	var keys []string
	for _, e := range idx.FuzzyCandidates(1, 7, 2) {
		keys = append(keys, e.Key)
	}
	assert.ElementsMatch(t, []string{"fortinet", "fortigate", "azure"}, keys)

	assert.Empty(t, idx.FuzzyCandidates(1, 20, 2))
	assert.Len(t, idx.SingleWordEntries(), 5)
}

func TestHolderSwap(t *testing.T) {
	first, err := Build(sampleDefs(), Options{})
	require.NoError(t, err)
	second, err := Build([]Definition{{Term: "Okta", Weight: 1}}, Options{})
	require.NoError(t, err)

	h := NewHolder(first)
	assert.Equal(t, uint64(1), h.Current().Seq)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				gen := h.Current()
				n := len(gen.Index.Terms())
				assert.True(t, n == 4 || n == 1)
			}
		}()
	}
	prev := h.Swap(second)
	wg.Wait()

	assert.Same(t, first, prev.Index)
	assert.Equal(t, uint64(2), h.Current().Seq)
	assert.Equal(t, []string{"Okta"}, h.Current().Index.Terms())
}
