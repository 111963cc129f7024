package keyword

import (
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/lexicon"
)

// Definition is one configured target term.
type Definition struct {
	Term            string   `yaml:"term" json:"term"`
	Aliases         []string `yaml:"aliases" json:"aliases,omitempty"`
	Weight          float64  `yaml:"weight" json:"weight"`
	Category        string   `yaml:"category" json:"category"`
	RequiresContext bool     `yaml:"requires_context" json:"requires_context,omitempty"`
}

// Entry is one lookup key of the index: a term or one of its aliases.
type Entry struct {
	Key     string // folded, single-spaced
	Keyword *Definition
	IsAlias bool
	Runes   int // rune length of Key
	Tokens  int // words in Key
}

// Options configures index construction.
type Options struct {
	CaseSensitive bool
	ContextTerms  []string
	// Extra alias groups merged into matching definitions by term.
	Lexicon *lexicon.Lexicon
	Logger  *zap.Logger
}

// Index is an immutable, precompiled view of the keyword vocabulary.
// It is safe for unlimited concurrent readers.
type Index struct {
	defs          []*Definition
	exact         map[string][]Entry
	buckets       map[bucketKey][]Entry
	substrings    []Entry
	contextTerms  map[string]struct{}
	maxTokens     int
	maxCtxTokens  int
	caseSensitive bool
	overlaps      []lexicon.Overlap
}

type bucketKey struct {
	tokens int
	runes  int
}

// Build compiles defs into an Index. Duplicate terms are rejected with a
// ConfigurationError; aliases shared between keywords are logged and kept.
func Build(defs []Definition, opts Options) (*Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	lex := lexicon.New(opts.CaseSensitive)
	// keys go through the tokenizer documents are read with, so "AT&T" is
	// stored as "at t" and punctuated terms stay matchable
	tok := ingest.NewTokenizer(opts.CaseSensitive)
	idx := &Index{
		exact:         make(map[string][]Entry),
		buckets:       make(map[bucketKey][]Entry),
		contextTerms:  make(map[string]struct{}),
		maxTokens:     1,
		maxCtxTokens:  1,
		caseSensitive: opts.CaseSensitive,
	}

	// term -> category of first definition, for duplicate detection
	terms := make(map[string]string, len(defs))

	for i := range defs {
		d := defs[i]
		field := fmt.Sprintf("keywords[%d]", i)
		if err := validate(d, field); err != nil {
			return nil, err
		}

		key := tok.Key(d.Term)
		if key == "" {
			return nil, internalerr.Configf(field+".term", "term %q has no word characters", d.Term)
		}
		for j, a := range d.Aliases {
			if tok.Key(a) == "" {
				return nil, internalerr.Configf(fmt.Sprintf("%s.aliases[%d]", field, j), "alias %q has no word characters", a)
			}
		}
		if cat, dup := terms[key]; dup {
			return nil, internalerr.Configf(field+".term",
				"duplicate term %q (categories %q and %q)", d.Term, cat, d.Category)
		}
		terms[key] = d.Category

		aliases := d.Aliases
		if opts.Lexicon != nil {
			aliases = append(append([]string(nil), aliases...), opts.Lexicon.Aliases(d.Term)...)
		}

		def := d
		def.Aliases = aliases
		idx.defs = append(idx.defs, &def)

		for _, ov := range lex.AddGroup(d.Term, aliases) {
			idx.overlaps = append(idx.overlaps, ov)
			logger.Warn("keyword alias overlap",
				zap.String("alias", ov.Alias),
				zap.Strings("keywords", ov.Owners),
			)
		}
	}

	// a term of one keyword can also be alias of another; the first pass
	// rejects only true term duplicates
	for _, def := range idx.defs {
		idx.add(Entry{Key: tok.Key(def.Term), Keyword: def})
		for _, a := range lex.Aliases(def.Term) {
			if key := tok.Key(a); key != "" {
				idx.add(Entry{Key: key, Keyword: def, IsAlias: true})
			}
		}
	}

	for i, c := range opts.ContextTerms {
		if strings.TrimSpace(c) == "" {
			continue
		}
		key := tok.Key(c)
		if key == "" {
			return nil, internalerr.Configf(fmt.Sprintf("context_terms[%d]", i), "term %q has no word characters", c)
		}
		idx.contextTerms[key] = struct{}{}
		if n := ingest.PhraseLen(key); n > idx.maxCtxTokens {
			idx.maxCtxTokens = n
		}
	}

	logger.Info("keyword index built",
		zap.Int("keywords", len(idx.defs)),
		zap.Int("keys", len(idx.exact)),
		zap.Int("context_terms", len(idx.contextTerms)),
		zap.Int("alias_overlaps", len(idx.overlaps)),
	)
	return idx, nil
}

func validate(d Definition, field string) error {
	if strings.TrimSpace(d.Term) == "" {
		return internalerr.Configf(field+".term", "term is required")
	}
	if math.IsNaN(d.Weight) || d.Weight < 0 || d.Weight > 1 {
		return internalerr.Configf(field+".weight", "weight %v outside [0,1]", d.Weight)
	}
	return nil
}

func (idx *Index) add(e Entry) {
	for _, existing := range idx.exact[e.Key] {
		if existing.Keyword == e.Keyword {
			return
		}
	}
	e.Runes = utf8.RuneCountInString(e.Key)
	e.Tokens = ingest.PhraseLen(e.Key)
	if e.Tokens > idx.maxTokens {
		idx.maxTokens = e.Tokens
	}
	idx.exact[e.Key] = append(idx.exact[e.Key], e)
	bk := bucketKey{tokens: e.Tokens, runes: e.Runes}
	idx.buckets[bk] = append(idx.buckets[bk], e)
	if e.Tokens == 1 {
		idx.substrings = append(idx.substrings, e)
	}
}

// Lookup returns the entries whose key equals the folded text.
func (idx *Index) Lookup(key string) []Entry {
	return idx.exact[key]
}

// FuzzyCandidates returns entries of the given word count whose rune length
// is within maxDistance of runes. Only these neighbouring buckets are ever
// compared, never the whole vocabulary.
func (idx *Index) FuzzyCandidates(tokens, runes, maxDistance int) []Entry {
	var out []Entry
	for l := runes - maxDistance; l <= runes+maxDistance; l++ {
		out = append(out, idx.buckets[bucketKey{tokens: tokens, runes: l}]...)
	}
	return out
}

// SingleWordEntries returns all one-word keys, used for substring matching
// when word boundaries are not enforced.
func (idx *Index) SingleWordEntries() []Entry { return idx.substrings }

// IsContextTerm reports whether the folded phrase is a configured context term.
func (idx *Index) IsContextTerm(phrase string) bool {
	_, ok := idx.contextTerms[phrase]
	return ok
}

// MaxTokens is the longest key in words.
func (idx *Index) MaxTokens() int { return idx.maxTokens }

// MaxContextTokens is the longest context term in words.
func (idx *Index) MaxContextTokens() int { return idx.maxCtxTokens }

// CaseSensitive reports the case policy the index was built with.
func (idx *Index) CaseSensitive() bool { return idx.caseSensitive }

// Definitions returns the compiled keyword definitions.
func (idx *Index) Definitions() []*Definition { return idx.defs }

// Terms returns canonical terms in configuration order.
func (idx *Index) Terms() []string {
	out := make([]string, len(idx.defs))
	for i, d := range idx.defs {
		out[i] = d.Term
	}
	return out
}

// Overlaps lists aliases shared by more than one keyword.
func (idx *Index) Overlaps() []lexicon.Overlap { return idx.overlaps }
