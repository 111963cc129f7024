package match

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/keyword"
)

// Config holds the global matching thresholds.
type Config struct {
	MinConfidence   float64 `koanf:"min_confidence"`
	MaxEditDistance int     `koanf:"max_edit_distance"`
	EnableFuzzy     bool    `koanf:"enable_fuzzy_matching"`
	WordBoundary    bool    `koanf:"word_boundary_matching"`
	CaseSensitive   bool    `koanf:"case_sensitive"`
	ContextWindow   int     `koanf:"context_window"` // tokens either side
	MaxSnippets     int     `koanf:"max_snippets"`
	SnippetTokens   int     `koanf:"snippet_tokens"` // tokens either side of a hit
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:   0.7,
		MaxEditDistance: 2,
		EnableFuzzy:     false,
		WordBoundary:    true,
		ContextWindow:   10,
		MaxSnippets:     3,
		SnippetTokens:   6,
	}
}

// Validate checks threshold ranges.
func (c Config) Validate() error {
	if c.MinConfidence <= 0 || c.MinConfidence > 1 {
		return internalerr.Configf("matching.min_confidence", "%v outside (0,1]", c.MinConfidence)
	}
	if c.MaxEditDistance < 0 || c.MaxEditDistance > 4 {
		return internalerr.Configf("matching.max_edit_distance", "%d outside [0,4]", c.MaxEditDistance)
	}
	if c.ContextWindow < 0 {
		return internalerr.Configf("matching.context_window", "must be >= 0, got %d", c.ContextWindow)
	}
	if c.MaxSnippets < 0 || c.SnippetTokens < 0 {
		return internalerr.Configf("matching.max_snippets", "snippet settings must be >= 0")
	}
	return nil
}

// Matcher finds keyword hits in plain text. It holds no per-document state
// and is safe for concurrent use.
type Matcher struct {
	cfg Config
}

// New creates a matcher. Zero snippet settings fall back to defaults.
func New(cfg Config) *Matcher {
	def := DefaultConfig()
	if cfg.MaxSnippets <= 0 {
		cfg.MaxSnippets = def.MaxSnippets
	}
	if cfg.SnippetTokens <= 0 {
		cfg.SnippetTokens = def.SnippetTokens
	}
	return &Matcher{cfg: cfg}
}

// Config returns the matcher configuration.
func (m *Matcher) Config() Config { return m.cfg }

type hit struct {
	entry    keyword.Entry
	kind     Kind
	distance int
	conf     float64
	first    int
	last     int
	matched  string
}

type span struct{ first, last int }

// Match runs the exact/alias, substring and fuzzy stages over text against
// idx, applies the context gate and collapses hits per keyword.
func (m *Matcher) Match(idx *keyword.Index, text string) Result {
	tokens := ingest.NewTokenizer(idx.CaseSensitive()).Tokenize(text)
	if len(tokens) == 0 {
		return Result{}
	}

	maxN := max(idx.MaxTokens(), idx.MaxContextTokens())
	grams := ingest.NGrams(tokens, maxN)

	var hits []hit
	var contexts []span
	covered := make([]bool, len(tokens))

	for _, g := range grams {
		if idx.IsContextTerm(g.Text) {
			contexts = append(contexts, span{g.First, g.Last})
		}
		if g.Size() > idx.MaxTokens() {
			continue
		}
		for _, e := range idx.Lookup(g.Text) {
			kind := Exact
			if e.IsAlias {
				kind = Alias
			}
			hits = append(hits, hit{
				entry: e, kind: kind, conf: kind.confidence(0, 0, 0),
				first: g.First, last: g.Last,
				matched: ingest.Span(text, tokens, g.First, g.Last),
			})
			for i := g.First; i < g.Last; i++ {
				covered[i] = true
			}
		}
	}

	if !m.cfg.WordBoundary {
		hits = append(hits, m.substringHits(idx, tokens, covered)...)
	}

	if m.cfg.EnableFuzzy && m.cfg.MaxEditDistance > 0 {
		hits = append(hits, m.fuzzyHits(idx, text, tokens, grams, covered)...)
	}

	var kept []hit
	var rejected []Rejection
	for _, h := range hits {
		if h.conf < m.cfg.MinConfidence {
			continue
		}
		if h.entry.Keyword.RequiresContext && !m.hasContext(h, contexts) {
			rejected = append(rejected, Rejection{
				Keyword:     h.entry.Keyword.Term,
				MatchedText: h.matched,
				Type:        h.kind,
				Position:    h.first,
				Reason:      ReasonContextRejected,
			})
			continue
		}
		kept = append(kept, h)
	}

	return Result{
		Matches:  m.collapse(text, tokens, kept),
		Rejected: dedupeRejections(rejected),
	}
}

// substringHits finds one-word keys inside larger tokens ("azure" in
// "azuread"). Only used when word boundaries are not enforced.
func (m *Matcher) substringHits(idx *keyword.Index, tokens []ingest.Token, covered []bool) []hit {
	var out []hit
	entries := idx.SingleWordEntries()
	for i, tok := range tokens {
		if covered[i] {
			continue
		}
		for _, e := range entries {
			if len(e.Key) >= len(tok.Text) {
				continue
			}
			off := strings.Index(tok.Text, e.Key)
			if off < 0 {
				continue
			}
			matched := e.Key
			if len(tok.Raw) == len(tok.Text) {
				matched = tok.Raw[off : off+len(e.Key)]
			}
			kind := Exact
			if e.IsAlias {
				kind = Alias
			}
			out = append(out, hit{entry: e, kind: kind, conf: kind.confidence(0, 0, 0), first: i, last: i + 1, matched: matched})
			covered[i] = true
		}
	}
	return out
}

// fuzzyHits compares every n-gram with no exactly matched token against the
// keys in neighbouring length buckets.
func (m *Matcher) fuzzyHits(idx *keyword.Index, text string, tokens []ingest.Token, grams []ingest.NGram, covered []bool) []hit {
	limit := m.cfg.MaxEditDistance
	var out []hit

	for _, g := range grams {
		if g.Size() > idx.MaxTokens() || anyCovered(covered, g.First, g.Last) {
			continue
		}
		runes := utf8.RuneCountInString(g.Text)
		for _, e := range idx.FuzzyCandidates(g.Size(), runes, limit) {
			if e.Key == g.Text {
				continue
			}
			d := Distance(g.Text, e.Key, limit)
			if d == 0 || d > limit {
				continue
			}
			out = append(out, hit{
				entry: e, kind: Fuzzy, distance: d,
				conf:    Fuzzy.confidence(d, runes, e.Runes),
				first:   g.First,
				last:    g.Last,
				matched: ingest.Span(text, tokens, g.First, g.Last),
			})
		}
	}
	return out
}

func anyCovered(covered []bool, first, last int) bool {
	for i := first; i < last; i++ {
		if covered[i] {
			return true
		}
	}
	return false
}

// hasContext reports whether a context term starts within the window
// around h, ignoring context terms that overlap the hit itself.
func (m *Matcher) hasContext(h hit, contexts []span) bool {
	lo := h.first - m.cfg.ContextWindow
	hi := h.last - 1 + m.cfg.ContextWindow
	for _, c := range contexts {
		if c.last > h.first && c.first < h.last {
			continue
		}
		if c.first <= hi && c.last-1 >= lo {
			return true
		}
	}
	return false
}

func (m *Matcher) collapse(text string, tokens []ingest.Token, hits []hit) []MatchResult {
	type group struct {
		def  *keyword.Definition
		best hit
		pos  map[int]hit
	}

	groups := make(map[*keyword.Definition]*group)
	var order []*keyword.Definition
	for _, h := range hits {
		g, ok := groups[h.entry.Keyword]
		if !ok {
			g = &group{def: h.entry.Keyword, best: h, pos: make(map[int]hit)}
			groups[h.entry.Keyword] = g
			order = append(order, h.entry.Keyword)
		}
		if prev, seen := g.pos[h.first]; !seen || better(h, prev) {
			g.pos[h.first] = h
		}
		if better(h, g.best) {
			g.best = h
		}
	}

	results := make([]MatchResult, 0, len(groups))
	for _, def := range order {
		g := groups[def]
		positions := make([]int, 0, len(g.pos))
		for p := range g.pos {
			positions = append(positions, p)
		}
		sort.Ints(positions)

		var snippets []string
		seen := make(map[string]bool)
		for _, p := range positions {
			if len(snippets) == m.cfg.MaxSnippets {
				break
			}
			h := g.pos[p]
			s := ingest.Span(text, tokens, h.first-m.cfg.SnippetTokens, h.last+m.cfg.SnippetTokens)
			if !seen[s] {
				seen[s] = true
				snippets = append(snippets, s)
			}
		}

		results = append(results, MatchResult{
			Keyword:         def.Term,
			Category:        def.Category,
			Weight:          def.Weight,
			MatchedText:     g.best.matched,
			Type:            g.best.kind,
			EditDistance:    g.best.distance,
			Confidence:      g.best.conf,
			ContextSnippets: snippets,
			HitCount:        len(positions),
		})
	}

	sort.SliceStable(results, func(i, j int) bool {
		si, sj := results[i].Score(), results[j].Score()
		if si != sj {
			return si > sj
		}
		return results[i].Keyword < results[j].Keyword
	})
	return results
}

func better(a, b hit) bool {
	if a.conf != b.conf {
		return a.conf > b.conf
	}
	if a.kind != b.kind {
		return a.kind.rank() < b.kind.rank()
	}
	return a.first < b.first
}

func dedupeRejections(in []Rejection) []Rejection {
	if len(in) == 0 {
		return nil
	}
	type key struct {
		kw  string
		pos int
	}
	seen := make(map[key]bool, len(in))
	out := in[:0]
	for _, r := range in {
		k := key{r.Keyword, r.Position}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r)
	}
	return out
}
