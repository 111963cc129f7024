package ingest

import (
	"regexp"
	"sort"
	"strings"
)

// Entities holds typed entity buckets extracted from a document.
type Entities struct {
	Identifiers []string `json:"identifiers,omitempty"` // CVE, GHSA, CWE ids
	Actors      []string `json:"actors,omitempty"`
	Products    []string `json:"products,omitempty"`
	Tags        []string `json:"tags,omitempty"` // sector and country tags
}

// Empty reports whether no bucket has a value.
func (e Entities) Empty() bool {
	return len(e.Identifiers) == 0 && len(e.Actors) == 0 && len(e.Products) == 0 && len(e.Tags) == 0
}

// Merge returns the union of e and other, each bucket sorted and deduplicated.
func (e Entities) Merge(other Entities) Entities {
	return Entities{
		Identifiers: union(e.Identifiers, other.Identifiers),
		Actors:      union(e.Actors, other.Actors),
		Products:    union(e.Products, other.Products),
		Tags:        union(e.Tags, other.Tags),
	}
}

var identifierPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`),
	regexp.MustCompile(`(?i)\bGHSA(?:-[23456789cfghjmpqrvwx]{4}){3}\b`),
	regexp.MustCompile(`(?i)\bCWE-\d{1,4}\b`),
}

// Taxonomy handles entity extraction
type Taxonomy struct {
	actors   map[string][]string // name → keywords (lowercase)
	products map[string][]string
	sectors  map[string][]string
	regions  map[string][]string
}

// NewTaxonomy creates an empty taxonomy
func NewTaxonomy() *Taxonomy {
	return &Taxonomy{
		actors:   make(map[string][]string),
		products: make(map[string][]string),
		sectors:  make(map[string][]string),
		regions:  make(map[string][]string),
	}
}

// AddActor adds a threat actor with the keywords that name it
func (t *Taxonomy) AddActor(name string, keywords []string) {
	t.actors[name] = lowerAll(name, keywords)
}

// AddProduct adds a product with its keywords
func (t *Taxonomy) AddProduct(name string, keywords []string) {
	t.products[name] = lowerAll(name, keywords)
}

// AddSector adds a sector tag with its keywords
func (t *Taxonomy) AddSector(name string, keywords []string) {
	t.sectors[name] = lowerAll(name, keywords)
}

// AddRegion adds a country or region tag with its keywords
func (t *Taxonomy) AddRegion(name string, keywords []string) {
	t.regions[name] = lowerAll(name, keywords)
}

// Extract finds entities in the text. Keyword lookups are whole-token or
// whole-phrase, so "Iran" does not fire inside "Iranian" unless listed.
func (t *Taxonomy) Extract(text string, tokens []Token) Entities {
	var ents Entities

	seen := make(map[string]bool)
	for _, re := range identifierPatterns {
		for _, m := range re.FindAllString(text, -1) {
			id := strings.ToUpper(m)
			if !seen[id] {
				seen[id] = true
				ents.Identifiers = append(ents.Identifiers, id)
			}
		}
	}

	phrases := make(map[string]struct{})
	for _, g := range NGrams(lowered(tokens), 3) {
		phrases[g.Text] = struct{}{}
	}

	ents.Actors = matchNames(t.actors, phrases)
	ents.Products = matchNames(t.products, phrases)
	ents.Tags = append(matchNames(t.sectors, phrases), matchNames(t.regions, phrases)...)

	sort.Strings(ents.Identifiers)
	sort.Strings(ents.Tags)
	return ents
}

func matchNames(table map[string][]string, phrases map[string]struct{}) []string {
	var out []string
	for name, keywords := range table {
		for _, kw := range keywords {
			if _, ok := phrases[kw]; ok {
				out = append(out, name)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func lowered(tokens []Token) []Token {
	out := make([]Token, len(tokens))
	for i, tok := range tokens {
		tok.Text = strings.ToLower(tok.Text)
		out[i] = tok
	}
	return out
}

func lowerAll(name string, keywords []string) []string {
	out := make([]string, 0, len(keywords)+1)
	out = append(out, strings.Join(strings.Fields(strings.ToLower(name)), " "))
	for _, kw := range keywords {
		out = append(out, strings.Join(strings.Fields(strings.ToLower(kw)), " "))
	}
	return out
}

func union(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
