package lexicon

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Lexicon maps canonical keyword terms to their aliases and back.
//
// Unlike a plain synonym table, an alias may legitimately belong to more
// than one canonical term ("AD" for both "Azure AD" and "Active Directory").
// The reverse index therefore keeps every owner, and AddGroup reports the
// collision so callers can log it.
type Lexicon struct {
	// canonical -> aliases (canonical first)
	groups map[string][]string

	// folded alias -> canonical owners, insertion order
	reverse map[string][]string

	fold func(string) string
}

// Overlap describes an alias claimed by more than one canonical term.
type Overlap struct {
	Alias  string
	Owners []string
}

// New creates an empty lexicon. When caseSensitive is false every key is
// lowercased before it is stored or looked up.
func New(caseSensitive bool) *Lexicon {
	fold := strings.ToLower
	if caseSensitive {
		fold = func(s string) string { return s }
	}
	return &Lexicon{
		groups:  make(map[string][]string),
		reverse: make(map[string][]string),
		fold:    fold,
	}
}

// Fold applies the lexicon's case policy to s and collapses inner whitespace.
func (l *Lexicon) Fold(s string) string {
	return l.fold(strings.Join(strings.Fields(s), " "))
}

// LoadFromYAML reads alias groups from a YAML file.
//
// Expected format:
//
//	groups:
//	  - canonical: Fortinet
//	    aliases: [FortiGate, FortiOS]
//	  - canonical: Azure AD
//	    aliases: [AAD, Entra ID]
func LoadFromYAML(path string, caseSensitive bool) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Groups []struct {
			Canonical string   `yaml:"canonical"`
			Aliases   []string `yaml:"aliases"`
		} `yaml:"groups"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse lexicon %s: %w", path, err)
	}

	lex := New(caseSensitive)
	for i, g := range doc.Groups {
		if strings.TrimSpace(g.Canonical) == "" {
			return nil, fmt.Errorf("lexicon %s: group %d has empty canonical", path, i)
		}
		lex.AddGroup(g.Canonical, g.Aliases)
	}
	return lex, nil
}

// AddGroup registers canonical with its aliases and returns any alias that
// is now shared with another canonical term. Re-adding a canonical replaces
// its previous aliases.
func (l *Lexicon) AddGroup(canonical string, aliases []string) []Overlap {
	key := l.Fold(canonical)
	if key == "" {
		return nil
	}

	if old, ok := l.groups[key]; ok {
		for _, a := range old {
			l.removeOwner(a, key)
		}
	}

	seen := map[string]bool{key: true}
	normalized := []string{key}
	for _, a := range aliases {
		a = l.Fold(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		normalized = append(normalized, a)
	}
	l.groups[key] = normalized

	var overlaps []Overlap
	for _, a := range normalized {
		owners := append(l.reverse[a], key)
		l.reverse[a] = owners
		if len(owners) > 1 {
			overlaps = append(overlaps, Overlap{Alias: a, Owners: append([]string(nil), owners...)})
		}
	}
	return overlaps
}

func (l *Lexicon) removeOwner(alias, canonical string) {
	owners := l.reverse[alias]
	kept := owners[:0]
	for _, o := range owners {
		if o != canonical {
			kept = append(kept, o)
		}
	}
	if len(kept) == 0 {
		delete(l.reverse, alias)
		return
	}
	l.reverse[alias] = kept
}

// Owners returns the canonical terms that claim text as term or alias.
func (l *Lexicon) Owners(text string) []string {
	return l.reverse[l.Fold(text)]
}

// Aliases returns the aliases of canonical, excluding canonical itself.
func (l *Lexicon) Aliases(canonical string) []string {
	group := l.groups[l.Fold(canonical)]
	if len(group) <= 1 {
		return nil
	}
	return group[1:]
}

// Merge copies every group of other into l, returning resulting overlaps.
func (l *Lexicon) Merge(other *Lexicon) []Overlap {
	if other == nil {
		return nil
	}
	var overlaps []Overlap
	for _, canonical := range other.Canonicals() {
		aliases := append([]string(nil), l.Aliases(canonical)...)
		aliases = append(aliases, other.Aliases(canonical)...)
		overlaps = append(overlaps, l.AddGroup(canonical, aliases)...)
	}
	return overlaps
}

// Canonicals returns all canonical terms in sorted order.
func (l *Lexicon) Canonicals() []string {
	out := make([]string, 0, len(l.groups))
	for c := range l.groups {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Overlaps lists every alias with more than one owner, sorted by alias.
func (l *Lexicon) Overlaps() []Overlap {
	var out []Overlap
	for alias, owners := range l.reverse {
		if len(owners) > 1 {
			out = append(out, Overlap{Alias: alias, Owners: append([]string(nil), owners...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// Stats returns statistics about the lexicon contents.
func (l *Lexicon) Stats() Stats {
	total := 0
	for _, g := range l.groups {
		total += len(g)
	}
	return Stats{Groups: len(l.groups), Keys: len(l.reverse), TotalAliases: total}
}

// Stats holds statistics about lexicon contents.
type Stats struct {
	Groups       int // canonical terms
	Keys         int // distinct lookup keys
	TotalAliases int // aliases across all groups, canonical included
}
