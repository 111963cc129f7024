package dedup

import (
	"net/url"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/net/publicsuffix"

	"github.com/cognicore/triage/pkg/triage/ingest"
)

// Partition key prefixes.
const (
	keyURL   = "url:"
	keyTitle = "title:"
)

// shingleTokens is the width of the title shingles used as partition keys.
// Titles one word apart share a shingle whenever two neighbouring tokens
// are left unchanged.
const shingleTokens = 2

var trackingQueryKeys = map[string]struct{}{
	"fbclid":  {},
	"gclid":   {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_src": {},
}

// ClusterKey is the lexical identity of a document.
type ClusterKey struct {
	CanonicalURL    string    `json:"canonical_url,omitempty"`
	NormalizedTitle string    `json:"normalized_title,omitempty"`
	SourceDomain    string    `json:"source_domain,omitempty"`
	PublishedAt     time.Time `json:"published_at"`
}

// KeyOf derives the cluster key of doc. An unparsable URL yields an empty
// CanonicalURL; the document can then only cluster by title or embedding.
func KeyOf(doc ingest.Document) ClusterKey {
	canonical, host := CanonicalURL(doc.CanonicalURL)
	domain := doc.SourceDomain
	if domain == "" {
		domain = host
	}
	return ClusterKey{
		CanonicalURL:    canonical,
		NormalizedTitle: NormalizeTitle(doc.Title),
		SourceDomain:    RegistrableDomain(domain),
		PublishedAt:     doc.PublishedAt.UTC(),
	}
}

// Partitions returns the keys k is looked up by and a join on k is
// serialized on: the canonical URL and every shingleTokens-wide title
// shingle, in title order without repeats. A title shorter than a shingle
// is a key of its own.
func (k ClusterKey) Partitions() []string {
	var out []string
	if k.CanonicalURL != "" {
		out = append(out, keyURL+k.CanonicalURL)
	}
	tokens := strings.Fields(k.NormalizedTitle)
	if len(tokens) == 0 {
		return out
	}
	if len(tokens) < shingleTokens {
		return append(out, keyTitle+strings.Join(tokens, " "))
	}
	seen := make(map[string]struct{}, len(tokens))
	for i := 0; i+shingleTokens <= len(tokens); i++ {
		key := keyTitle + strings.Join(tokens[i:i+shingleTokens], " ")
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// CanonicalURL lowercases scheme and host, drops default ports, fragments,
// tracking parameters and the trailing slash, and sorts the query. It
// returns "" for anything that is not an absolute URL.
func CanonicalURL(raw string) (canonical string, host string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ""
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", ""
	}

	parsed.Scheme = strings.ToLower(parsed.Scheme)
	parsed.Host = strings.ToLower(parsed.Hostname())
	if port := parsed.Port(); port != "" {
		defaultPort := (parsed.Scheme == "http" && port == "80") || (parsed.Scheme == "https" && port == "443")
		if !defaultPort {
			parsed.Host = parsed.Host + ":" + port
		}
	}
	parsed.User = nil
	parsed.Fragment = ""
	parsed.RawFragment = ""

	path := parsed.Path
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	parsed.Path = strings.TrimSuffix(path, "/")
	parsed.RawPath = ""

	q := parsed.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.HasPrefix(lower, "utm_") {
			q.Del(key)
			continue
		}
		if _, ok := trackingQueryKeys[lower]; ok {
			q.Del(key)
		}
	}
	for _, values := range q {
		sort.Strings(values)
	}
	// Encode sorts by key.
	parsed.RawQuery = q.Encode()
	parsed.ForceQuery = false

	return parsed.String(), parsed.Hostname()
}

// NormalizeTitle lowercases, strips punctuation and collapses whitespace.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	space := true
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// RegistrableDomain reduces a host to its eTLD+1 ("news.bbc.co.uk" ->
// "bbc.co.uk"). Hosts without a public suffix are returned lowercased.
func RegistrableDomain(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimSuffix(host, ".")
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	if host == "" {
		return ""
	}
	if d, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return d
	}
	return host
}

// TitleSimilarity is the normalized Levenshtein ratio of two normalized
// titles: 1 - distance/max(len), over runes.
func TitleSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

func levenshtein(a, b []rune) int {
	if len(a) < len(b) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
