package ingest

import "strings"

// NGram is a run of consecutive tokens, [First, Last) in token indices.
type NGram struct {
	Text  string
	First int
	Last  int
}

// Size returns the number of tokens in the n-gram.
func (g NGram) Size() int { return g.Last - g.First }

// NGrams returns every sliding n-gram of 1..maxN tokens, ordered by start
// position and then by length (longest first) so callers can prefer
// multi-word phrases over their leading word.
func NGrams(tokens []Token, maxN int) []NGram {
	if maxN < 1 {
		maxN = 1
	}
	grams := make([]NGram, 0, len(tokens)*maxN)
	for i := range tokens {
		n := maxN
		if remaining := len(tokens) - i; n > remaining {
			n = remaining
		}
		for ; n >= 1; n-- {
			grams = append(grams, NGram{Text: JoinTokens(tokens[i : i+n]), First: i, Last: i + n})
		}
	}
	return grams
}

// JoinTokens joins folded token text with single spaces.
func JoinTokens(tokens []Token) string {
	if len(tokens) == 1 {
		return tokens[0].Text
	}
	parts := make([]string, len(tokens))
	for i, t := range tokens {
		parts[i] = t.Text
	}
	return strings.Join(parts, " ")
}

// Key returns phrase the way it reads as consecutive tokens of text: folded,
// split on the same separators and joined with single spaces. It is empty
// when phrase has no word characters.
func (t *Tokenizer) Key(phrase string) string {
	tokens := t.Tokenize(phrase)
	if len(tokens) == 0 {
		return ""
	}
	return JoinTokens(tokens)
}

// PhraseLen returns the number of whitespace-separated words in phrase.
func PhraseLen(phrase string) int {
	if n := len(strings.Fields(phrase)); n > 0 {
		return n
	}
	return 1
}

// Span returns the source text covered by tokens [first, last).
func Span(text string, tokens []Token, first, last int) string {
	if first < 0 {
		first = 0
	}
	if last > len(tokens) {
		last = len(tokens)
	}
	if first >= last {
		return ""
	}
	return text[tokens[first].Start:tokens[last-1].End]
}
