package ingest

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Token is a word of the source text with its byte span.
type Token struct {
	Text  string // folded form used for lookups
	Raw   string // text exactly as it appears in the source
	Start int    // byte offset of the first rune
	End   int    // byte offset just past the last rune
}

// Len returns the token length in runes.
func (t Token) Len() int { return utf8.RuneCountInString(t.Text) }

// Tokenizer splits text into positional word tokens.
type Tokenizer struct {
	caseSensitive bool
}

// NewTokenizer creates a tokenizer. Unless caseSensitive is set, token text
// is lowercased.
func NewTokenizer(caseSensitive bool) *Tokenizer {
	return &Tokenizer{caseSensitive: caseSensitive}
}

// Tokenize splits text on anything that is not a letter, digit, hyphen,
// dot or underscore inside a word. Leading and trailing punctuation is
// trimmed so "Fortinet." and "(Fortinet)" both yield "fortinet".
func (t *Tokenizer) Tokenize(text string) []Token {
	var tokens []Token
	start := -1

	flush := func(end int) {
		if start < 0 {
			return
		}
		if tok, ok := t.makeToken(text, start, end); ok {
			tokens = append(tokens, tok)
		}
		start = -1
	}

	for i, r := range text {
		if isWordRune(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(text))

	return tokens
}

func (t *Tokenizer) makeToken(text string, start, end int) (Token, bool) {
	// trim joiners that only make sense inside a word
	for start < end {
		r, size := utf8.DecodeRuneInString(text[start:end])
		if !isJoiner(r) {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(text[start:end])
		if !isJoiner(r) {
			break
		}
		end -= size
	}
	if start >= end {
		return Token{}, false
	}

	raw := text[start:end]
	return Token{Text: t.Fold(raw), Raw: raw, Start: start, End: end}, true
}

// Fold applies the tokenizer's case policy.
func (t *Tokenizer) Fold(s string) string {
	if t.caseSensitive {
		return s
	}
	return strings.ToLower(s)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r) || isJoiner(r)
}

func isJoiner(r rune) bool {
	return r == '-' || r == '.' || r == '_'
}
