package match

import "fmt"

// Kind tags how a keyword was found.
type Kind uint8

const (
	Exact Kind = iota + 1
	Alias
	Fuzzy
)

func (k Kind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Alias:
		return "alias"
	case Fuzzy:
		return "fuzzy"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if k < Exact || k > Fuzzy {
		return nil, fmt.Errorf("match: unknown kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "exact":
		*k = Exact
	case "alias":
		*k = Alias
	case "fuzzy":
		*k = Fuzzy
	default:
		return fmt.Errorf("match: unknown kind %q", b)
	}
	return nil
}

// confidence scores a hit. Exact and alias hits are certain; fuzzy hits
// decay with edit distance relative to the longer string.
func (k Kind) confidence(distance, lenA, lenB int) float64 {
	switch k {
	case Exact, Alias:
		return 1.0
	case Fuzzy:
		return Confidence(distance, lenA, lenB)
	default:
		panic(fmt.Sprintf("match: unhandled kind %d", uint8(k)))
	}
}

// rank orders kinds when two hits of one keyword score the same.
func (k Kind) rank() int {
	switch k {
	case Exact:
		return 0
	case Alias:
		return 1
	case Fuzzy:
		return 2
	default:
		panic(fmt.Sprintf("match: unhandled kind %d", uint8(k)))
	}
}

// MatchResult is one keyword found in a document. Repeated hits of the
// same keyword are collapsed into a single result.
type MatchResult struct {
	Keyword         string   `json:"keyword"`
	Category        string   `json:"category,omitempty"`
	Weight          float64  `json:"weight"`
	MatchedText     string   `json:"matched_text"`
	Type            Kind     `json:"match_type"`
	EditDistance    int      `json:"edit_distance"`
	Confidence      float64  `json:"confidence"`
	ContextSnippets []string `json:"context_snippets,omitempty"`
	HitCount        int      `json:"hit_count"`
}

// Score is the weighted confidence results are ordered by.
func (m MatchResult) Score() float64 { return m.Confidence * m.Weight }

// ReasonContextRejected marks a hit dropped because no context term was near.
const ReasonContextRejected = "context-rejected"

// Rejection records a hit that was found but not kept.
type Rejection struct {
	Keyword     string `json:"keyword"`
	MatchedText string `json:"matched_text"`
	Type        Kind   `json:"match_type"`
	Position    int    `json:"position"` // token index
	Reason      string `json:"reason"`
}

// Result is the outcome of matching one document.
type Result struct {
	Matches  []MatchResult `json:"matches"`
	Rejected []Rejection   `json:"rejected,omitempty"`
}
