// Package decision assigns AUTO_PUBLISH, REVIEW or DROP from relevance,
// keyword, guardrail and duplicate signals using an ordered rule table.
package decision

import (
	"fmt"
	"time"

	"github.com/cognicore/triage/pkg/triage/internalerr"
)

// Action is the triage outcome.
type Action string

const (
	AutoPublish Action = "AUTO_PUBLISH"
	Review      Action = "REVIEW"
	Drop        Action = "DROP"
)

// Reason codes. The first code of a decision is the dominant reason.
const (
	ReasonDuplicate        = "duplicate"
	ReasonGuardrail        = "guardrail"
	ReasonDegraded         = "degraded"
	ReasonLowRelevance     = "low-relevance"
	ReasonPublish          = "publish"
	ReasonUnconfirmedHigh  = "unconfirmed-high-relevance"
	ReasonModerateRelevant = "moderate-relevance"
	ReasonDefault          = "default"
)

// Verdict is the content-safety guardrail outcome.
type Verdict string

const (
	Pass Verdict = "pass"
	Fail Verdict = "fail"
)

// DuplicateStatus says whether the document joined an existing cluster as
// a non-canonical member.
type DuplicateStatus string

const (
	Original  DuplicateStatus = "original"
	Duplicate DuplicateStatus = "duplicate"
)

// Inputs are the exact signals a decision is made from. They are stored
// with the decision so it can be audited without re-deriving live state.
type Inputs struct {
	RelevancyScore    *float64        `json:"relevancy_score"`
	Degraded          bool            `json:"degraded"`
	KeywordMatchCount int             `json:"keyword_match_count"`
	Guardrail         Verdict         `json:"guardrail_verdict"`
	GuardrailReasons  []string        `json:"guardrail_reasons,omitempty"`
	Duplicate         DuplicateStatus `json:"duplicate_status"`
}

// Decision is the triage result for one document.
type Decision struct {
	Action         Action    `json:"action"`
	ReasonCodes    []string  `json:"reason_codes"`
	DecidedAt      time.Time `json:"decided_at"`
	InputsSnapshot Inputs    `json:"inputs_snapshot"`
	Policy         Policy    `json:"policy"`
}

// Reason returns the dominant reason code.
func (d Decision) Reason() string {
	if len(d.ReasonCodes) == 0 {
		return ""
	}
	return d.ReasonCodes[0]
}

// Policy holds the two relevancy cutoffs of the rule table.
type Policy struct {
	LowCutoff  float64 `koanf:"low_cutoff" json:"low_cutoff"`
	HighCutoff float64 `koanf:"high_cutoff" json:"high_cutoff"`
}

// DefaultPolicy returns the documented cutoffs.
func DefaultPolicy() Policy {
	return Policy{LowCutoff: 0.6, HighCutoff: 0.8}
}

// Validate checks 0 <= low <= high <= 1.
func (p Policy) Validate() error {
	if p.LowCutoff < 0 || p.LowCutoff > 1 {
		return internalerr.Configf("triage.low_cutoff", "%v outside [0,1]", p.LowCutoff)
	}
	if p.HighCutoff < 0 || p.HighCutoff > 1 {
		return internalerr.Configf("triage.high_cutoff", "%v outside [0,1]", p.HighCutoff)
	}
	if p.LowCutoff > p.HighCutoff {
		return internalerr.Configf("triage.low_cutoff", "%v above high_cutoff %v", p.LowCutoff, p.HighCutoff)
	}
	return nil
}

// Decide evaluates the rule table; the first matching rule wins. It is a
// pure function of in and p, apart from stamping now.
//
//  1. duplicate                         -> DROP    duplicate
//  2. guardrail fail                    -> REVIEW  guardrail
//  -  degraded (score unknown)          -> REVIEW  degraded
//  3. score < low                       -> DROP    low-relevance
//  4. score > high, matches >= 1        -> AUTO_PUBLISH
//  5. score > high, matches == 0        -> REVIEW  unconfirmed-high-relevance
//  6. low <= score <= high, matches >= 1 -> REVIEW moderate-relevance
//  7. otherwise                         -> REVIEW  default
func (p Policy) Decide(in Inputs, now time.Time) Decision {
	action, reasons := p.evaluate(in)
	snapshot := in
	if in.RelevancyScore != nil {
		v := *in.RelevancyScore
		snapshot.RelevancyScore = &v
	}
	snapshot.GuardrailReasons = append([]string(nil), in.GuardrailReasons...)
	return Decision{
		Action:         action,
		ReasonCodes:    reasons,
		DecidedAt:      now.UTC(),
		InputsSnapshot: snapshot,
		Policy:         p,
	}
}

func (p Policy) evaluate(in Inputs) (Action, []string) {
	degraded := in.Degraded || in.RelevancyScore == nil

	if in.Duplicate == Duplicate {
		return Drop, []string{ReasonDuplicate}
	}
	if in.Guardrail == Fail {
		reasons := []string{ReasonGuardrail}
		for _, r := range in.GuardrailReasons {
			reasons = append(reasons, ReasonGuardrail+":"+r)
		}
		if degraded {
			reasons = append(reasons, ReasonDegraded)
		}
		return Review, reasons
	}
	if degraded {
		return Review, []string{ReasonDegraded}
	}

	score := *in.RelevancyScore
	switch {
	case score < p.LowCutoff:
		return Drop, []string{ReasonLowRelevance}
	case score > p.HighCutoff && in.KeywordMatchCount >= 1:
		return AutoPublish, []string{ReasonPublish}
	case score > p.HighCutoff:
		return Review, []string{ReasonUnconfirmedHigh}
	case in.KeywordMatchCount >= 1:
		return Review, []string{ReasonModerateRelevant}
	default:
		return Review, []string{ReasonDefault}
	}
}

// ParseVerdict parses "pass" or "fail".
func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case Pass, Fail:
		return Verdict(s), nil
	}
	return "", fmt.Errorf("%w: guardrail verdict %q", internalerr.ErrInvalidInput, s)
}
