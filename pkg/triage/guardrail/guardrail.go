// Package guardrail is the content-safety collaborator consulted before a
// triage decision. The decision engine consumes its verdict opaquely.
package guardrail

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/cognicore/triage/pkg/triage/decision"
	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/internalerr"
)

// Reason codes produced by the rule checker.
const (
	ReasonEmptyText      = "empty-text"
	ReasonTooShort       = "too-short"
	ReasonBlockedPattern = "blocked-pattern"
	ReasonBlockedDomain  = "blocked-domain"
	ReasonUnavailable    = "unavailable"
)

// Result is a guardrail verdict with the reasons for a failure.
type Result struct {
	Verdict decision.Verdict `json:"verdict"`
	Reasons []string         `json:"reasons,omitempty"`
}

// Passed is the result of a clean check.
func Passed() Result { return Result{Verdict: decision.Pass} }

// Checker decides whether a document is safe to publish unattended.
type Checker interface {
	Check(ctx context.Context, doc ingest.Document) (Result, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, doc ingest.Document) (Result, error)

func (f CheckerFunc) Check(ctx context.Context, doc ingest.Document) (Result, error) {
	return f(ctx, doc)
}

// Config configures the rule checker.
type Config struct {
	Enabled         bool     `koanf:"enabled"`
	MinLength       int      `koanf:"min_length"` // runes of title + text
	BlockedPatterns []string `koanf:"blocked_patterns"`
	BlockedDomains  []string `koanf:"blocked_domains"`
}

// DefaultConfig enables the checker with a 40 rune minimum and no patterns.
func DefaultConfig() Config {
	return Config{Enabled: true, MinLength: 40}
}

// Validate compiles the patterns once to report bad ones at load time.
func (c Config) Validate() error {
	if c.MinLength < 0 {
		return internalerr.Configf("guardrail.min_length", "must be >= 0, got %d", c.MinLength)
	}
	for i, p := range c.BlockedPatterns {
		if _, err := regexp.Compile(p); err != nil {
			return internalerr.Configf(fmt.Sprintf("guardrail.blocked_patterns[%d]", i), "%v", err)
		}
	}
	return nil
}

// Rules is a deterministic checker over configured rules. All failing rules
// are reported, in a fixed order.
type Rules struct {
	minLength int
	patterns  []*regexp.Regexp
	domains   map[string]struct{}
	logger    *zap.Logger
}

// NewRules builds a checker from cfg. A disabled config yields a checker
// that passes everything.
func NewRules(cfg Config, logger *zap.Logger) (Checker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return CheckerFunc(func(context.Context, ingest.Document) (Result, error) {
			return Passed(), nil
		}), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Rules{
		minLength: cfg.MinLength,
		domains:   make(map[string]struct{}, len(cfg.BlockedDomains)),
		logger:    logger,
	}
	for _, p := range cfg.BlockedPatterns {
		r.patterns = append(r.patterns, regexp.MustCompile(p))
	}
	for _, d := range cfg.BlockedDomains {
		r.domains[strings.ToLower(strings.TrimSpace(d))] = struct{}{}
	}
	return r, nil
}

func (r *Rules) Check(ctx context.Context, doc ingest.Document) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var reasons []string
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		reasons = append(reasons, ReasonEmptyText)
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(doc.Body())); text != "" && n < r.minLength {
		reasons = append(reasons, ReasonTooShort)
	}
	body := doc.Body()
	for _, p := range r.patterns {
		if p.MatchString(body) {
			reasons = append(reasons, ReasonBlockedPattern)
			break
		}
	}
	if r.blockedDomain(doc.SourceDomain) {
		reasons = append(reasons, ReasonBlockedDomain)
	}

	if len(reasons) == 0 {
		return Passed(), nil
	}
	r.logger.Debug("guardrail failed",
		zap.String("doc_id", doc.ID),
		zap.Strings("reasons", reasons),
	)
	return Result{Verdict: decision.Fail, Reasons: reasons}, nil
}

// blockedDomain matches the domain itself or any parent listed.
func (r *Rules) blockedDomain(domain string) bool {
	d := strings.ToLower(strings.TrimSpace(domain))
	for d != "" {
		if _, ok := r.domains[d]; ok {
			return true
		}
		_, rest, ok := strings.Cut(d, ".")
		if !ok {
			return false
		}
		d = rest
	}
	return false
}
