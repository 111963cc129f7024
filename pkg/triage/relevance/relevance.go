// Package relevance combines keyword evidence with the semantic oracle's
// score into a RelevancyAssessment.
package relevance

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/keyword"
	"github.com/cognicore/triage/pkg/triage/match"
	"github.com/cognicore/triage/pkg/triage/metrics"
	"github.com/cognicore/triage/pkg/triage/oracle"
)

var tracer = otel.Tracer("triage/relevance")

// Degraded reasons.
const (
	DegradedNoOracle    = "oracle-not-configured"
	DegradedTimeout     = "oracle-timeout"
	DegradedUnavailable = "oracle-unavailable"
)

// Assessment is the relevance verdict for one document. RelevancyScore is
// nil when the oracle could not be consulted; it is never defaulted to 0.
type Assessment struct {
	RelevancyScore  *float64            `json:"relevancy_score"`
	Matches         []match.MatchResult `json:"matches"`
	Rejected        []match.Rejection   `json:"rejected,omitempty"`
	Entities        ingest.Entities     `json:"entities"`
	Rationale       string              `json:"rationale,omitempty"` // advisory only
	Degraded        bool                `json:"degraded"`
	DegradedReason  string              `json:"degraded_reason,omitempty"`
	IndexGeneration uint64              `json:"index_generation"`
}

// Score returns the relevancy score and whether it is known.
func (a Assessment) Score() (float64, bool) {
	if a.RelevancyScore == nil {
		return 0, false
	}
	return *a.RelevancyScore, true
}

// KeywordMatchCount counts kept matches; context-rejected hits are excluded.
func (a Assessment) KeywordMatchCount() int { return len(a.Matches) }

// Vocabulary is the configuration generation one document is assessed
// against. Callers load it once per document.
type Vocabulary struct {
	Generation *keyword.Generation
	Matcher    *match.Matcher
	Taxonomy   *ingest.Taxonomy
}

// Options configures an Assessor.
type Options struct {
	Scorer  oracle.Scorer // nil means always degraded
	Timeout time.Duration // overall bound on the oracle call
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Assessor produces assessments. It is safe for concurrent use.
type Assessor struct {
	scorer  oracle.Scorer
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an Assessor.
func New(opts Options) *Assessor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Assessor{
		scorer:  opts.Scorer,
		timeout: opts.Timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Assess matches doc against the vocabulary and asks the oracle for a
// score. Oracle failures never fail the assessment; they mark it degraded.
func (a *Assessor) Assess(ctx context.Context, doc ingest.Document, vocab Vocabulary) Assessment {
	ctx, span := tracer.Start(ctx, "Assessor.Assess")
	defer span.End()
	span.SetAttributes(attribute.String("doc_id", doc.ID))

	idx := vocab.Generation.Index
	body := doc.Body()
	res := vocab.Matcher.Match(idx, body)

	out := Assessment{
		Matches:         res.Matches,
		Rejected:        res.Rejected,
		IndexGeneration: vocab.Generation.Seq,
	}
	for _, m := range res.Matches {
		a.metrics.Match(m.Type.String())
	}
	a.metrics.ContextRejected(len(res.Rejected))

	if vocab.Taxonomy != nil {
		tokens := ingest.NewTokenizer(false).Tokenize(body)
		out.Entities = vocab.Taxonomy.Extract(body, tokens)
	}

	span.SetAttributes(
		attribute.Int("matches", len(res.Matches)),
		attribute.Int("context_rejected", len(res.Rejected)),
	)

	if a.scorer == nil {
		a.degrade(&out, DegradedNoOracle, nil, doc.ID)
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	score, err := a.scorer.Score(callCtx, body, idx.Terms())
	cancel()
	if err != nil {
		reason := DegradedUnavailable
		if errors.Is(err, context.DeadlineExceeded) {
			reason = DegradedTimeout
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		a.degrade(&out, reason, err, doc.ID)
		return out
	}

	v := score.Relevancy
	out.RelevancyScore = &v
	out.Rationale = score.Rationale
	out.Entities = out.Entities.Merge(score.Entities)
	span.SetAttributes(attribute.Float64("relevancy_score", v))
	span.SetStatus(codes.Ok, "scored")
	return out
}

func (a *Assessor) degrade(out *Assessment, reason string, err error, docID string) {
	out.Degraded = true
	out.DegradedReason = reason
	out.RelevancyScore = nil
	a.metrics.Degraded(reason)
	a.logger.Warn("degraded relevancy assessment",
		zap.String("doc_id", docID),
		zap.String("reason", reason),
		zap.Int("keyword_matches", len(out.Matches)),
		zap.Error(err),
	)
}
