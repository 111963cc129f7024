// Package triage runs documents through keyword matching, relevance
// scoring, deduplication, the guardrail and the decision table, and records
// the outcome.
package triage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cognicore/triage/pkg/triage/config"
	"github.com/cognicore/triage/pkg/triage/decision"
	"github.com/cognicore/triage/pkg/triage/dedup"
	"github.com/cognicore/triage/pkg/triage/guardrail"
	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/keyword"
	"github.com/cognicore/triage/pkg/triage/match"
	"github.com/cognicore/triage/pkg/triage/metrics"
	"github.com/cognicore/triage/pkg/triage/relevance"
	"github.com/cognicore/triage/pkg/triage/sink"
	"github.com/cognicore/triage/pkg/triage/store"
)

var tracer = otel.Tracer("triage/engine")

// Pending reasons.
const (
	PendingInconsistentCluster = "inconsistent-cluster-state"
	PendingStoreUnavailable    = "store-unavailable"
	PendingSinkUnavailable     = "sink-unavailable"
)

// Outcome is everything the pipeline derived for one document. It is what
// the sink publishes and what the store keeps next to the decision.
type Outcome struct {
	DocID      string               `json:"doc_id"`
	Status     string               `json:"status"`
	Reason     string               `json:"reason,omitempty"`
	Assessment relevance.Assessment `json:"assessment"`
	Cluster    dedup.Result         `json:"cluster"`
	Guardrail  guardrail.Result     `json:"guardrail"`
	Decision   *decision.Decision   `json:"decision,omitempty"`
}

// Runtime is one configuration generation. Process loads it once per
// document, so a reload never mixes thresholds within a document.
type Runtime struct {
	Vocabulary relevance.Vocabulary
	Dedup      dedup.Config
	Policy     decision.Policy
	Guardrail  guardrail.Checker
}

// Options configures an Engine.
type Options struct {
	Store     store.Store
	Assessor  *relevance.Assessor
	Dedup     *dedup.Engine
	Publisher sink.Publisher // nil publishes nowhere
	// Guardrail replaces the rule checker built from configuration, for
	// deployments that consult an external content-safety service.
	Guardrail guardrail.Checker
	Workers   int
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Engine is the pipeline facade. It is safe for concurrent use.
type Engine struct {
	store     store.Store
	assessor  *relevance.Assessor
	dedup     *dedup.Engine
	publisher sink.Publisher
	guardrail guardrail.Checker
	workers   int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	reloadMu sync.Mutex
	holder   keyword.Holder
	runtime  atomic.Pointer[Runtime]
}

// New creates an Engine serving the given configuration and vocabulary.
func New(opts Options, cfg *config.Config, vocab *config.Vocabulary) (*Engine, error) {
	if opts.Store == nil || opts.Assessor == nil || opts.Dedup == nil {
		return nil, fmt.Errorf("triage: store, assessor and dedup are required: %w", internalerr.ErrInvalidInput)
	}
	if opts.Publisher == nil {
		opts.Publisher = sink.Nop{}
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		store:     opts.Store,
		assessor:  opts.Assessor,
		dedup:     opts.Dedup,
		publisher: opts.Publisher,
		guardrail: opts.Guardrail,
		workers:   opts.Workers,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
	if err := e.Reload(cfg, vocab); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload builds a new generation from the matching, dedup, triage and
// guardrail sections and the vocabulary, then swaps it in. Store, vector,
// oracle and sink settings need a restart. On error the active generation
// is kept.
func (e *Engine) Reload(cfg *config.Config, vocab *config.Vocabulary) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	rt, idx, err := e.build(cfg, vocab)
	if err != nil {
		e.metrics.Reload(false, 0)
		if cur := e.runtime.Load(); cur != nil {
			e.logger.Error("reload rejected, keeping active generation",
				zap.Uint64("generation", cur.Vocabulary.Generation.Seq),
				zap.Error(err),
			)
		}
		return err
	}

	e.holder.Swap(idx)
	rt.Vocabulary.Generation = e.holder.Current()
	e.runtime.Store(rt)

	e.metrics.Reload(true, rt.Vocabulary.Generation.Seq)
	e.logger.Info("configuration generation active",
		zap.Uint64("generation", rt.Vocabulary.Generation.Seq),
		zap.Int("keywords", len(idx.Definitions())),
	)
	return nil
}

func (e *Engine) build(cfg *config.Config, vocab *config.Vocabulary) (*Runtime, *keyword.Index, error) {
	if cfg == nil || vocab == nil {
		return nil, nil, internalerr.Configf("", "configuration and vocabulary are required")
	}
	for _, v := range []interface{ Validate() error }{cfg.Matching, cfg.Dedup, cfg.Triage, cfg.Guardrail} {
		if err := v.Validate(); err != nil {
			return nil, nil, err
		}
	}
	idx, err := vocab.Index(cfg.Matching.CaseSensitive, e.logger)
	if err != nil {
		return nil, nil, err
	}
	checker := e.guardrail
	if checker == nil {
		checker, err = guardrail.NewRules(cfg.Guardrail, e.logger)
		if err != nil {
			return nil, nil, err
		}
	}
	return &Runtime{
		Vocabulary: relevance.Vocabulary{
			Matcher:  match.New(cfg.Matching),
			Taxonomy: vocab.Taxonomy(),
		},
		Dedup:     cfg.Dedup,
		Policy:    cfg.Triage,
		Guardrail: checker,
	}, idx, nil
}

// Runtime returns the active generation.
func (e *Engine) Runtime() *Runtime { return e.runtime.Load() }

// Process runs doc through the pipeline. A retryable infrastructure failure
// leaves a pending outcome and is returned together with it; the document
// can be processed again later. A document that was already decided gets
// its stored outcome back unchanged.
func (e *Engine) Process(ctx context.Context, doc ingest.Document) (Outcome, error) {
	start := e.now()
	ctx, span := tracer.Start(ctx, "Engine.Process")
	defer span.End()
	span.SetAttributes(attribute.String("doc_id", doc.ID))

	if err := doc.Validate(); err != nil {
		err = fmt.Errorf("document %q: %v: %w", doc.ID, err, internalerr.ErrInvalidInput)
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid document")
		return Outcome{DocID: doc.ID}, err
	}

	if out, ok, err := e.committed(ctx, doc.ID); err != nil || ok {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "outcome lookup failed")
		} else {
			span.SetStatus(codes.Ok, "already decided")
		}
		return out, err
	}

	rt := e.runtime.Load()
	out := Outcome{DocID: doc.ID}

	out.Assessment = e.assessor.Assess(ctx, doc, rt.Vocabulary)

	cluster, err := e.dedup.Assign(ctx, doc, dedup.Signal{
		RelevancyScore: out.Assessment.RelevancyScore,
		KeywordMatches: out.Assessment.KeywordMatchCount(),
	}, rt.Dedup)
	if err != nil {
		reason := PendingStoreUnavailable
		if errors.Is(err, internalerr.ErrInconsistentClusterState) {
			reason = PendingInconsistentCluster
		}
		return e.pending(ctx, doc, out, reason, err, start)
	}
	out.Cluster = cluster

	out.Guardrail = e.check(ctx, rt.Guardrail, doc)

	dup := decision.Original
	if cluster.IsDuplicate {
		dup = decision.Duplicate
	}
	d := rt.Policy.Decide(decision.Inputs{
		RelevancyScore:    out.Assessment.RelevancyScore,
		Degraded:          out.Assessment.Degraded,
		KeywordMatchCount: out.Assessment.KeywordMatchCount(),
		Guardrail:         out.Guardrail.Verdict,
		GuardrailReasons:  out.Guardrail.Reasons,
		Duplicate:         dup,
	}, e.now())
	out.Decision = &d
	out.Status = store.StatusDecided

	body, err := json.Marshal(out)
	if err != nil {
		return out, fmt.Errorf("encode outcome %s: %w", doc.ID, err)
	}
	if err := e.publisher.Publish(ctx, sink.Event{DocID: doc.ID, Action: d.Action, Body: body}); err != nil {
		out.Decision = nil
		return e.pending(ctx, doc, out, PendingSinkUnavailable, err, start)
	}
	if err := e.save(ctx, doc, out, body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "outcome not stored")
		return out, err
	}

	e.metrics.Decision(string(d.Action), d.Reason())
	e.metrics.Processed(store.StatusDecided, e.now().Sub(start))
	span.SetAttributes(
		attribute.String("action", string(d.Action)),
		attribute.String("reason", d.Reason()),
		attribute.String("cluster_id", cluster.ClusterID),
	)
	span.SetStatus(codes.Ok, string(d.Action))
	e.logger.Debug("document triaged",
		zap.String("doc_id", doc.ID),
		zap.String("action", string(d.Action)),
		zap.Strings("reasons", d.ReasonCodes),
		zap.String("cluster_id", cluster.ClusterID),
		zap.Bool("is_duplicate", cluster.IsDuplicate),
	)
	return out, nil
}

// committed returns the stored outcome of a document that was already
// decided. A decision is final: later cluster changes never re-derive it and
// it is never published twice.
func (e *Engine) committed(ctx context.Context, docID string) (Outcome, bool, error) {
	prev, ok, err := e.store.Outcome(ctx, docID)
	if err != nil {
		return Outcome{DocID: docID}, false, internalerr.Unavailable("cluster store", err)
	}
	if !ok || prev.Status != store.StatusDecided {
		return Outcome{}, false, nil
	}
	var out Outcome
	if err := json.Unmarshal(prev.Decision, &out); err != nil {
		return Outcome{DocID: docID}, false, fmt.Errorf("decode stored outcome %s: %w", docID, err)
	}
	e.logger.Debug("document already decided",
		zap.String("doc_id", docID),
		zap.String("action", prev.Action),
	)
	return out, true, nil
}

// check consults the guardrail. A failing guardrail call routes the
// document to review instead of letting it publish unchecked.
func (e *Engine) check(ctx context.Context, c guardrail.Checker, doc ingest.Document) guardrail.Result {
	res, err := c.Check(ctx, doc)
	if err != nil {
		e.logger.Warn("guardrail unavailable",
			zap.String("doc_id", doc.ID),
			zap.Error(internalerr.Unavailable("guardrail", err)),
		)
		return guardrail.Result{Verdict: decision.Fail, Reasons: []string{guardrail.ReasonUnavailable}}
	}
	if res.Verdict == "" {
		res.Verdict = decision.Pass
	}
	return res
}

func (e *Engine) pending(ctx context.Context, doc ingest.Document, out Outcome, reason string, cause error, start time.Time) (Outcome, error) {
	out.Status = store.StatusPending
	out.Reason = reason
	e.logger.Warn("document left pending",
		zap.String("doc_id", doc.ID),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	body, err := json.Marshal(out)
	if err == nil {
		err = e.save(ctx, doc, out, body)
	}
	if err != nil {
		e.logger.Error("pending outcome not stored",
			zap.String("doc_id", doc.ID),
			zap.Error(err),
		)
	}
	e.metrics.Processed(store.StatusPending, e.now().Sub(start))
	return out, cause
}

func (e *Engine) save(ctx context.Context, doc ingest.Document, out Outcome, body []byte) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", doc.ID, err)
	}
	prev, _, err := e.store.Outcome(ctx, doc.ID)
	if err != nil {
		return internalerr.Unavailable("cluster store", err)
	}
	rec := store.Outcome{
		DocID:     doc.ID,
		Status:    out.Status,
		Reason:    out.Reason,
		ClusterID: out.Cluster.ClusterID,
		Document:  raw,
		Decision:  body,
		Attempts:  prev.Attempts + 1,
		UpdatedAt: e.now().UTC(),
	}
	if out.Decision != nil {
		rec.Action = string(out.Decision.Action)
	}
	if err := e.store.SaveOutcome(ctx, rec); err != nil {
		return internalerr.Unavailable("cluster store", err)
	}
	return nil
}

// BatchResult pairs a document's outcome with its error, if any.
type BatchResult struct {
	Outcome Outcome
	Err     error
}

// ProcessBatch processes docs with bounded parallelism. Per-document
// failures are reported in the results; only cancellation fails the batch.
func (e *Engine) ProcessBatch(ctx context.Context, docs []ingest.Document) ([]BatchResult, error) {
	results := make([]BatchResult, len(docs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range docs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := e.Process(ctx, docs[i])
			results[i] = BatchResult{Outcome: out, Err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, ctx.Err()
}

// ReprocessResult summarizes a replay of pending documents.
type ReprocessResult struct {
	Processed int
	Decided   int
	Pending   int
	Errors    int
}

// Reprocess replays up to limit pending documents. Joins are keyed by
// document id, so a document whose cluster join did commit before the
// failure keeps that membership.
func (e *Engine) Reprocess(ctx context.Context, limit int) (ReprocessResult, error) {
	var res ReprocessResult
	pending, err := e.store.Pending(ctx, limit)
	if err != nil {
		return res, internalerr.Unavailable("cluster store", err)
	}

	docs := make([]ingest.Document, 0, len(pending))
	for _, p := range pending {
		var doc ingest.Document
		if err := json.Unmarshal(p.Document, &doc); err != nil {
			e.logger.Error("pending document unreadable",
				zap.String("doc_id", p.DocID),
				zap.Error(err),
			)
			res.Errors++
			continue
		}
		docs = append(docs, doc)
	}

	results, err := e.ProcessBatch(ctx, docs)
	for _, r := range results {
		if r.Outcome.DocID == "" && r.Err == nil {
			continue // not started before cancellation
		}
		res.Processed++
		switch {
		case r.Err == nil:
			res.Decided++
		case r.Outcome.Status == store.StatusPending:
			res.Pending++
		default:
			res.Errors++
		}
	}
	e.logger.Info("reprocessed pending documents",
		zap.Int("processed", res.Processed),
		zap.Int("decided", res.Decided),
		zap.Int("pending", res.Pending),
		zap.Int("errors", res.Errors),
	)
	return res, err
}

// Close releases the store and the publisher.
func (e *Engine) Close() error {
	return errors.Join(e.publisher.Close(), e.store.Close())
}
