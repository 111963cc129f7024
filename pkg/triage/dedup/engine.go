// Package dedup groups documents reporting the same event into clusters.
// Tier 1 compares URL and title against lexical candidates inside the time
// window; Tier 2 falls back to embedding similarity. Joins are conditional
// writes on the document's partition keys, retried when a concurrent
// writer wins.
package dedup

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/cognicore/triage/pkg/triage/ingest"
	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/metrics"
	"github.com/cognicore/triage/pkg/triage/oracle"
	"github.com/cognicore/triage/pkg/triage/store"
	"github.com/cognicore/triage/pkg/triage/vector"
)

var tracer = otel.Tracer("triage/dedup")

// Tiers reported in Result.Tier.
const (
	TierLexical  = "lexical"
	TierSemantic = "semantic"
	TierNone     = "none"
	TierExisting = "existing"
)

// Reasons Tier 2 did not run.
const (
	SemanticNotNeeded        = "tier1-match"
	SemanticDisabled         = "disabled"
	SemanticLowRelevance     = "below-relevance"
	SemanticNoEvidence       = "degraded-without-keywords"
	SemanticUnavailable      = "embedding-unavailable"
	SemanticIndexUnavailable = "index-unavailable"
)

// Signal is the part of the relevance assessment that gates Tier 2.
type Signal struct {
	RelevancyScore *float64
	KeywordMatches int
}

// Result is the cluster assignment of one document.
type Result struct {
	Key               ClusterKey                         `json:"cluster_key"`
	ClusterID         string                             `json:"cluster_id"`
	CanonicalMemberID string                             `json:"canonical_member_id"`
	IsDuplicate       bool                               `json:"is_duplicate"`
	DuplicateOf       string                             `json:"duplicate_of,omitempty"`
	Tier              string                             `json:"tier"`
	Confidence        float64                            `json:"confidence"`
	Reassigned        bool                               `json:"reassigned,omitempty"`
	Ambiguous         *internalerr.AmbiguousClusterMatch `json:"ambiguous,omitempty"`
	SemanticSkipped   string                             `json:"semantic_skipped,omitempty"`
	Attempts          int                                `json:"attempts"`
}

// Options configures an Engine. Index and Embedder are optional; without
// either, only Tier 1 runs.
type Options struct {
	Store    store.Store
	Index    vector.Index
	Embedder oracle.Embedder
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Engine assigns documents to clusters. It is safe for concurrent use.
type Engine struct {
	store    store.Store
	index    vector.Index
	embedder oracle.Embedder
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	idMu    sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dedup: store is required: %w", internalerr.ErrInvalidInput)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		store:    opts.Store,
		index:    opts.Index,
		embedder: opts.Embedder,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}, nil
}

type candidate struct {
	clusterID  string
	confidence float64
	sameDomain bool
	tier       string
}

// Assign places doc in a cluster. Re-running it for an assigned document
// returns the stored membership unchanged.
func (e *Engine) Assign(ctx context.Context, doc ingest.Document, sig Signal, cfg Config) (Result, error) {
	ctx, span := tracer.Start(ctx, "Engine.Assign")
	defer span.End()
	span.SetAttributes(attribute.String("doc_id", doc.ID))

	key := KeyOf(doc)
	partitions := key.Partitions()
	since, until := key.PublishedAt.Add(-cfg.Window), key.PublishedAt.Add(cfg.Window)

	var (
		vec      []float32
		embedded bool
		skipped  string
	)

	for attempt := 1; attempt <= cfg.MaxRetries+1; attempt++ {
		if res, ok, err := e.existing(ctx, doc.ID); err != nil {
			return Result{}, e.fail(span, err)
		} else if ok {
			res.Key = key
			res.Attempts = attempt
			e.metrics.Dedup(TierExisting, "existing")
			return res, nil
		}

		versions, err := e.store.Versions(ctx, partitions)
		if err != nil {
			return Result{}, e.fail(span, err)
		}
		members, err := e.store.Candidates(ctx, partitions, since, until)
		if err != nil {
			return Result{}, e.fail(span, err)
		}

		ranked := lexical(doc.ID, key, members, cfg)
		if len(ranked) > 0 {
			skipped = SemanticNotNeeded
		} else {
			if !embedded {
				vec, skipped = e.embed(ctx, doc, sig, cfg)
				embedded = true
			}
			if vec != nil {
				ranked, err = e.semantic(ctx, doc.ID, key, vec, since, until, cfg)
				if err != nil {
					e.logger.Warn("semantic dedup unavailable",
						zap.String("doc_id", doc.ID),
						zap.Error(err),
					)
					e.metrics.Dedup(TierSemantic, "unavailable")
					skipped = SemanticIndexUnavailable
				}
			}
		}

		res, join, err := e.plan(ctx, doc, key, partitions, versions, ranked)
		if errors.Is(err, internalerr.ErrNotFound) {
			e.metrics.CASRetry()
			continue
		}
		if err != nil {
			return Result{}, e.fail(span, err)
		}

		cluster, err := e.store.Commit(ctx, join)
		if errors.Is(err, internalerr.ErrConflict) || errors.Is(err, internalerr.ErrNotFound) {
			e.metrics.CASRetry()
			e.logger.Debug("cluster join lost a race, retrying",
				zap.String("doc_id", doc.ID),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}
		if err != nil {
			return Result{}, e.fail(span, err)
		}

		res.CanonicalMemberID = cluster.CanonicalMemberID
		res.SemanticSkipped = skipped
		res.Attempts = attempt
		if vec != nil {
			e.indexVector(ctx, doc, cluster.ID, vec)
		}

		result := "joined"
		if join.NewCluster {
			result = "created"
		}
		e.metrics.Dedup(res.Tier, result)
		span.SetAttributes(
			attribute.String("cluster_id", res.ClusterID),
			attribute.String("tier", res.Tier),
			attribute.Bool("is_duplicate", res.IsDuplicate),
			attribute.Int("attempts", attempt),
		)
		span.SetStatus(codes.Ok, result)
		return res, nil
	}

	err := &internalerr.InconsistentClusterState{Partitions: partitions, Attempts: cfg.MaxRetries + 1}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("cluster join kept conflicting",
		zap.String("doc_id", doc.ID),
		zap.Strings("partitions", partitions),
		zap.Int("attempts", cfg.MaxRetries+1),
	)
	return Result{}, err
}

func (e *Engine) fail(span trace.Span, err error) error {
	err = internalerr.Unavailable("cluster store", err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (e *Engine) existing(ctx context.Context, docID string) (Result, bool, error) {
	m, ok, err := e.store.Membership(ctx, docID)
	if err != nil || !ok {
		return Result{}, false, err
	}
	c, err := e.store.Cluster(ctx, m.ClusterID)
	if err != nil {
		return Result{}, false, err
	}
	return Result{
		ClusterID:         m.ClusterID,
		CanonicalMemberID: c.CanonicalMemberID,
		IsDuplicate:       m.IsDuplicate,
		DuplicateOf:       m.DuplicateOf,
		Tier:              TierExisting,
		Confidence:        1,
	}, true, nil
}

// lexical scores Tier 1 candidates: URL equality is an automatic match,
// otherwise the title ratio must reach the threshold. Candidates come from
// a window-scoped query, so the time condition already holds.
func lexical(docID string, key ClusterKey, members []store.Member, cfg Config) []candidate {
	best := make(map[string]candidate)
	for _, m := range members {
		if m.DocID == docID {
			continue
		}
		var conf float64
		switch {
		case key.CanonicalURL != "" && m.CanonicalURL == key.CanonicalURL:
			conf = 1
		default:
			r := TitleSimilarity(key.NormalizedTitle, m.NormalizedTitle)
			if r < cfg.TitleThreshold {
				continue
			}
			conf = r
		}
		c := candidate{
			clusterID:  m.ClusterID,
			confidence: conf,
			sameDomain: key.SourceDomain != "" && m.SourceDomain == key.SourceDomain,
			tier:       TierLexical,
		}
		if prev, ok := best[m.ClusterID]; !ok || better(c, prev) {
			best[m.ClusterID] = c
		}
	}
	return rank(best)
}

func (e *Engine) embed(ctx context.Context, doc ingest.Document, sig Signal, cfg Config) ([]float32, string) {
	if e.index == nil || e.embedder == nil {
		return nil, SemanticDisabled
	}
	if sig.RelevancyScore == nil {
		if sig.KeywordMatches == 0 {
			return nil, SemanticNoEvidence
		}
	} else if *sig.RelevancyScore < cfg.SemanticMinRelevance {
		return nil, SemanticLowRelevance
	}

	vec, err := e.embedder.Embed(ctx, doc.Body())
	if err != nil || len(vec) == 0 {
		e.logger.Warn("embedding unavailable, skipping semantic dedup",
			zap.String("doc_id", doc.ID),
			zap.Error(err),
		)
		e.metrics.Dedup(TierSemantic, "unavailable")
		return nil, SemanticUnavailable
	}
	return vec, ""
}

func (e *Engine) semantic(ctx context.Context, docID string, key ClusterKey, vec []float32, since, until time.Time, cfg Config) ([]candidate, error) {
	ctx, span := tracer.Start(ctx, "Engine.semantic")
	defer span.End()

	neighbors, err := e.index.Nearest(ctx, vec, since, until, cfg.SemanticNeighbors)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	best := make(map[string]candidate)
	for _, n := range neighbors {
		if n.DocID == docID || n.Similarity < cfg.SemanticThreshold {
			continue
		}
		// The store is authoritative for membership; the index may lag.
		m, ok, err := e.store.Membership(ctx, n.DocID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		c := candidate{
			clusterID:  m.ClusterID,
			confidence: n.Similarity,
			sameDomain: key.SourceDomain != "" && m.SourceDomain == key.SourceDomain,
			tier:       TierSemantic,
		}
		if prev, ok := best[m.ClusterID]; !ok || better(c, prev) {
			best[m.ClusterID] = c
		}
	}
	span.SetAttributes(attribute.Int("neighbors", len(neighbors)), attribute.Int("clusters", len(best)))
	return rank(best), nil
}

// plan turns the ranked candidates into a conditional join.
func (e *Engine) plan(ctx context.Context, doc ingest.Document, key ClusterKey, partitions []string, versions map[string]int64, ranked []candidate) (Result, store.Join, error) {
	now := e.now().UTC()
	member := store.Member{
		DocID:           doc.ID,
		CanonicalURL:    key.CanonicalURL,
		NormalizedTitle: key.NormalizedTitle,
		SourceDomain:    key.SourceDomain,
		PublishedAt:     key.PublishedAt,
		Keys:            partitions,
	}

	if len(ranked) == 0 {
		member.ClusterID = e.newClusterID(now)
		res := Result{Key: key, ClusterID: member.ClusterID, Tier: TierNone}
		join := store.Join{
			Member:      member,
			KeyVersions: versions,
			NewCluster:  true,
			CreatedAt:   now,
			Audit:       []store.AuditEvent{e.event(store.EventCreated, doc.ID, member.ClusterID, TierNone, 1, now)},
		}
		return res, join, nil
	}

	win := ranked[0]
	cluster, err := e.store.Cluster(ctx, win.clusterID)
	if err != nil {
		return Result{}, store.Join{}, err
	}

	earlier := key.PublishedAt.Before(cluster.CanonicalPublishedAt) ||
		(key.PublishedAt.Equal(cluster.CanonicalPublishedAt) && doc.ID < cluster.CanonicalMemberID)

	member.ClusterID = cluster.ID
	if !earlier {
		member.IsDuplicate = true
		member.DuplicateOf = cluster.CanonicalMemberID
	}

	res := Result{
		Key:         key,
		ClusterID:   cluster.ID,
		IsDuplicate: member.IsDuplicate,
		DuplicateOf: member.DuplicateOf,
		Tier:        win.tier,
		Confidence:  win.confidence,
		Reassigned:  earlier,
	}

	audit := []store.AuditEvent{e.event(store.EventJoined, doc.ID, cluster.ID, win.tier, win.confidence, now)}
	if earlier {
		audit = append(audit, e.event(store.EventReassigned, doc.ID, cluster.ID, win.tier, win.confidence, now))
	}
	if len(ranked) > 1 {
		runner := ranked[1]
		res.Ambiguous = &internalerr.AmbiguousClusterMatch{
			Winner:   internalerr.ClusterCandidate{ClusterID: win.clusterID, Confidence: win.confidence, Tier: win.tier},
			RunnerUp: internalerr.ClusterCandidate{ClusterID: runner.clusterID, Confidence: runner.confidence, Tier: runner.tier},
		}
		ev := e.event(store.EventAmbiguous, doc.ID, cluster.ID, win.tier, win.confidence, now)
		ev.RunnerUpClusterID = runner.clusterID
		ev.RunnerUpConfidence = runner.confidence
		audit = append(audit, ev)
		e.metrics.Ambiguous()
		e.logger.Warn("document matched more than one cluster",
			zap.String("doc_id", doc.ID),
			zap.String("cluster_id", win.clusterID),
			zap.Float64("confidence", win.confidence),
			zap.String("runner_up_cluster_id", runner.clusterID),
			zap.Float64("runner_up_confidence", runner.confidence),
		)
	}

	return res, store.Join{
		Member:         member,
		KeyVersions:    versions,
		ClusterVersion: cluster.Version,
		CreatedAt:      now,
		Audit:          audit,
	}, nil
}

func (e *Engine) indexVector(ctx context.Context, doc ingest.Document, clusterID string, vec []float32) {
	err := e.index.Upsert(ctx, vector.Entry{
		DocID:       doc.ID,
		ClusterID:   clusterID,
		PublishedAt: doc.PublishedAt.UTC(),
		Vector:      vec,
	})
	if err != nil {
		e.logger.Warn("failed to index document embedding",
			zap.String("doc_id", doc.ID),
			zap.String("cluster_id", clusterID),
			zap.Error(err),
		)
	}
}

func (e *Engine) event(kind, docID, clusterID, tier string, conf float64, at time.Time) store.AuditEvent {
	return store.AuditEvent{
		ID:         uuid.NewString(),
		Kind:       kind,
		DocID:      docID,
		ClusterID:  clusterID,
		Tier:       tier,
		Confidence: conf,
		CreatedAt:  at,
	}
}

func (e *Engine) newClusterID(at time.Time) string {
	e.idMu.Lock()
	defer e.idMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), e.entropy).String()
}

func better(a, b candidate) bool {
	if a.confidence != b.confidence {
		return a.confidence > b.confidence
	}
	return a.sameDomain && !b.sameDomain
}

// rank orders candidates by confidence, then same source domain, then
// cluster id so the choice is deterministic.
func rank(best map[string]candidate) []candidate {
	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].confidence != out[j].confidence {
			return out[i].confidence > out[j].confidence
		}
		if out[i].sameDomain != out[j].sameDomain {
			return out[i].sameDomain
		}
		return out[i].clusterID < out[j].clusterID
	})
	return out
}
