// Package metrics exposes Prometheus collectors for the triage pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "triage"

// Metrics groups the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Labels: kind (exact, alias, fuzzy)
	matches         *prometheus.CounterVec
	contextRejected prometheus.Counter

	// Labels: reason
	degraded *prometheus.CounterVec

	// Labels: op (score, embed), result (success, error, circuit_open)
	oracleCalls   *prometheus.CounterVec
	oracleLatency *prometheus.HistogramVec

	// Labels: tier (lexical, semantic, none, existing), result (joined, created, existing, unavailable)
	dedup      *prometheus.CounterVec
	casRetries prometheus.Counter
	ambiguous  prometheus.Counter

	// Labels: action, reason
	decisions *prometheus.CounterVec

	// Labels: result (success, error)
	reloads    *prometheus.CounterVec
	generation prometheus.Gauge

	// Labels: status (decided, pending)
	processed       *prometheus.CounterVec
	processDuration prometheus.Histogram
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer
// in binaries and prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		matches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "match",
			Name: "keyword_matches_total",
			Help: "Keyword matches kept after gating, by match type",
		}, []string{"kind"}),
		contextRejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "match",
			Name: "context_rejected_total",
			Help: "Keyword hits dropped because no context term was near",
		}),
		degraded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relevance",
			Name: "degraded_assessments_total",
			Help: "Assessments produced without the semantic oracle",
		}, []string{"reason"}),
		oracleCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "oracle",
			Name: "calls_total",
			Help: "Oracle calls by operation and result",
		}, []string{"op", "result"}),
		oracleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "oracle",
			Name:    "call_duration_seconds",
			Help:    "Oracle call latency including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		dedup: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dedup",
			Name: "outcomes_total",
			Help: "Deduplication outcomes by tier",
		}, []string{"tier", "result"}),
		casRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dedup",
			Name: "cas_retries_total",
			Help: "Cluster joins retried after losing a conditional write",
		}),
		ambiguous: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dedup",
			Name: "ambiguous_matches_total",
			Help: "Documents matching two different clusters",
		}),
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "decision",
			Name: "decisions_total",
			Help: "Triage decisions by action and dominant reason",
		}, []string{"action", "reason"}),
		reloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "config",
			Name: "reloads_total",
			Help: "Configuration reload attempts",
		}, []string{"result"}),
		generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "config",
			Name: "index_generation",
			Help: "Sequence number of the active keyword index",
		}),
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline",
			Name: "documents_total",
			Help: "Documents processed by final status",
		}, []string{"status"}),
		processDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline",
			Name:    "process_duration_seconds",
			Help:    "End-to-end processing time per document",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

func (m *Metrics) Match(kind string) {
	if m != nil {
		m.matches.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ContextRejected(n int) {
	if m != nil && n > 0 {
		m.contextRejected.Add(float64(n))
	}
}

func (m *Metrics) Degraded(reason string) {
	if m != nil {
		m.degraded.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) OracleCall(op, result string, elapsed time.Duration) {
	if m != nil {
		m.oracleCalls.WithLabelValues(op, result).Inc()
		m.oracleLatency.WithLabelValues(op).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Dedup(tier, result string) {
	if m != nil {
		m.dedup.WithLabelValues(tier, result).Inc()
	}
}

func (m *Metrics) CASRetry() {
	if m != nil {
		m.casRetries.Inc()
	}
}

func (m *Metrics) Ambiguous() {
	if m != nil {
		m.ambiguous.Inc()
	}
}

func (m *Metrics) Decision(action, reason string) {
	if m != nil {
		m.decisions.WithLabelValues(action, reason).Inc()
	}
}

func (m *Metrics) Reload(ok bool, generation uint64) {
	if m == nil {
		return
	}
	if !ok {
		m.reloads.WithLabelValues("error").Inc()
		return
	}
	m.reloads.WithLabelValues("success").Inc()
	m.generation.Set(float64(generation))
}

func (m *Metrics) Processed(status string, elapsed time.Duration) {
	if m != nil {
		m.processed.WithLabelValues(status).Inc()
		m.processDuration.Observe(elapsed.Seconds())
	}
}
