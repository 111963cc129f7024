package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Match("exact")
	m.Match("exact")
	m.Match("fuzzy")
	m.ContextRejected(3)
	m.Decision("DROP", "duplicate")
	m.CASRetry()
	m.Reload(true, 7)
	m.Reload(false, 0)
	m.OracleCall("score", "error", 20*time.Millisecond)
	m.Processed("decided", time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.matches.WithLabelValues("exact")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.matches.WithLabelValues("fuzzy")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.contextRejected))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.decisions.WithLabelValues("DROP", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.casRetries))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.generation))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("error")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Match("exact")
		m.Degraded("timeout")
		m.Dedup("url", "joined")
		m.Ambiguous()
		m.Reload(true, 1)
		m.Processed("pending", time.Second)
	})
}
