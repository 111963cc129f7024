package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cognicore/triage/pkg/triage/internalerr"
	"github.com/cognicore/triage/pkg/triage/metrics"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		Timeout:           50 * time.Millisecond,
		MaxRetries:        2,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func TestParseScore(t *testing.T) {
	s, err := ParseScore("```json\n{\"relevancy_score\": 0.85, \"entities\": {\"actors\": [\"APT29\"]}, \"rationale\": \"ok\"}\n```")
	require.NoError(t, err)
	assert.Equal(t, 0.85, s.Relevancy)
	assert.Equal(t, []string{"APT29"}, s.Entities.Actors)
	assert.Equal(t, "ok", s.Rationale)

	s, err = ParseScore(`Sure! {"relevancy_score": 0.1} hope that helps`)
	require.NoError(t, err)
	assert.Equal(t, 0.1, s.Relevancy)

	for _, bad := range []string{"no json here", `{"relevancy_score": 1.4}`, `{"relevancy_score": "high"}`} {
		_, err := ParseScore(bad)
		assert.ErrorIs(t, err, ErrMalformedResponse, bad)
	}
}

func TestScorePromptTruncates(t *testing.T) {
	long := make([]byte, maxPromptChars+500)
	for i := range long {
		long[i] = 'a'
	}
	p := ScorePrompt(string(long), []string{"Azure", "Fortinet"})
	assert.Contains(t, p, "Target terms: Azure, Fortinet")
	assert.Less(t, len(p), maxPromptChars+1000)
}

func TestGuardRetriesTransientErrors(t *testing.T) {
	g := NewGuard("score", fastRetry(), nil, nil)
	var calls int32
	err := g.Do(context.Background(), func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls)
}

func TestGuardDoesNotRetryPermanentErrors(t *testing.T) {
	g := NewGuard("score", fastRetry(), nil, nil)
	var calls int32
	err := g.Do(context.Background(), func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return fmt.Errorf("%w: bad", ErrMalformedResponse)
	})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls)
}

func TestGuardTimesOutEachAttempt(t *testing.T) {
	cfg := fastRetry()
	cfg.MaxRetries = 1
	g := NewGuard("score", cfg, nil, nil)

	start := time.Now()
	err := g.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCircuitBreakerOpensAndRecovers(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(2, 1, time.Minute)
	cb.now = func() time.Time { return now }

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitOpen)

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())

	cb.RecordFailure()
	cb.RecordFailure()
	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestGuardFailsFastWhenOpen(t *testing.T) {
	cfg := fastRetry()
	cfg.MaxRetries = 0
	cfg.FailureThreshold = 1
	cfg.OpenTimeout = time.Hour
	m := metrics.New(prometheus.NewRegistry())
	g := NewGuard("embed", cfg, nil, m)

	fail := func(ctx context.Context) error { return errors.New("connection refused") }
	require.Error(t, g.Do(context.Background(), fail))
	assert.Equal(t, CircuitOpen, g.Breaker().State())

	var called bool
	err := g.Do(context.Background(), func(ctx context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestGuardedScorerReportsUnavailable(t *testing.T) {
	cfg := fastRetry()
	cfg.MaxRetries = 0
	s := NewGuardedScorer(ScorerFunc(func(ctx context.Context, text string, kws []string) (Score, error) {
		return Score{}, context.DeadlineExceeded
	}), NewGuard("score", cfg, nil, nil))

	_, err := s.Score(context.Background(), "text", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, internalerr.ErrCollaboratorUnavailable)

	var unavailable *internalerr.CollaboratorUnavailable
	require.True(t, errors.As(err, &unavailable))
	assert.Equal(t, "semantic oracle", unavailable.Collaborator)
}

func TestGuardedEmbedderCollapsesIdenticalCalls(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	inner := EmbedderFunc(func(ctx context.Context, text string) ([]float32, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []float32{1, 0, 0}, nil
	})
	cfg := fastRetry()
	cfg.Timeout = time.Second
	e := NewGuardedEmbedder(inner, NewGuard("embed", cfg, nil, nil))

	var wg sync.WaitGroup
	results := make([][]float32, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.Embed(context.Background(), "same text")
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&calls), int32(4))
	for _, r := range results {
		assert.Equal(t, []float32{1, 0, 0}, r)
	}
}

func TestAnthropicScorer(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotModel, _ = body["model"].(string)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01", "type": "message", "role": "assistant", "model": "claude-test",
			"content": [{"type": "text", "text": "{\"relevancy_score\": 0.9, \"rationale\": \"vendor outage\"}"}],
			"stop_reason": "end_turn", "usage": {"input_tokens": 10, "output_tokens": 5}
		}`))
	}))
	defer srv.Close()

	s, err := NewAnthropicScorer("test-key", "claude-test", option.WithBaseURL(srv.URL), option.WithMaxRetries(0))
	require.NoError(t, err)

	score, err := s.Score(context.Background(), "Azure AD outage", []string{"Azure"})
	require.NoError(t, err)
	assert.Equal(t, 0.9, score.Relevancy)
	assert.Equal(t, "vendor outage", score.Rationale)
	assert.Equal(t, "claude-test", gotModel)

	_, err = NewAnthropicScorer("", "m")
	assert.Error(t, err)
}

func TestLangchainEmbedder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"object": "list", "model": "test-embed",
			"data": [{"object": "embedding", "index": 0, "embedding": [0.1, 0.2, 0.3]}],
			"usage": {"prompt_tokens": 3, "total_tokens": 3}
		}`))
	}))
	defer srv.Close()

	e, err := NewLangchainEmbedder(EmbedderConfig{BaseURL: srv.URL, Model: "test-embed"})
	require.NoError(t, err)

	vec, err := e.Embed(context.Background(), "Azure AD outage")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)

	_, err = NewLangchainEmbedder(EmbedderConfig{})
	assert.Error(t, err)
}
