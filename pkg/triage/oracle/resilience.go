package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/cognicore/triage/pkg/triage/metrics"
)

// RetryConfig bounds how long and how hard an oracle is tried.
type RetryConfig struct {
	Timeout           time.Duration `koanf:"timeout"` // per attempt
	MaxRetries        int           `koanf:"max_retries"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`

	RatePerSecond float64 `koanf:"rate_per_second"` // 0 = unlimited
	Burst         int     `koanf:"burst"`
	MaxConcurrent int     `koanf:"max_concurrent"` // 0 = unlimited

	FailureThreshold int           `koanf:"failure_threshold"` // 0 disables the breaker
	SuccessThreshold int           `koanf:"success_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
}

// DefaultRetryConfig returns conservative defaults for a remote model.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:           10 * time.Second,
		MaxRetries:        1,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		RatePerSecond:     10,
		Burst:             10,
		MaxConcurrent:     4,
		FailureThreshold:  5,
		SuccessThreshold:  2,
		OpenTimeout:       30 * time.Second,
	}
}

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned while the breaker is failing fast.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling an oracle that keeps failing.
type CircuitBreaker struct {
	mu sync.Mutex

	state            CircuitState
	failures         int
	successes        int
	openedAt         time.Time
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	if successThreshold <= 0 {
		successThreshold = 1
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openTimeout:      openTimeout,
		now:              time.Now,
	}
}

// Allow returns ErrCircuitOpen while the breaker is open and the open
// timeout has not elapsed. After it elapses the breaker lets trial calls through.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.openedAt) < cb.openTimeout {
			return ErrCircuitOpen
		}
		cb.state = CircuitHalfOpen
		cb.successes = 0
	}
	return nil
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = CircuitClosed
			cb.failures = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.open()
		}
	case CircuitHalfOpen:
		cb.open()
	}
}

func (cb *CircuitBreaker) open() {
	cb.state = CircuitOpen
	cb.successes = 0
	cb.openedAt = cb.now()
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Guard runs oracle calls under a rate limit, a concurrency cap, a circuit
// breaker and a per-attempt timeout with bounded retries.
type Guard struct {
	name    string
	cfg     RetryConfig
	limiter *rate.Limiter
	sem     *semaphore.Weighted
	breaker *CircuitBreaker
	logger  *zap.Logger
	metrics *metrics.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewGuard creates a guard for the named operation ("score", "embed").
func NewGuard(name string, cfg RetryConfig, logger *zap.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRetryConfig().Timeout
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = 1
	}
	g := &Guard{name: name, cfg: cfg, logger: logger, metrics: m, sleep: sleepCtx}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	if cfg.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrent))
	}
	if cfg.FailureThreshold > 0 {
		g.breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.SuccessThreshold, cfg.OpenTimeout)
	}
	return g
}

// Breaker exposes the circuit breaker, nil when disabled.
func (g *Guard) Breaker() *CircuitBreaker { return g.breaker }

// Do executes fn with retry and exponential backoff. The returned error is
// the last attempt's error; callers decide how to classify it.
func (g *Guard) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	start := time.Now()
	err := g.do(ctx, fn)

	result := "success"
	switch {
	case errors.Is(err, ErrCircuitOpen):
		result = "circuit_open"
	case err != nil:
		result = "error"
	}
	g.metrics.OracleCall(g.name, result, time.Since(start))
	return err
}

func (g *Guard) do(ctx context.Context, fn func(ctx context.Context) error) error {
	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("%s: acquire concurrency slot: %w", g.name, err)
		}
		defer g.sem.Release(1)
	}

	var lastErr error
	backoff := g.cfg.InitialBackoff

	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if g.breaker != nil {
			if err := g.breaker.Allow(); err != nil {
				return fmt.Errorf("%s: %w", g.name, err)
			}
		}
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%s: rate limit wait: %w", g.name, err)
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
		err := fn(attemptCtx)
		cancel()

		if err == nil {
			if g.breaker != nil {
				g.breaker.RecordSuccess()
			}
			return nil
		}
		lastErr = err

		retriable := isRetriable(err)
		if g.breaker != nil && retriable {
			g.breaker.RecordFailure()
		}
		if !retriable || attempt == g.cfg.MaxRetries {
			break
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", g.name, ctx.Err())
		}

		g.logger.Debug("oracle call failed, retrying",
			zap.String("op", g.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if err := g.sleep(ctx, backoff); err != nil {
			return fmt.Errorf("%s: %w", g.name, err)
		}
		backoff = time.Duration(float64(backoff) * g.cfg.BackoffMultiplier)
		if g.cfg.MaxBackoff > 0 && backoff > g.cfg.MaxBackoff {
			backoff = g.cfg.MaxBackoff
		}
	}

	return fmt.Errorf("%s failed: %w", g.name, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isRetriable reports whether err looks transient.
func isRetriable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrMalformedResponse) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"429", "rate limit", "500", "502", "503", "504", "overloaded",
		"connection refused", "connection reset", "timeout", "temporary failure", "unavailable"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
