// Package resilience provides the admission-control primitives used around
// outbound calls: a circuit breaker for fallible downstream dependencies and
// a sliding-window rate limiter for paced APIs.
package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes a circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures in closed state before opening
	RecoveryTimeout  time.Duration // how long to stay open before a half-open trial
	SuccessThreshold int           // successes in half-open state before closing
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitOpenError is returned when a call is rejected because the breaker
// is open. RetryAfter is the remaining time until a half-open trial.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker is open, retry after %.1fs", e.RetryAfter.Seconds())
}

// CircuitBreaker wraps a fallible operation and fails fast once the
// dependency behind it looks unhealthy. One instance per protected
// dependency, created at startup and kept for the process lifetime.
//
// The lock guards only the state machine — the wrapped operation runs
// outside it, so concurrent calls are not serialized.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	lastFailure  time.Time
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultBreakerConfig().RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultBreakerConfig().SuccessThreshold
	}
	return &CircuitBreaker{cfg: cfg, state: BreakerClosed}
}

// State returns the current breaker state.
func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Call executes op with breaker protection. When the breaker is open and the
// recovery timeout has not elapsed, op is never invoked and a
// *CircuitOpenError is returned.
func (b *CircuitBreaker) Call(ctx context.Context, op func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	if err := op(ctx); err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

// admit checks whether a call may proceed, transitioning open → half-open
// when the recovery timeout has elapsed.
func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return nil
	}

	elapsed := time.Since(b.lastFailure)
	if elapsed < b.cfg.RecoveryTimeout {
		return &CircuitOpenError{RetryAfter: b.cfg.RecoveryTimeout - elapsed}
	}

	b.state = BreakerHalfOpen
	b.successCount = 0
	return nil
}

func (b *CircuitBreaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failureCount = 0
		}
	case BreakerClosed:
		b.failureCount = 0
	}
}

func (b *CircuitBreaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailure = time.Now()

	switch b.state {
	case BreakerHalfOpen:
		// Any failure during a trial reopens immediately.
		b.state = BreakerOpen
	case BreakerClosed:
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
		}
	}
}
