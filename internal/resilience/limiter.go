package resilience

import (
	"context"
	"sync"
	"time"
)

// LimiterConfig tunes a CallLimiter: at most Calls acquisitions per Period.
type LimiterConfig struct {
	Calls  int
	Period time.Duration
}

// DefaultLimiterConfig returns the limiter defaults.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{Calls: 10, Period: time.Second}
}

// CallLimiter is a sliding-window rate limiter for outbound calls. Acquire
// never rejects — callers are suspended until a slot frees up, so the
// limiter provides pure backpressure. One instance per protected operation
// category.
type CallLimiter struct {
	cfg LimiterConfig

	mu    sync.Mutex
	calls []time.Time
}

// NewCallLimiter creates a limiter allowing cfg.Calls per cfg.Period.
func NewCallLimiter(cfg LimiterConfig) *CallLimiter {
	if cfg.Calls <= 0 {
		cfg.Calls = DefaultLimiterConfig().Calls
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultLimiterConfig().Period
	}
	return &CallLimiter{cfg: cfg}
}

// Acquire blocks until a call slot is available or ctx is done. On success
// the current time is recorded as a new call.
func (l *CallLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()

		// Drop calls that have left the window.
		cutoff := now.Add(-l.cfg.Period)
		kept := l.calls[:0]
		for _, t := range l.calls {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		l.calls = kept

		if len(l.calls) < l.cfg.Calls {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}

		// Wait until the oldest retained call exits the window, then
		// re-check: another waiter may have grabbed the slot first.
		wait := l.cfg.Period - now.Sub(l.calls[0])
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Pending reports how many calls are currently inside the window.
func (l *CallLimiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-l.cfg.Period)
	n := 0
	for _, t := range l.calls {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
