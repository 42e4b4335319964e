package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// maxTrackedKeys caps tracked rate-limit keys so rotating source IPs
	// cannot exhaust memory.
	maxTrackedKeys = 4096

	perKeyWindow  = 60 * time.Second
	perKeyMaxHits = 120
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// WebhookRateLimiter protects the webhook endpoint. A token bucket bounds
// total throughput; a bounded per-key window stops any single source from
// eating the whole budget.
type WebhookRateLimiter struct {
	global *rate.Limiter

	mu      sync.Mutex
	entries map[string]*rateLimitEntry
}

// NewWebhookRateLimiter creates a limiter with the given requests-per-minute
// budget. rpm <= 0 disables the global bucket.
func NewWebhookRateLimiter(rpm int) *WebhookRateLimiter {
	l := &WebhookRateLimiter{entries: make(map[string]*rateLimitEntry)}
	if rpm > 0 {
		l.global = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm/10+1)
	}
	return l
}

// Allow reports whether a request from key may proceed.
func (r *WebhookRateLimiter) Allow(key string) bool {
	if r.global != nil && !r.global.Allow() {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= perKeyWindow {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= perKeyWindow {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= perKeyMaxHits
}
