package bus

import (
	"sync"
	"time"
)

// DedupeCache remembers recently seen message ids so webhook retries do not
// enqueue the same message twice. Entries expire after the TTL; pruning
// happens inline on insert.
type DedupeCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	seen map[string]time.Time
}

// NewDedupeCache creates a cache with the given entry TTL.
func NewDedupeCache(ttl time.Duration) *DedupeCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &DedupeCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// Seen records the key and reports whether it was already present and
// unexpired.
func (c *DedupeCache) Seen(key string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	if at, ok := c.seen[key]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen[key] = now

	if len(c.seen) > 4096 {
		for k, at := range c.seen {
			if now.Sub(at) >= c.ttl {
				delete(c.seen, k)
			}
		}
	}
	return false
}

// Len reports the number of tracked keys, expired included.
func (c *DedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
