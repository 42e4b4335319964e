// Package bus carries pipeline events to in-process subscribers. The
// gateway's websocket feed and the stats endpoint both hang off it.
package bus

import (
	"sync"
	"time"
)

// Event types published by the pipeline.
const (
	EventMessageReceived = "message.received"
	EventBatchFlushed    = "batch.flushed"
	EventRateLimited     = "rate.limited"
	EventAgentError      = "agent.error"
	EventReplySent       = "reply.sent"
)

// Event is one pipeline occurrence, safe to serialize to observers.
type Event struct {
	Type    string         `json:"type"`
	UserKey string         `json:"user_key,omitempty"`
	At      time.Time      `json:"at"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks: a subscriber
// that stops draining its channel loses events rather than stalling the
// pipeline.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a buffered event channel. The returned cancel func
// removes the subscription and closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, ch)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Publish delivers an event to every live subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
