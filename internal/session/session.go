// Package session holds per-user conversation state: the pending message
// queue, activity timestamps, per-minute rate-limit counters and the batch
// deadline. A Session is pure data plus transition logic; locking and
// persistence are the caller's job (see internal/batch).
package session

import (
	"time"

	"github.com/google/uuid"

	"github.com/bvasystems/teste-agente/internal/wa"
)

// Session tracks one end user, keyed by phone number.
type Session struct {
	ID      string `json:"id"`
	UserKey string `json:"user_key"`

	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`

	// MessageCount counts messages delivered downstream, not raw inbound
	// webhooks. The welcome gate keys off it being zero.
	MessageCount int `json:"message_count"`

	PendingMessages []wa.Message `json:"pending_messages,omitempty"`

	IsProcessing   bool       `json:"is_processing"`
	BatchStartedAt *time.Time `json:"batch_started_at,omitempty"`
	BatchTimeoutAt *time.Time `json:"batch_timeout_at,omitempty"`

	MessagesInCurrentMinute int        `json:"messages_in_current_minute"`
	CurrentMinuteStart      *time.Time `json:"current_minute_start,omitempty"`
	IsRateLimited           bool       `json:"is_rate_limited"`
	RateLimitUntil          *time.Time `json:"rate_limit_until,omitempty"`
	LastMessageAt           *time.Time `json:"last_message_at,omitempty"`

	// ExternalContextID references the agent-side conversation context,
	// created lazily on the first flush.
	ExternalContextID string `json:"external_context_id,omitempty"`
}

// New creates a fresh session for a user key.
func New(userKey string, now time.Time) *Session {
	return &Session{
		ID:           uuid.NewString(),
		UserKey:      userKey,
		StartedAt:    now,
		LastActivity: now,
	}
}

// Admit applies the per-minute admission policy and reports whether the
// message may proceed. Exactly maxPerMinute messages pass in a window; the
// next one activates the cooldown. Once the cooldown expires the counters
// reset and the window restarts.
func (s *Session) Admit(now time.Time, maxPerMinute int, cooldown time.Duration) bool {
	if s.IsRateLimited {
		if s.RateLimitUntil != nil && now.Before(*s.RateLimitUntil) {
			return false
		}
		s.IsRateLimited = false
		s.RateLimitUntil = nil
		s.MessagesInCurrentMinute = 0
		s.CurrentMinuteStart = nil
	}

	if s.CurrentMinuteStart == nil || now.Sub(*s.CurrentMinuteStart) >= time.Minute {
		start := now
		s.CurrentMinuteStart = &start
		s.MessagesInCurrentMinute = 0
	}

	s.MessagesInCurrentMinute++
	if s.MessagesInCurrentMinute > maxPerMinute {
		until := now.Add(cooldown)
		s.IsRateLimited = true
		s.RateLimitUntil = &until
		return false
	}

	at := now
	s.LastMessageAt = &at
	return true
}

// AddPending appends a message to the batch queue and refreshes the
// quiet-period clock.
func (s *Session) AddPending(msg wa.Message, now time.Time) {
	s.PendingMessages = append(s.PendingMessages, msg)
	s.LastActivity = now
}

// ShouldFlush reports whether the accumulated batch is ready. The hard
// deadline set at BeginBatch wins over the quiet-period heuristic, so a
// steady trickle of messages cannot delay a flush forever.
func (s *Session) ShouldFlush(now time.Time, batchDelay, maxWait time.Duration) bool {
	if len(s.PendingMessages) == 0 {
		return false
	}
	if s.BatchTimeoutAt != nil && !now.Before(*s.BatchTimeoutAt) {
		return true
	}
	return now.Sub(s.LastActivity) >= batchDelay
}

// BeginBatch marks the session as owned by a flush worker and arms the hard
// deadline.
func (s *Session) BeginBatch(now time.Time, maxWait time.Duration) {
	deadline := now.Add(maxWait)
	s.IsProcessing = true
	s.BatchStartedAt = &now
	s.BatchTimeoutAt = &deadline
}

// EndBatch releases the session after a flush attempt. Safe to call twice.
func (s *Session) EndBatch() {
	s.IsProcessing = false
	s.BatchStartedAt = nil
	s.BatchTimeoutAt = nil
}

// Drain atomically empties the pending queue and returns it in arrival
// order. A second call returns nil until new messages arrive.
func (s *Session) Drain() []wa.Message {
	msgs := s.PendingMessages
	s.PendingMessages = nil
	return msgs
}
