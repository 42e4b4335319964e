// Package router is the inbound entry point: it takes normalized webhook
// messages and decides what happens to each one. The path is dedupe, read
// receipt, admission, welcome gate, then hand-off to the batch coordinator.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bvasystems/teste-agente/internal/batch"
	"github.com/bvasystems/teste-agente/internal/bus"
	"github.com/bvasystems/teste-agente/internal/session"
	"github.com/bvasystems/teste-agente/internal/wa"
)

// Config holds the admission and greeting knobs.
type Config struct {
	// MaxPerMinute bounds admitted messages per user per minute window.
	MaxPerMinute int
	// Cooldown is how long a user stays blocked after exceeding the limit.
	Cooldown time.Duration
	// RateLimitNotice is sent once when a user crosses into the cooldown.
	RateLimitNotice string
	// WelcomeMessage greets a user's first contact. Empty disables it.
	WelcomeMessage string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerMinute: 20,
		Cooldown:     time.Minute,
		RateLimitNotice: "Você enviou muitas mensagens em pouco tempo. " +
			"Aguarde um minuto antes de continuar, por favor.",
	}
}

// Router orchestrates the inbound path for one gateway instance.
type Router struct {
	mu       sync.Mutex
	cfg      Config
	coord    *batch.Coordinator
	provider wa.Provider
	dedupe   *bus.DedupeCache
	events   *bus.Bus
	log      *slog.Logger
}

// New wires a router. events may be nil.
func New(cfg Config, coord *batch.Coordinator, provider wa.Provider, dedupe *bus.DedupeCache, events *bus.Bus, log *slog.Logger) *Router {
	if events == nil {
		events = bus.New()
	}
	return &Router{
		cfg:      cfg,
		coord:    coord,
		provider: provider,
		dedupe:   dedupe,
		events:   events,
		log:      log.With("component", "router"),
	}
}

// config returns a snapshot of the current knobs.
func (r *Router) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Retune swaps the admission and greeting knobs at runtime.
func (r *Router) Retune(cfg Config) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

// Handle processes one inbound message end to end. Admission rejections are
// not errors; the returned error only reports conditions the webhook
// handler should log.
func (r *Router) Handle(ctx context.Context, msg wa.Message) error {
	log := r.log.With("user", msg.Sender, "message_id", msg.ID)

	if r.dedupe.Seen(dedupeKey(r.provider.InstanceID(), msg)) {
		log.Debug("duplicate webhook delivery ignored")
		return nil
	}

	if err := r.provider.MarkRead(ctx, msg); err != nil {
		log.Warn("mark read failed", "error", err)
	}

	cfg := r.config()
	now := time.Now().UTC()
	var admitted, justLimited, firstContact bool
	err := r.coord.WithSession(ctx, msg.Sender, func(s *session.Session) error {
		wasLimited := s.IsRateLimited
		admitted = s.Admit(now, cfg.MaxPerMinute, cfg.Cooldown)
		justLimited = !admitted && !wasLimited && s.IsRateLimited
		firstContact = admitted && s.MessageCount == 0 && len(s.PendingMessages) == 0
		return nil
	})
	if err != nil {
		// Session store is unreachable; answer the message anyway.
		log.Error("session admission failed, processing immediately", "error", err)
		return r.coord.ProcessImmediately(ctx, msg)
	}

	if !admitted {
		if justLimited {
			log.Info("user rate limited")
			r.events.Publish(bus.Event{Type: bus.EventRateLimited, UserKey: msg.Sender})
			if err := r.provider.SendText(ctx, msg.ChatID, cfg.RateLimitNotice, msg.ID); err != nil {
				log.Warn("rate limit notice failed", "error", err)
			}
		}
		return nil
	}

	if firstContact && cfg.WelcomeMessage != "" {
		if err := r.provider.SendText(ctx, msg.ChatID, cfg.WelcomeMessage, ""); err != nil {
			log.Warn("welcome message failed", "error", err)
		}
	}

	if err := r.coord.Enqueue(ctx, msg); err != nil {
		log.Error("enqueue failed, processing immediately", "error", err)
		if procErr := r.coord.ProcessImmediately(ctx, msg); procErr != nil {
			return fmt.Errorf("immediate processing after enqueue failure: %w", procErr)
		}
	}
	return nil
}

func dedupeKey(instance string, msg wa.Message) string {
	return instance + "|" + msg.ChatID + "|" + msg.ID
}
