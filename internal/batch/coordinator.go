// Package batch accumulates inbound messages per user and flushes them to
// the agent as one conversation unit. One background worker runs per user
// with an active batch; the worker sleeps until the next relevant deadline
// and is nudged when new messages arrive, so there is no fixed-interval
// polling.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bvasystems/teste-agente/internal/agent"
	"github.com/bvasystems/teste-agente/internal/bus"
	"github.com/bvasystems/teste-agente/internal/resilience"
	"github.com/bvasystems/teste-agente/internal/session"
	"github.com/bvasystems/teste-agente/internal/store"
	"github.com/bvasystems/teste-agente/internal/wa"
)

// ErrShuttingDown is returned by Enqueue once Shutdown has begun.
var ErrShuttingDown = errors.New("coordinator shutting down")

// Config holds the batching knobs.
type Config struct {
	// BatchDelay is the quiet period after the last message before a flush.
	BatchDelay time.Duration
	// MaxBatchWait caps the total accumulation time once a batch starts.
	MaxBatchWait time.Duration
	// MaxBatchSize flushes eagerly regardless of timing once reached.
	MaxBatchSize int
	// TypingDuration is how long the composing presence shows before the
	// agent call.
	TypingDuration time.Duration
	// InterChunkDelay paces consecutive reply chunks.
	InterChunkDelay time.Duration
	// MaxMessageLength bounds one outbound text chunk.
	MaxMessageLength int
	// ShutdownGrace bounds how long Shutdown waits for workers to stop.
	ShutdownGrace time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BatchDelay:       2 * time.Second,
		MaxBatchWait:     40 * time.Second,
		MaxBatchSize:     10,
		TypingDuration:   3 * time.Second,
		InterChunkDelay:  500 * time.Millisecond,
		MaxMessageLength: wa.MaxMessageLength,
		ShutdownGrace:    10 * time.Second,
	}
}

// userEntry bundles everything owned per user key: the lock serializing
// session mutations and the current worker handle.
type userEntry struct {
	mu     sync.Mutex
	notify chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// Coordinator owns the per-user batching workers.
type Coordinator struct {
	store    store.SessionStore
	runner   agent.Runner
	provider wa.Provider
	events   *bus.Bus
	policy   ErrorPolicy
	log      *slog.Logger

	mu     sync.Mutex
	cfg    Config
	users  map[string]*userEntry
	closed bool
}

// New creates a coordinator. The bus may be nil when nothing observes
// events.
func New(cfg Config, st store.SessionStore, runner agent.Runner, provider wa.Provider, events *bus.Bus, policy ErrorPolicy, log *slog.Logger) *Coordinator {
	if events == nil {
		events = bus.New()
	}
	return &Coordinator{
		cfg:      cfg,
		store:    st,
		runner:   runner,
		provider: provider,
		events:   events,
		policy:   policy,
		log:      log.With("component", "batch"),
		users:    make(map[string]*userEntry),
	}
}

// config returns a snapshot of the current tuning.
func (c *Coordinator) config() Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Retune swaps the batching knobs at runtime. Workers pick the new values
// up on their next decision point; a batch already accumulating keeps its
// original hard deadline.
func (c *Coordinator) Retune(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

func (c *Coordinator) entry(userKey string) *userEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.users[userKey]
	if !ok {
		e = &userEntry{notify: make(chan struct{}, 1)}
		c.users[userKey] = e
	}
	return e
}

// workerAlive reports whether the entry currently has a running worker.
func (c *Coordinator) workerAlive(e *userEntry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.done == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// WithSession runs fn against the user's session as one locked
// load-mutate-persist unit. The session is created on first use.
func (c *Coordinator) WithSession(ctx context.Context, userKey string, fn func(*session.Session) error) error {
	e := c.entry(userKey)
	e.mu.Lock()
	defer e.mu.Unlock()

	s, err := c.store.Get(ctx, userKey)
	if errors.Is(err, store.ErrNotFound) {
		s = session.New(userKey, time.Now().UTC())
	} else if err != nil {
		return fmt.Errorf("load session %s: %w", userKey, err)
	}
	if err := fn(s); err != nil {
		return err
	}
	if err := c.store.Put(ctx, s); err != nil {
		return fmt.Errorf("persist session %s: %w", userKey, err)
	}
	return nil
}

// Enqueue appends a message to the user's pending queue and makes sure
// exactly one worker is accumulating for them. A session marked processing
// with no live worker (crash before the flush finished) is recovered here
// rather than left stuck.
func (c *Coordinator) Enqueue(ctx context.Context, msg wa.Message) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrShuttingDown
	}
	c.mu.Unlock()

	cfg := c.config()
	e := c.entry(msg.Sender)
	alive := c.workerAlive(e)

	now := time.Now().UTC()
	started := false
	err := c.WithSession(ctx, msg.Sender, func(s *session.Session) error {
		s.AddPending(msg, now)
		if !s.IsProcessing || !alive {
			s.BeginBatch(now, cfg.MaxBatchWait)
			started = true
		}
		return nil
	})
	if err != nil {
		return err
	}

	if started {
		c.startWorker(msg.Sender, e)
	} else {
		// Wake the worker so the size threshold is checked on arrival, not
		// on the next timer tick.
		select {
		case e.notify <- struct{}{}:
		default:
		}
	}

	c.events.Publish(bus.Event{
		Type:    bus.EventMessageReceived,
		UserKey: msg.Sender,
		Fields:  map[string]any{"kind": string(msg.Kind), "message_id": msg.ID},
	})
	return nil
}

// startWorker replaces any stale worker handle for the key and launches a
// fresh one. The stale worker is canceled and awaited first so two flush
// loops never race on one session.
func (c *Coordinator) startWorker(userKey string, e *userEntry) {
	c.mu.Lock()
	stale, staleDone := e.cancel, e.done
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	done := make(chan struct{})
	e.done = done
	grace := c.cfg.ShutdownGrace
	c.mu.Unlock()

	if stale != nil {
		stale()
		select {
		case <-staleDone:
		case <-time.After(grace):
			c.log.Warn("stale batch worker did not stop in time", "user", userKey)
		}
	}

	go c.worker(ctx, userKey, e, done)
}

// worker accumulates until the batch is ready, flushes, and keeps going as
// long as messages arrived while the agent was running. The session stays
// in the processing state for the whole flush, so Enqueue never replaces a
// worker with a live agent call in flight.
func (c *Coordinator) worker(ctx context.Context, userKey string, e *userEntry, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("batch worker panic", "user", userKey, "panic", r)
			c.clearProcessing(userKey)
		}
	}()

	log := c.log.With("user", userKey)
	for {
		wait, flushNow, err := c.nextWake(userKey)
		if err != nil {
			log.Error("reload session", "error", err)
			wait = time.Second
		}
		if flushNow {
			if err := c.flush(ctx, userKey); err != nil {
				log.Error("drain batch", "error", err)
				c.clearProcessing(userKey)
				return
			}
			again, err := c.rearm(userKey)
			if err != nil {
				log.Error("close out batch", "error", err)
				return
			}
			if !again {
				return
			}
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			c.clearProcessing(userKey)
			return
		case <-e.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// nextWake reloads the session and either reports that the batch is ready
// or computes how long to sleep until the next decision point.
func (c *Coordinator) nextWake(userKey string) (time.Duration, bool, error) {
	cfg := c.config()
	var wait time.Duration
	var flushNow bool
	err := c.WithSession(context.Background(), userKey, func(s *session.Session) error {
		now := time.Now().UTC()
		if len(s.PendingMessages) >= cfg.MaxBatchSize || s.ShouldFlush(now, cfg.BatchDelay, cfg.MaxBatchWait) {
			flushNow = true
			return nil
		}
		wait = s.LastActivity.Add(cfg.BatchDelay).Sub(now)
		if s.BatchTimeoutAt != nil {
			if hard := s.BatchTimeoutAt.Sub(now); hard < wait {
				wait = hard
			}
		}
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		return nil
	})
	return wait, flushNow, err
}

// rearm closes out a finished flush. Messages that arrived while the agent
// was running restart the batch window and keep the worker going; otherwise
// the session leaves the processing state.
func (c *Coordinator) rearm(userKey string) (bool, error) {
	cfg := c.config()
	var again bool
	err := c.WithSession(context.Background(), userKey, func(s *session.Session) error {
		if len(s.PendingMessages) > 0 {
			s.BeginBatch(time.Now().UTC(), cfg.MaxBatchWait)
			again = true
			return nil
		}
		s.EndBatch()
		return nil
	})
	return again, err
}

// flush drains the queue, hands it to the agent and delivers the reply.
// The session keeps is_processing set throughout; the worker's rearm call
// releases it afterwards. Only a drain failure is returned; downstream
// failures are reported to the user and absorbed here.
func (c *Coordinator) flush(ctx context.Context, userKey string) error {
	cfg := c.config()
	ctx, span := otel.Tracer("agente/batch").Start(ctx, "batch.flush",
		trace.WithAttributes(attribute.String("user_key", userKey)))
	defer span.End()

	log := c.log.With("user", userKey)

	var msgs []wa.Message
	var contextID string
	err := c.WithSession(context.Background(), userKey, func(s *session.Session) error {
		msgs = s.Drain()
		s.MessageCount += len(msgs)
		contextID = s.ExternalContextID
		return nil
	})
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	first := msgs[0]
	span.SetAttributes(attribute.Int("batch.size", len(msgs)))
	log.Info("flushing batch", "size", len(msgs))

	if err := c.provider.SendTyping(ctx, first.ChatID, cfg.TypingDuration); err != nil {
		log.Warn("typing indicator failed", "error", err)
	}

	in := ToInput(ctx, msgs, c.provider, log)
	res, err := c.runner.Run(ctx, in, contextID)
	if err != nil {
		span.RecordError(err)
		c.handleFlushError(ctx, first, len(msgs), err)
		return nil
	}

	if res.ContextID != "" && res.ContextID != contextID {
		if err := c.WithSession(context.Background(), userKey, func(s *session.Session) error {
			s.ExternalContextID = res.ContextID
			return nil
		}); err != nil {
			log.Warn("persist context id", "error", err)
		}
	}

	c.sendReply(ctx, first, res.Reply)
	c.events.Publish(bus.Event{
		Type:    bus.EventBatchFlushed,
		UserKey: userKey,
		Fields:  map[string]any{"size": len(msgs)},
	})
	return nil
}

// handleFlushError tells the user something went wrong. A circuit-open
// rejection stays silent: the gateway will be back shortly and a notice
// would just be noise on every queued batch. Cancellation (shutdown) is
// not a downstream failure and stays silent too.
func (c *Coordinator) handleFlushError(ctx context.Context, first wa.Message, size int, err error) {
	c.log.Error("agent run failed", "user", first.Sender, "batch_size", size, "error", err)
	c.events.Publish(bus.Event{
		Type:    bus.EventAgentError,
		UserKey: first.Sender,
		Fields:  map[string]any{"error": err.Error()},
	})

	var open *resilience.CircuitOpenError
	if errors.As(err, &open) || errors.Is(err, context.Canceled) {
		return
	}
	if sendErr := c.provider.SendText(ctx, first.ChatID, c.policy.Notice(err), first.ID); sendErr != nil {
		c.log.Error("error notice failed", "user", first.Sender, "error", sendErr)
	}
}

// sendReply splits the agent reply into chunks and delivers them in order,
// quoting the first inbound message on the first chunk.
func (c *Coordinator) sendReply(ctx context.Context, first wa.Message, reply string) {
	cfg := c.config()
	chunks := wa.SplitMessage(reply, cfg.MaxMessageLength)
	for i, chunk := range chunks {
		quoted := ""
		if i == 0 {
			quoted = first.ID
		}
		if err := c.provider.SendText(ctx, first.ChatID, chunk, quoted); err != nil {
			c.log.Error("send reply chunk", "user", first.Sender, "chunk", i, "error", err)
			return
		}
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(cfg.InterChunkDelay):
			}
		}
	}
	if len(chunks) > 0 {
		c.events.Publish(bus.Event{
			Type:    bus.EventReplySent,
			UserKey: first.Sender,
			Fields:  map[string]any{"chunks": len(chunks)},
		})
	}
}

// ProcessImmediately runs a single message through the agent without
// batching. The inbound handler falls back to this when enqueueing fails,
// so the message is answered instead of dropped.
func (c *Coordinator) ProcessImmediately(ctx context.Context, msg wa.Message) error {
	cfg := c.config()
	var contextID string
	if err := c.WithSession(ctx, msg.Sender, func(s *session.Session) error {
		contextID = s.ExternalContextID
		s.MessageCount++
		return nil
	}); err != nil {
		c.log.Warn("load context for immediate processing", "user", msg.Sender, "error", err)
	}

	if err := c.provider.SendTyping(ctx, msg.ChatID, cfg.TypingDuration); err != nil {
		c.log.Warn("typing indicator failed", "user", msg.Sender, "error", err)
	}

	in := ToInput(ctx, []wa.Message{msg}, c.provider, c.log)
	res, err := c.runner.Run(ctx, in, contextID)
	if err != nil {
		c.handleFlushError(ctx, msg, 1, err)
		return err
	}
	if res.ContextID != "" && res.ContextID != contextID {
		if err := c.WithSession(ctx, msg.Sender, func(s *session.Session) error {
			s.ExternalContextID = res.ContextID
			return nil
		}); err != nil {
			c.log.Warn("persist context id", "user", msg.Sender, "error", err)
		}
	}
	c.sendReply(ctx, msg, res.Reply)
	return nil
}

func (c *Coordinator) clearProcessing(userKey string) {
	err := c.WithSession(context.Background(), userKey, func(s *session.Session) error {
		s.EndBatch()
		return nil
	})
	if err != nil {
		c.log.Error("clear processing state", "user", userKey, "error", err)
	}
}

// Evict drops the per-user registry entry, canceling its worker if one is
// running. Called when the session itself is deleted.
func (c *Coordinator) Evict(userKey string) {
	c.mu.Lock()
	var cancel context.CancelFunc
	if e, ok := c.users[userKey]; ok {
		delete(c.users, userKey)
		cancel = e.cancel
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ActiveUsers reports how many user keys the coordinator currently tracks.
func (c *Coordinator) ActiveUsers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

// workerHandle is a point-in-time copy of one entry's worker state, taken
// under the coordinator lock so Shutdown never races startWorker.
type workerHandle struct {
	key    string
	cancel context.CancelFunc
	done   chan struct{}
}

// Shutdown cancels every worker and waits for them up to ShutdownGrace. It
// then proactively clears processing state for all tracked users, so no
// session is left stuck after restart.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	grace := c.cfg.ShutdownGrace
	handles := make([]workerHandle, 0, len(c.users))
	for k, e := range c.users {
		handles = append(handles, workerHandle{key: k, cancel: e.cancel, done: e.done})
	}
	c.mu.Unlock()

	for _, h := range handles {
		if h.cancel != nil {
			h.cancel()
		}
	}

	deadline := time.After(grace)
	for _, h := range handles {
		if h.done == nil {
			continue
		}
		select {
		case <-h.done:
		case <-deadline:
			c.log.Warn("batch worker leaked at shutdown", "user", h.key)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for _, h := range handles {
		c.clearProcessing(h.key)
	}
	return nil
}
