package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bvasystems/teste-agente/internal/agent"
	"github.com/bvasystems/teste-agente/internal/batch"
	"github.com/bvasystems/teste-agente/internal/bus"
	"github.com/bvasystems/teste-agente/internal/store"
	"github.com/bvasystems/teste-agente/internal/wa"
)

type fakeProvider struct {
	mu     sync.Mutex
	sent   []string
	marked []string
}

func (f *fakeProvider) SendText(_ context.Context, _, text, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeProvider) SendTyping(context.Context, string, time.Duration) error { return nil }

func (f *fakeProvider) MarkRead(_ context.Context, msg wa.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marked = append(f.marked, msg.ID)
	return nil
}

func (f *fakeProvider) DownloadMedia(context.Context, wa.Message) ([]byte, string, error) {
	return nil, "", nil
}

func (f *fakeProvider) InstanceID() string { return "test" }

func (f *fakeProvider) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeRunner struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeRunner) Run(context.Context, agent.Input, string) (agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return agent.Result{Reply: "ok"}, nil
}

func newTestRouter(t *testing.T, cfg Config) (*Router, *fakeProvider, *batch.Coordinator) {
	t.Helper()
	st, err := store.NewFileStore("")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	provider := &fakeProvider{}
	bcfg := batch.DefaultConfig()
	bcfg.BatchDelay = time.Hour // tests never want a real flush here
	bcfg.MaxBatchWait = time.Hour
	coord := batch.New(bcfg, st, &fakeRunner{}, provider, nil, batch.DefaultErrorPolicy(), slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		coord.Shutdown(ctx)
	})
	r := New(cfg, coord, provider, bus.NewDedupeCache(time.Minute), nil, slog.Default())
	return r, provider, coord
}

func inbound(id, text string) wa.Message {
	return wa.Message{
		ID:     id,
		ChatID: "5511988887777@s.whatsapp.net",
		Sender: "5511988887777",
		Kind:   wa.KindText,
		Text:   text,
	}
}

// TestHandle_DeduplicatesRetries verifies a redelivered webhook does not
// enqueue the same message twice.
func TestHandle_DeduplicatesRetries(t *testing.T) {
	r, provider, _ := newTestRouter(t, DefaultConfig())
	ctx := context.Background()

	msg := inbound("m1", "oi")
	if err := r.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := r.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle retry: %v", err)
	}

	provider.mu.Lock()
	marked := len(provider.marked)
	provider.mu.Unlock()
	if marked != 1 {
		t.Errorf("MarkRead called %d times, want 1", marked)
	}
}

// TestHandle_RateLimitNoticeOnce verifies the slow-down notice is sent
// exactly once when the user crosses the limit, not on every blocked
// message.
func TestHandle_RateLimitNoticeOnce(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerMinute = 2
	cfg.Cooldown = time.Minute
	r, provider, _ := newTestRouter(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		if err := r.Handle(ctx, inbound(fmt.Sprintf("m%d", i), "oi")); err != nil {
			t.Fatalf("Handle %d: %v", i, err)
		}
	}

	var notices int
	for _, text := range provider.sentTexts() {
		if strings.Contains(text, "muitas mensagens") {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("rate limit notice sent %d times, want 1", notices)
	}
}

// TestHandle_WelcomeOnFirstContact verifies the greeting goes out exactly
// once, on the user's first ever message.
func TestHandle_WelcomeOnFirstContact(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WelcomeMessage = "Olá! Bem-vindo ao atendimento da BVA."
	r, provider, _ := newTestRouter(t, cfg)
	ctx := context.Background()

	if err := r.Handle(ctx, inbound("m1", "oi")); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if err := r.Handle(ctx, inbound("m2", "tudo bem?")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	var welcomes int
	for _, text := range provider.sentTexts() {
		if strings.Contains(text, "Bem-vindo") {
			welcomes++
		}
	}
	if welcomes != 1 {
		t.Errorf("welcome sent %d times, want 1", welcomes)
	}
}

// TestHandle_EnqueueFailureFallsBack verifies a message still gets answered
// when the coordinator refuses it.
func TestHandle_EnqueueFailureFallsBack(t *testing.T) {
	r, provider, coord := newTestRouter(t, DefaultConfig())
	ctx := context.Background()

	// Shut the coordinator down so Enqueue returns ErrShuttingDown.
	shutdownCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := r.Handle(ctx, inbound("m1", "oi")); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	found := false
	for _, text := range provider.sentTexts() {
		if text == "ok" {
			found = true
		}
	}
	if !found {
		t.Error("message was not answered via the immediate path")
	}
}

// TestRouter_RetuneTightensAdmission verifies retuned admission knobs apply
// to the next message without rebuilding the router.
func TestRouter_RetuneTightensAdmission(t *testing.T) {
	r, provider, _ := newTestRouter(t, DefaultConfig())
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.MaxPerMinute = 1
	cfg.Cooldown = time.Minute
	r.Retune(cfg)

	if err := r.Handle(ctx, inbound("m1", "oi")); err != nil {
		t.Fatalf("Handle 1: %v", err)
	}
	if err := r.Handle(ctx, inbound("m2", "oi de novo")); err != nil {
		t.Fatalf("Handle 2: %v", err)
	}

	var notices int
	for _, text := range provider.sentTexts() {
		if strings.Contains(text, "muitas mensagens") {
			notices++
		}
	}
	if notices != 1 {
		t.Errorf("rate limit notice sent %d times, want 1 under retuned limit", notices)
	}
}
