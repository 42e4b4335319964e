package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bvasystems/teste-agente/internal/agent"
	"github.com/bvasystems/teste-agente/internal/session"
	"github.com/bvasystems/teste-agente/internal/store"
	"github.com/bvasystems/teste-agente/internal/wa"
)

type sentText struct {
	chatID, text, quoted string
}

type fakeProvider struct {
	mu       sync.Mutex
	sent     []sentText
	typing   int
	mediaErr error
}

func (f *fakeProvider) SendText(_ context.Context, chatID, text, quoted string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentText{chatID, text, quoted})
	return nil
}

func (f *fakeProvider) SendTyping(context.Context, string, time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing++
	return nil
}

func (f *fakeProvider) MarkRead(context.Context, wa.Message) error { return nil }

func (f *fakeProvider) DownloadMedia(context.Context, wa.Message) ([]byte, string, error) {
	if f.mediaErr != nil {
		return nil, "", f.mediaErr
	}
	return []byte{0x1}, "application/octet-stream", nil
}

func (f *fakeProvider) InstanceID() string { return "test" }

func (f *fakeProvider) sentTexts() []sentText {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentText(nil), f.sent...)
}

type fakeRunner struct {
	mu     sync.Mutex
	inputs []agent.Input
	reply  string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, in agent.Input, _ string) (agent.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return agent.Result{}, f.err
	}
	return agent.Result{Reply: f.reply, ContextID: "ctx-1"}, nil
}

func (f *fakeRunner) calls() []agent.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]agent.Input(nil), f.inputs...)
}

// batchSize reads the message count back out of an input's framing.
func batchSize(in agent.Input) int {
	if len(in.Parts) == 0 {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(in.Parts[0].Text, "[Batch of %d messages received together]", &n); err == nil {
		return n
	}
	return 1
}

func testCoordinator(t *testing.T, cfg Config, runner agent.Runner, provider wa.Provider) *Coordinator {
	t.Helper()
	st, err := store.NewFileStore("")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	c := New(cfg, st, runner, provider, nil, DefaultErrorPolicy(), slog.Default())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})
	return c
}

func msgN(i int) wa.Message {
	return wa.Message{
		ID:     fmt.Sprintf("m%d", i),
		ChatID: "5511988887777@s.whatsapp.net",
		Sender: "5511988887777",
		Kind:   wa.KindText,
		Text:   fmt.Sprintf("mensagem %d", i),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// TestCoordinator_BatchesQuickSuccession verifies messages arriving within
// the quiet period flush as a single batch, with the reply quoting the
// first message.
func TestCoordinator_BatchesQuickSuccession(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = 150 * time.Millisecond
	cfg.MaxBatchWait = 5 * time.Second
	cfg.TypingDuration = 0
	cfg.InterChunkDelay = 0

	runner := &fakeRunner{reply: "claro, posso ajudar!"}
	provider := &fakeProvider{}
	c := testCoordinator(t, cfg, runner, provider)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := c.Enqueue(ctx, msgN(i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		time.Sleep(40 * time.Millisecond)
	}

	waitFor(t, 3*time.Second, func() bool { return len(runner.calls()) >= 1 }, "flush")
	time.Sleep(300 * time.Millisecond)

	calls := runner.calls()
	if len(calls) != 1 {
		t.Fatalf("agent ran %d times, want 1", len(calls))
	}
	if got := batchSize(calls[0]); got != 3 {
		t.Errorf("batch size = %d, want 3", got)
	}

	sent := provider.sentTexts()
	if len(sent) != 1 {
		t.Fatalf("sent %d texts, want 1: %v", len(sent), sent)
	}
	if sent[0].quoted != "m1" {
		t.Errorf("reply quoted %q, want first message m1", sent[0].quoted)
	}
	if sent[0].text != "claro, posso ajudar!" {
		t.Errorf("reply text = %q", sent[0].text)
	}
}

// TestCoordinator_SizeThresholdFlushesEagerly verifies a flood flushes at
// max batch size without waiting for the quiet period, and the overflow
// lands in a second batch.
func TestCoordinator_SizeThresholdFlushesEagerly(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = 200 * time.Millisecond
	cfg.MaxBatchWait = 10 * time.Second
	cfg.MaxBatchSize = 10
	cfg.TypingDuration = 0
	cfg.InterChunkDelay = 0

	runner := &fakeRunner{reply: "ok"}
	provider := &fakeProvider{}
	c := testCoordinator(t, cfg, runner, provider)
	ctx := context.Background()

	for i := 1; i <= 12; i++ {
		if err := c.Enqueue(ctx, msgN(i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return len(runner.calls()) >= 2 }, "two flushes")
	calls := runner.calls()

	if got := batchSize(calls[0]); got != 10 {
		t.Errorf("first batch size = %d, want 10", got)
	}
	if got := batchSize(calls[1]); got != 2 {
		t.Errorf("second batch size = %d, want 2", got)
	}
}

// TestCoordinator_FailureClearsProcessing verifies an agent failure sends
// the generic notice and leaves the session ready for a fresh batch.
func TestCoordinator_FailureClearsProcessing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = 50 * time.Millisecond
	cfg.TypingDuration = 0

	runner := &fakeRunner{err: errors.New("connection reset by peer")}
	provider := &fakeProvider{}
	c := testCoordinator(t, cfg, runner, provider)
	ctx := context.Background()

	if err := c.Enqueue(ctx, msgN(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(provider.sentTexts()) >= 1 }, "error notice")

	sent := provider.sentTexts()
	if strings.Contains(sent[0].text, "connection reset") {
		t.Errorf("technical error leaked to user: %q", sent[0].text)
	}

	waitFor(t, 3*time.Second, func() bool {
		var processing bool
		err := c.WithSession(ctx, "5511988887777", func(s *session.Session) error {
			processing = s.IsProcessing
			return nil
		})
		return err == nil && !processing
	}, "processing flag cleared after failed flush")
}

// TestCoordinator_ShutdownClearsProcessing verifies shutdown cancels the
// worker mid-accumulation and clears the session's processing flag.
func TestCoordinator_ShutdownClearsProcessing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = time.Hour
	cfg.MaxBatchWait = time.Hour

	runner := &fakeRunner{reply: "ok"}
	provider := &fakeProvider{}
	st, _ := store.NewFileStore("")
	c := New(cfg, st, runner, provider, nil, DefaultErrorPolicy(), slog.Default())
	ctx := context.Background()

	if err := c.Enqueue(ctx, msgN(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	s, err := st.Get(ctx, "5511988887777")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.IsProcessing {
		t.Error("IsProcessing still set after shutdown")
	}

	if err := c.Enqueue(ctx, msgN(2)); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Enqueue after shutdown: %v, want ErrShuttingDown", err)
	}
}

// TestCoordinator_SingleMessageSkipsBatchFraming verifies a lone message is
// delivered to the agent without the batch header.
func TestCoordinator_SingleMessageSkipsBatchFraming(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = 50 * time.Millisecond
	cfg.TypingDuration = 0

	runner := &fakeRunner{reply: "oi!"}
	provider := &fakeProvider{}
	c := testCoordinator(t, cfg, runner, provider)

	if err := c.Enqueue(context.Background(), msgN(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(runner.calls()) >= 1 }, "flush")

	in := runner.calls()[0]
	if len(in.Parts) != 1 {
		t.Fatalf("got %d parts, want 1: %+v", len(in.Parts), in.Parts)
	}
	if strings.HasPrefix(in.Parts[0].Text, "[Batch of") {
		t.Errorf("single message carried batch framing: %q", in.Parts[0].Text)
	}
}

// slowRunner blocks until released and fails with the context's error when
// canceled, the way the HTTP runner behaves when its request is aborted.
type slowRunner struct {
	fakeRunner
	started chan struct{}
	release chan struct{}
}

func (r *slowRunner) Run(ctx context.Context, in agent.Input, _ string) (agent.Result, error) {
	r.mu.Lock()
	r.inputs = append(r.inputs, in)
	r.mu.Unlock()
	select {
	case r.started <- struct{}{}:
	default:
	}
	select {
	case <-ctx.Done():
		return agent.Result{}, ctx.Err()
	case <-r.release:
		return agent.Result{Reply: "pronto"}, nil
	}
}

// TestCoordinator_MessageDuringAgentRunKeepsReply verifies a message
// arriving while the agent is still processing the previous batch does not
// abort the in-flight run: both batches get real replies and the user never
// sees an error notice.
func TestCoordinator_MessageDuringAgentRunKeepsReply(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = 50 * time.Millisecond
	cfg.MaxBatchWait = 5 * time.Second
	cfg.TypingDuration = 0
	cfg.InterChunkDelay = 0

	runner := &slowRunner{started: make(chan struct{}, 1), release: make(chan struct{})}
	provider := &fakeProvider{}
	c := testCoordinator(t, cfg, runner, provider)
	ctx := context.Background()

	if err := c.Enqueue(ctx, msgN(1)); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	select {
	case <-runner.started:
	case <-time.After(3 * time.Second):
		t.Fatal("agent run did not start")
	}

	// Lands mid-run: must queue behind the flush, not replace the worker.
	if err := c.Enqueue(ctx, msgN(2)); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	close(runner.release)

	waitFor(t, 3*time.Second, func() bool { return len(provider.sentTexts()) >= 2 }, "both replies")
	time.Sleep(100 * time.Millisecond)

	calls := runner.calls()
	if len(calls) != 2 {
		t.Fatalf("agent ran %d times, want 2", len(calls))
	}
	for i, in := range calls {
		if got := batchSize(in); got != 1 {
			t.Errorf("batch %d size = %d, want 1", i+1, got)
		}
	}
	for _, s := range provider.sentTexts() {
		if s.text != "pronto" {
			t.Errorf("unexpected outbound text %q", s.text)
		}
	}
}

// TestCoordinator_RecoversOrphanedProcessingFlag verifies a session left
// marked processing by a dead process still gets a worker when the next
// message arrives.
func TestCoordinator_RecoversOrphanedProcessingFlag(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = 50 * time.Millisecond
	cfg.TypingDuration = 0

	runner := &fakeRunner{reply: "ok"}
	provider := &fakeProvider{}
	c := testCoordinator(t, cfg, runner, provider)
	ctx := context.Background()

	err := c.WithSession(ctx, "5511988887777", func(s *session.Session) error {
		s.BeginBatch(time.Now().UTC(), cfg.MaxBatchWait)
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}

	if err := c.Enqueue(ctx, msgN(1)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool { return len(runner.calls()) >= 1 }, "flush despite stale flag")
}

// TestCoordinator_RetuneAppliesToNewBatches verifies retuned knobs take
// effect without restarting the coordinator.
func TestCoordinator_RetuneAppliesToNewBatches(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = time.Hour
	cfg.MaxBatchWait = time.Hour
	cfg.TypingDuration = 0

	runner := &fakeRunner{reply: "ok"}
	provider := &fakeProvider{}
	c := testCoordinator(t, cfg, runner, provider)
	ctx := context.Background()

	retuned := cfg
	retuned.MaxBatchSize = 2
	c.Retune(retuned)

	if err := c.Enqueue(ctx, msgN(1)); err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := c.Enqueue(ctx, msgN(2)); err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(runner.calls()) >= 1 }, "flush at retuned threshold")
	if got := batchSize(runner.calls()[0]); got != 2 {
		t.Errorf("batch size = %d, want 2", got)
	}
}

// TestCoordinator_ShutdownDuringEnqueueBurst exercises shutdown racing a
// stream of concurrent enqueues across several users.
func TestCoordinator_ShutdownDuringEnqueueBurst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchDelay = 20 * time.Millisecond
	cfg.TypingDuration = 0
	cfg.InterChunkDelay = 0

	runner := &fakeRunner{reply: "ok"}
	provider := &fakeProvider{}
	st, err := store.NewFileStore("")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	c := New(cfg, st, runner, provider, nil, DefaultErrorPolicy(), slog.Default())
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 1; i <= 25; i++ {
				msg := msgN(i)
				msg.Sender = fmt.Sprintf("55119888877%02d", g)
				msg.ChatID = msg.Sender + "@s.whatsapp.net"
				if err := c.Enqueue(ctx, msg); errors.Is(err, ErrShuttingDown) {
					return
				}
			}
		}(g)
	}

	time.Sleep(30 * time.Millisecond)
	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	wg.Wait()

	waitFor(t, 3*time.Second, func() bool {
		sessions, err := st.List(ctx)
		if err != nil {
			return false
		}
		for _, s := range sessions {
			if s.IsProcessing {
				return false
			}
		}
		return true
	}, "all sessions idle after shutdown")
}
