package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bvasystems/teste-agente/internal/resilience"
)

func newTestRunner(t *testing.T, handler http.HandlerFunc) *HTTPRunner {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPRunner(
		RunnerConfig{BaseURL: srv.URL, APIKey: "test-key"},
		resilience.NewCircuitBreaker(resilience.DefaultBreakerConfig()),
		resilience.NewCallLimiter(resilience.LimiterConfig{Calls: 100, Period: time.Second}),
		slog.Default(),
	)
}

// TestHTTPRunner_Run verifies the request shape and response decoding for a
// successful turn.
func TestHTTPRunner_Run(t *testing.T) {
	var gotReq runRequest
	r := newTestRunner(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/v1/run" {
			t.Errorf("path = %s, want /v1/run", req.URL.Path)
		}
		if auth := req.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := json.NewDecoder(req.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(Result{Reply: "olá!", ContextID: "ctx-42"})
	})

	in := Input{
		UserKey:  "5511988887777",
		UserName: "Ana",
		Parts: []Part{
			{Kind: PartText, Text: "oi"},
			{Kind: PartImage, Data: []byte{0xff, 0xd8}, MimeType: "image/jpeg"},
		},
	}
	res, err := r.Run(context.Background(), in, "")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reply != "olá!" || res.ContextID != "ctx-42" {
		t.Errorf("Result = %+v", res)
	}
	if gotReq.ContextID != "" {
		t.Errorf("first turn sent context_id %q, want empty", gotReq.ContextID)
	}
	if len(gotReq.Parts) != 2 || gotReq.Parts[1].Data == "" {
		t.Errorf("parts not encoded: %+v", gotReq.Parts)
	}
}

// TestHTTPRunner_ServerErrorTripsBreaker verifies repeated 5xx responses
// open the circuit so later calls fail fast.
func TestHTTPRunner_ServerErrorTripsBreaker(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	r := NewHTTPRunner(
		RunnerConfig{BaseURL: srv.URL},
		resilience.NewCircuitBreaker(resilience.BreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1}),
		resilience.NewCallLimiter(resilience.LimiterConfig{Calls: 100, Period: time.Second}),
		slog.Default(),
	)

	ctx := context.Background()
	in := Input{UserKey: "u", Parts: []Part{{Kind: PartText, Text: "oi"}}}
	for i := 0; i < 2; i++ {
		if _, err := r.Run(ctx, in, ""); err == nil {
			t.Fatalf("call %d succeeded against a 502 server", i)
		}
	}

	_, err := r.Run(ctx, in, "")
	var openErr *resilience.CircuitOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("got %v, want *CircuitOpenError", err)
	}
	if calls != 2 {
		t.Errorf("server saw %d calls, want 2 (third must fail fast)", calls)
	}
}
