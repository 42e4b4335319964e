package agent

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bvasystems/teste-agente/internal/resilience"
)

// HTTPRunner talks to the agent service over REST. Calls go through the
// circuit breaker and the sliding-window limiter, so a degraded agent
// backend fails fast instead of piling up workers.
type HTTPRunner struct {
	cfg     RunnerConfig
	http    *http.Client
	breaker *resilience.CircuitBreaker
	limiter *resilience.CallLimiter
	log     *slog.Logger
}

// NewHTTPRunner builds a runner for the configured agent endpoint.
func NewHTTPRunner(cfg RunnerConfig, breaker *resilience.CircuitBreaker, limiter *resilience.CallLimiter, log *slog.Logger) *HTTPRunner {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPRunner{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		limiter: limiter,
		log:     log.With("component", "agent"),
	}
}

type runRequest struct {
	ContextID string    `json:"context_id,omitempty"`
	UserKey   string    `json:"user_key"`
	UserName  string    `json:"user_name,omitempty"`
	Parts     []runPart `json:"parts"`
}

type runPart struct {
	Kind     string `json:"kind"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Run executes one turn against the agent service.
func (r *HTTPRunner) Run(ctx context.Context, in Input, contextID string) (Result, error) {
	if err := r.limiter.Acquire(ctx); err != nil {
		return Result{}, err
	}

	req := runRequest{
		ContextID: contextID,
		UserKey:   in.UserKey,
		UserName:  in.UserName,
		Parts:     make([]runPart, 0, len(in.Parts)),
	}
	for _, p := range in.Parts {
		rp := runPart{Kind: string(p.Kind), Text: p.Text, MimeType: p.MimeType, Filename: p.Filename}
		if len(p.Data) > 0 {
			rp.Data = base64.StdEncoding.EncodeToString(p.Data)
		}
		req.Parts = append(req.Parts, rp)
	}

	var out Result
	err := r.breaker.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("encode agent request: %w", err)
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/run", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if r.cfg.APIKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
		}

		resp, err := r.http.Do(httpReq)
		if err != nil {
			return fmt.Errorf("agent run: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("agent run: status %d: %s", resp.StatusCode, snippet)
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("agent run: decode response: %w", err)
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	return out, nil
}
