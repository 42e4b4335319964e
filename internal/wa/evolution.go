package wa

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

// EvolutionConfig configures one Evolution API instance.
type EvolutionConfig struct {
	BaseURL  string
	Instance string
	APIKey   string
	Timeout  time.Duration
}

// EvolutionClient talks to an Evolution API gateway over REST. Every call
// goes through the shared circuit breaker and the sliding-window limiter so
// a dying gateway or a send burst cannot take the process down with it.
type EvolutionClient struct {
	cfg     EvolutionConfig
	http    *http.Client
	breaker *resilience.CircuitBreaker
	limiter *resilience.CallLimiter
	log     *slog.Logger
}

// NewEvolutionClient builds a client for one instance.
func NewEvolutionClient(cfg EvolutionConfig, breaker *resilience.CircuitBreaker, limiter *resilience.CallLimiter, log *slog.Logger) *EvolutionClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &EvolutionClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		limiter: limiter,
		log:     log.With("component", "evolution", "instance", cfg.Instance),
	}
}

// InstanceID returns the Evolution instance name.
func (c *EvolutionClient) InstanceID() string { return c.cfg.Instance }

// SendText delivers one text chunk, quoting quotedID when set.
func (c *EvolutionClient) SendText(ctx context.Context, chatID, text, quotedID string) error {
	payload := map[string]any{
		"number": chatID,
		"text":   text,
	}
	if quotedID != "" {
		payload["quoted"] = map[string]any{
			"key": map[string]any{"id": quotedID},
		}
	}
	return c.post(ctx, "/message/sendText/"+c.cfg.Instance, payload, nil)
}

// SendTyping shows the composing presence for roughly d.
func (c *EvolutionClient) SendTyping(ctx context.Context, chatID string, d time.Duration) error {
	payload := map[string]any{
		"number":   chatID,
		"presence": "composing",
		"delay":    d.Milliseconds(),
	}
	return c.post(ctx, "/chat/sendPresence/"+c.cfg.Instance, payload, nil)
}

// MarkRead sends a read receipt for an inbound message.
func (c *EvolutionClient) MarkRead(ctx context.Context, msg Message) error {
	payload := map[string]any{
		"readMessages": []map[string]any{
			{"remoteJid": msg.ChatID, "fromMe": false, "id": msg.ID},
		},
	}
	return c.post(ctx, "/chat/markMessageAsRead/"+c.cfg.Instance, payload, nil)
}

// DownloadMedia fetches a message's attachment via the base64 media
// endpoint.
func (c *EvolutionClient) DownloadMedia(ctx context.Context, msg Message) ([]byte, string, error) {
	payload := map[string]any{
		"message": map[string]any{
			"key": map[string]any{"id": msg.ID},
		},
	}
	var out struct {
		Base64   string `json:"base64"`
		MimeType string `json:"mimetype"`
	}
	if err := c.post(ctx, "/chat/getBase64FromMediaMessage/"+c.cfg.Instance, payload, &out); err != nil {
		return nil, "", err
	}
	raw, err := base64.StdEncoding.DecodeString(out.Base64)
	if err != nil {
		return nil, "", fmt.Errorf("decode media payload: %w", err)
	}
	return raw, out.MimeType, nil
}

func (c *EvolutionClient) post(ctx context.Context, path string, payload any, out any) error {
	if err := c.limiter.Acquire(ctx); err != nil {
		return err
	}
	return c.breaker.Call(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("apikey", c.cfg.APIKey)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("evolution %s: %w", path, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("evolution %s: status %d: %s", path, resp.StatusCode, snippet)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("evolution %s: decode response: %w", path, err)
			}
		}
		return nil
	})
}
