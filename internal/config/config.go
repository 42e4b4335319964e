// Package config loads the agente configuration: a JSON5 file overlaid
// with AGENTE_* environment variables. Secrets (API keys, DSNs) come from
// the environment only and are never written back to disk.
package config

import "time"

// Config is the full configuration tree.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Evolution EvolutionConfig `json:"evolution"`
	Agent     AgentConfig     `json:"agent"`
	Batching  BatchingConfig  `json:"batching"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Breaker   BreakerConfig   `json:"circuit_breaker"`
	Messages  MessagesConfig  `json:"messages"`
	Sessions  SessionsConfig  `json:"sessions"`
	Database  DatabaseConfig  `json:"database"`
	Telemetry TelemetryConfig `json:"telemetry"`
	LogLevel  string          `json:"log_level"`
}

// ServerConfig configures the webhook HTTP server.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// WebhookRPM is the global request budget for the webhook endpoint.
	WebhookRPM int `json:"webhook_rpm"`
}

// EvolutionConfig points at the Evolution API gateway.
type EvolutionConfig struct {
	BaseURL  string `json:"base_url"`
	Instance string `json:"instance"`
	// APIKey comes from AGENTE_EVOLUTION_API_KEY only.
	APIKey         string `json:"-"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	// CallsPerPeriod and PeriodSeconds bound outbound gateway calls.
	CallsPerPeriod int `json:"calls_per_period"`
	PeriodSeconds  int `json:"period_seconds"`
}

// AgentConfig points at the downstream agent service.
type AgentConfig struct {
	BaseURL string `json:"base_url"`
	// APIKey comes from AGENTE_AGENT_API_KEY only.
	APIKey         string `json:"-"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	CallsPerPeriod int    `json:"calls_per_period"`
	PeriodSeconds  int    `json:"period_seconds"`
}

// BatchingConfig holds the debounce-with-deadline knobs.
type BatchingConfig struct {
	DelaySeconds   float64 `json:"delay_seconds"`
	MaxWaitSeconds int     `json:"max_wait_seconds"`
	MaxBatchSize   int     `json:"max_batch_size"`
}

// Delay returns the quiet period as a duration.
func (b BatchingConfig) Delay() time.Duration {
	return time.Duration(b.DelaySeconds * float64(time.Second))
}

// MaxWait returns the hard deadline as a duration.
func (b BatchingConfig) MaxWait() time.Duration {
	return time.Duration(b.MaxWaitSeconds) * time.Second
}

// RateLimitConfig holds per-user admission limits.
type RateLimitConfig struct {
	MaxPerMinute    int `json:"max_per_minute"`
	CooldownSeconds int `json:"cooldown_seconds"`
}

// Cooldown returns the block duration.
func (r RateLimitConfig) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

// BreakerConfig holds the circuit breaker thresholds shared by the
// Evolution and agent clients.
type BreakerConfig struct {
	FailureThreshold       int `json:"failure_threshold"`
	RecoveryTimeoutSeconds int `json:"recovery_timeout_seconds"`
	SuccessThreshold       int `json:"success_threshold"`
}

// RecoveryTimeout returns the open-state hold time.
func (b BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoveryTimeoutSeconds) * time.Second
}

// MessagesConfig holds user-facing texts and delivery pacing.
type MessagesConfig struct {
	Welcome         string `json:"welcome"`
	RateLimitNotice string `json:"rate_limit_notice"`
	ErrorNotice     string `json:"error_notice"`
	// UserVisibleErrorMarkers flag upstream errors safe to show verbatim.
	UserVisibleErrorMarkers []string `json:"user_visible_error_markers"`
	TypingSeconds           int      `json:"typing_seconds"`
	InterChunkDelayMS       int      `json:"inter_chunk_delay_ms"`
	MaxMessageLength        int      `json:"max_message_length"`
}

// SessionsConfig configures session persistence in standalone mode.
type SessionsConfig struct {
	// Storage is the session JSON directory. Empty keeps sessions in
	// memory only.
	Storage string `json:"storage"`
	// DedupeTTLSeconds bounds the webhook dedupe window.
	DedupeTTLSeconds int `json:"dedupe_ttl_seconds"`
}

// DatabaseConfig selects the session backend.
type DatabaseConfig struct {
	// Mode is "standalone" (file store) or "managed" (Postgres).
	Mode string `json:"mode"`
	// PostgresDSN comes from AGENTE_POSTGRES_DSN only.
	PostgresDSN string `json:"-"`
}

// TelemetryConfig configures the OTLP exporter.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled"`
	Endpoint    string            `json:"endpoint"`
	Protocol    string            `json:"protocol"` // "grpc" or "http"
	Insecure    bool              `json:"insecure"`
	ServiceName string            `json:"service_name"`
	Headers     map[string]string `json:"headers,omitempty"`
}
