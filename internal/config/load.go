package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with production defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:       "0.0.0.0",
			Port:       8080,
			WebhookRPM: 600,
		},
		Evolution: EvolutionConfig{
			BaseURL:        "http://localhost:8081",
			Instance:       "agente",
			TimeoutSeconds: 30,
			CallsPerPeriod: 10,
			PeriodSeconds:  1,
		},
		Agent: AgentConfig{
			TimeoutSeconds: 120,
			CallsPerPeriod: 5,
			PeriodSeconds:  1,
		},
		Batching: BatchingConfig{
			DelaySeconds:   2.0,
			MaxWaitSeconds: 40,
			MaxBatchSize:   10,
		},
		RateLimit: RateLimitConfig{
			MaxPerMinute:    20,
			CooldownSeconds: 60,
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 60,
			SuccessThreshold:       2,
		},
		Messages: MessagesConfig{
			RateLimitNotice: "Você enviou muitas mensagens em pouco tempo. " +
				"Aguarde um minuto antes de continuar, por favor.",
			ErrorNotice: "Desculpe, ocorreu um erro ao processar sua mensagem. " +
				"Por favor, tente novamente em alguns instantes.",
			UserVisibleErrorMarkers: []string{"rate limit", "quota exceeded", "service unavailable"},
			TypingSeconds:           3,
			InterChunkDelayMS:       500,
			MaxMessageLength:        4096,
		},
		Sessions: SessionsConfig{
			Storage:          "~/.agente/sessions",
			DedupeTTLSeconds: 600,
		},
		Database: DatabaseConfig{
			Mode: "standalone",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "agente",
		},
		LogLevel: "info",
	}
}

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Secrets: env only, never in config.json.
	envStr("AGENTE_EVOLUTION_API_KEY", &c.Evolution.APIKey)
	envStr("AGENTE_AGENT_API_KEY", &c.Agent.APIKey)
	envStr("AGENTE_POSTGRES_DSN", &c.Database.PostgresDSN)

	envStr("AGENTE_EVOLUTION_URL", &c.Evolution.BaseURL)
	envStr("AGENTE_EVOLUTION_INSTANCE", &c.Evolution.Instance)
	envStr("AGENTE_AGENT_URL", &c.Agent.BaseURL)

	envStr("AGENTE_HOST", &c.Server.Host)
	envInt("AGENTE_PORT", &c.Server.Port)

	envStr("AGENTE_MODE", &c.Database.Mode)
	envStr("AGENTE_SESSIONS_STORAGE", &c.Sessions.Storage)
	envStr("AGENTE_LOG_LEVEL", &c.LogLevel)

	if v := os.Getenv("AGENTE_BATCH_DELAY_SECONDS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			c.Batching.DelaySeconds = f
		}
	}
	envInt("AGENTE_MAX_BATCH_WAIT_SECONDS", &c.Batching.MaxWaitSeconds)
	envInt("AGENTE_MAX_BATCH_SIZE", &c.Batching.MaxBatchSize)
	envInt("AGENTE_MAX_MESSAGES_PER_MINUTE", &c.RateLimit.MaxPerMinute)
	envInt("AGENTE_RATE_LIMIT_COOLDOWN_SECONDS", &c.RateLimit.CooldownSeconds)

	envStr("AGENTE_WELCOME_MESSAGE", &c.Messages.Welcome)

	// Telemetry
	envStr("AGENTE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("AGENTE_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("AGENTE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("AGENTE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("AGENTE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	if v := os.Getenv("AGENTE_ERROR_MARKERS"); v != "" {
		c.Messages.UserVisibleErrorMarkers = strings.Split(v, ",")
	}
}

// Save writes the config to a JSON file. Secrets carry `json:"-"` tags, so
// they never land on disk.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
