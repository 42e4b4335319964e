package cmd

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bvasystems/teste-agente/internal/agent"
	"github.com/bvasystems/teste-agente/internal/batch"
	"github.com/bvasystems/teste-agente/internal/bus"
	"github.com/bvasystems/teste-agente/internal/config"
	"github.com/bvasystems/teste-agente/internal/gateway"
	"github.com/bvasystems/teste-agente/internal/resilience"
	"github.com/bvasystems/teste-agente/internal/router"
	"github.com/bvasystems/teste-agente/internal/store"
	"github.com/bvasystems/teste-agente/internal/telemetry"
	"github.com/bvasystems/teste-agente/internal/wa"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(log)

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !verbose && cfg.LogLevel == "debug" {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
		slog.SetDefault(log)
	}

	if cfg.Evolution.APIKey == "" {
		log.Error("AGENTE_EVOLUTION_API_KEY is not set; run 'agente onboard' or export the key")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Protocol:    cfg.Telemetry.Protocol,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		Headers:     cfg.Telemetry.Headers,
	}, log)
	if err != nil {
		log.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}

	sessions, dbClose, err := openSessionStore(cfg, log)
	if err != nil {
		log.Error("session store setup failed", "error", err)
		os.Exit(1)
	}

	events := bus.New()

	provider := wa.NewEvolutionClient(
		wa.EvolutionConfig{
			BaseURL:  cfg.Evolution.BaseURL,
			Instance: cfg.Evolution.Instance,
			APIKey:   cfg.Evolution.APIKey,
			Timeout:  time.Duration(cfg.Evolution.TimeoutSeconds) * time.Second,
		},
		resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		}),
		resilience.NewCallLimiter(resilience.LimiterConfig{
			Calls:  cfg.Evolution.CallsPerPeriod,
			Period: time.Duration(cfg.Evolution.PeriodSeconds) * time.Second,
		}),
		log,
	)

	runner := agent.NewHTTPRunner(
		agent.RunnerConfig{
			BaseURL: cfg.Agent.BaseURL,
			APIKey:  cfg.Agent.APIKey,
			Timeout: time.Duration(cfg.Agent.TimeoutSeconds) * time.Second,
		},
		resilience.NewCircuitBreaker(resilience.BreakerConfig{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout(),
			SuccessThreshold: cfg.Breaker.SuccessThreshold,
		}),
		resilience.NewCallLimiter(resilience.LimiterConfig{
			Calls:  cfg.Agent.CallsPerPeriod,
			Period: time.Duration(cfg.Agent.PeriodSeconds) * time.Second,
		}),
		log,
	)

	coord := batch.New(
		batchConfigFrom(cfg),
		sessions, runner, provider, events,
		batch.ErrorPolicy{
			Markers:       cfg.Messages.UserVisibleErrorMarkers,
			GenericNotice: cfg.Messages.ErrorNotice,
		},
		log,
	)

	rt := router.New(
		routerConfigFrom(cfg),
		coord, provider,
		bus.NewDedupeCache(time.Duration(cfg.Sessions.DedupeTTLSeconds)*time.Second),
		events, log,
	)

	srv := gateway.NewServer(
		gateway.ServerConfig{
			Host:       cfg.Server.Host,
			Port:       cfg.Server.Port,
			WebhookRPM: cfg.Server.WebhookRPM,
		},
		rt, coord, sessions, events, log,
	)

	// Hot-reload covers the values read per message: batching, pacing and
	// admission knobs. Endpoint and credential changes still need a restart.
	go func() {
		err := config.Watch(ctx, cfgPath, log, func(next *config.Config) {
			coord.Retune(batchConfigFrom(next))
			rt.Retune(routerConfigFrom(next))
			log.Info("applied updated batching and rate limit settings")
		})
		if err != nil && ctx.Err() == nil {
			log.Warn("config watcher stopped", "error", err)
		}
	}()

	serveErr := srv.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		log.Warn("coordinator shutdown", "error", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		log.Warn("telemetry shutdown", "error", err)
	}
	if dbClose != nil {
		dbClose()
	}

	if serveErr != nil {
		log.Error("server exited", "error", serveErr)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func batchConfigFrom(cfg *config.Config) batch.Config {
	return batch.Config{
		BatchDelay:       cfg.Batching.Delay(),
		MaxBatchWait:     cfg.Batching.MaxWait(),
		MaxBatchSize:     cfg.Batching.MaxBatchSize,
		TypingDuration:   time.Duration(cfg.Messages.TypingSeconds) * time.Second,
		InterChunkDelay:  time.Duration(cfg.Messages.InterChunkDelayMS) * time.Millisecond,
		MaxMessageLength: cfg.Messages.MaxMessageLength,
		ShutdownGrace:    10 * time.Second,
	}
}

func routerConfigFrom(cfg *config.Config) router.Config {
	return router.Config{
		MaxPerMinute:    cfg.RateLimit.MaxPerMinute,
		Cooldown:        cfg.RateLimit.Cooldown(),
		RateLimitNotice: cfg.Messages.RateLimitNotice,
		WelcomeMessage:  cfg.Messages.Welcome,
	}
}

// openSessionStore picks the backend from config: Postgres in managed mode,
// the JSON file store otherwise.
func openSessionStore(cfg *config.Config, log *slog.Logger) (store.SessionStore, func(), error) {
	if cfg.Database.Mode == "managed" {
		db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Info("sessions backed by postgres")
		return store.NewPGStore(db), func() { db.Close() }, nil
	}

	dir := config.ExpandHome(cfg.Sessions.Storage)
	fs, err := store.NewFileStore(dir)
	if err != nil {
		return nil, nil, err
	}
	log.Info("sessions backed by files", "dir", dir)
	return fs, nil, nil
}
