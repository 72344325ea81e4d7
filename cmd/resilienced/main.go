package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/caresync/resilience-core/internal/api"
	"github.com/caresync/resilience-core/internal/store"
	"github.com/caresync/resilience-core/pkg/alerting"
	"github.com/caresync/resilience-core/pkg/breaker"
	"github.com/caresync/resilience-core/pkg/config"
	"github.com/caresync/resilience-core/pkg/fallback"
	"github.com/caresync/resilience-core/pkg/health"
	"github.com/caresync/resilience-core/pkg/logging"
	"github.com/caresync/resilience-core/pkg/metrics"
	"github.com/caresync/resilience-core/pkg/monitor"
	"github.com/caresync/resilience-core/pkg/recovery"
	"github.com/caresync/resilience-core/pkg/retry"
)

func main() {
	// .env is optional, real deployments use the environment directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "resilienced",
		Version:     version(),
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)

	m := metrics.New(metrics.DefaultConfig())
	healthService := health.NewService(logger, health.DefaultConfig())

	// Postgres is optional: without it circuits run in-memory and audit
	// records stay in-process
	var (
		stateStore breaker.StateStore
		audit      recovery.AuditSink
		auditRead  api.AuditReader
	)
	if cfg.Database.Host != "" {
		db, err := store.New(&cfg.Database)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		migrator, err := store.NewMigrator(db)
		if err != nil {
			log.Fatalf("Failed to create migrator: %v", err)
		}
		if err := migrator.Up(); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		migrator.Close()

		stateStore = store.NewPostgresStateStore(db)
		pgAudit := store.NewPostgresAuditSink(db)
		audit, auditRead = pgAudit, pgAudit
		healthService.RegisterChecker("database", health.NewPingChecker(db, "database"))
		logger.Info("Database connection established")
	} else {
		memAudit := store.NewMemoryAuditSink()
		audit, auditRead = memAudit, memAudit
		logger.Warn("Running without database, circuit state will not survive restarts")
	}

	// Redis is optional: without it fallback results stay in-process
	var resultCache fallback.ResultCache = fallback.NewMemoryCache()
	if cfg.Redis.Host != "" {
		redisClient, err := store.NewRedisClient(cfg)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()

		resultCache = store.NewRedisResultCache(redisClient, 0)
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
		logger.Info("Redis connection established")
	}

	breakers := breaker.NewRegistry(stateStore)
	breakers.SetDefaults(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		OnStateChange:    m.BreakerStateChangeHook(),
		OnCall:           m.BreakerCallHook(),
	})
	fallbacks := fallback.NewRegistry(resultCache)
	fallbacks.SetMetrics(m)

	alerts := alerting.NewService()
	alerts.AddChannel(alerting.NewLogChannel())
	if cfg.Alerting.WebhookURL != "" {
		alerts.AddChannel(alerting.NewWebhookChannel("webhook", cfg.Alerting.WebhookURL, cfg.Alerting.WebhookTimeout))
	}

	orchestrator := recovery.NewOrchestrator(breakers, fallbacks, alerts, audit)
	orchestrator.SetMetrics(m)
	orchestrator.SetRetryDefaults(retry.Config{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      true,
	})
	autoRecovery := monitor.NewAutomatedRecovery(cfg.Recovery.ActionCooldown, breakers, orchestrator, alerts)

	collector := monitor.NewCollector()
	sampleSource := monitor.NewPushSource()
	predictive := monitor.New(monitor.Config{
		Interval:      cfg.Monitor.Interval,
		SampleTimeout: cfg.Monitor.SampleTimeout,
		Thresholds: monitor.Thresholds{
			MaxErrorRate:         cfg.Monitor.MaxErrorRate,
			MaxP99LatencyMs:      cfg.Monitor.MaxP99LatencyMs,
			MaxLoadScore:         cfg.Monitor.MaxLoadScore,
			NominalThroughputRPS: cfg.Monitor.NominalThroughputRPS,
			MaxMemoryPercent:     cfg.Monitor.MaxMemoryPercent,
			MaxConnections:       cfg.Monitor.MaxConnections,
		},
	}, sampleSource.Sample, collector, autoRecovery, m)

	healthService.RegisterChecker("circuits", health.NewBreakerChecker(breakers, "circuits"))
	watchdog := health.NewWatchdog(healthService, orchestrator, m, cfg.Recovery.HealthCheckInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	predictive.Start(ctx)
	defer predictive.Stop()
	watchdog.Start(ctx)
	defer watchdog.Stop()

	router := api.NewRouter(api.Deps{
		Config:       cfg,
		Health:       healthService,
		Metrics:      m,
		Breakers:     breakers,
		Orchestrator: orchestrator,
		Collector:    collector,
		AutoRecovery: autoRecovery,
		SampleSource: sampleSource,
		Monitor:      predictive,
		Audit:        auditRead,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Forced shutdown", "error", err.Error())
	}
	logger.Info("Server exited")
}

func version() string {
	if v := os.Getenv("SERVICE_VERSION"); v != "" {
		return v
	}
	return "dev"
}
