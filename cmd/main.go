/**
 * @description
 * Main entry point for the collections service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ, wires the escalation, confirmation and journal services,
 * starts the cron scheduler and serves the HTTP API until a termination signal arrives.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/recoup/collections-service/internal/api"
	"github.com/recoup/collections-service/internal/app"
	"github.com/recoup/collections-service/internal/config"
	"github.com/recoup/collections-service/internal/domain"
	"github.com/recoup/collections-service/internal/store"
	"github.com/recoup/collections-service/pkg/agencyclient"
	"github.com/recoup/collections-service/pkg/providerclient"
	"github.com/recoup/collections-service/pkg/rabbitmq"
	"github.com/recoup/collections-service/pkg/resilient"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to read .env file", "error", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("unable to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		logger.Error("unable to connect to database", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()
	logger.Info("database connection established")

	counter, dedupe, closeRedis := connectRedis(ctx, cfg, logger)
	defer closeRedis()

	var publisher rabbitmq.Publisher = &rabbitmq.EventProducerFallback{Logger: logger}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		logger.Warn("RABBITMQ_URL not set; domain events will not leave the service")
	} else if producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL); err != nil {
		logger.Warn("rabbitmq producer unavailable; using fallback", "error", err)
	} else {
		publisher = producer
		logger.Info("rabbitmq producer connected")
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := app.NewMetrics(registry)

	caller := resilient.NewClient(resilient.WithLogger(logger))
	providers := providerclient.NewClient(caller, cfg.ProviderAPIKey, providerclient.Endpoints{
		Email:  cfg.EmailProviderURL,
		SMS:    cfg.SMSProviderURL,
		Voice:  cfg.VoiceProviderURL,
		Letter: cfg.LetterProviderURL,
	})
	agency := agencyclient.NewClient(caller, cfg.AgencyAPIURL, cfg.AgencyAPIKey)

	repository := store.NewRepository(dbpool)
	journal := app.NewJournal(repository, cfg.JournalMaxRetries, metrics, logger)
	bus := app.NewEventBus(publisher, caller, journal, cfg.EventsExchange, logger)
	gate := app.NewQuotaGate(repository, counter, metrics, logger)
	notifier := app.NewNotifier(gate, providers, metrics, logger)
	handoffs := app.NewHandoffService(repository, agency, gate, bus, journal, app.HandoffConfig{
		AgencyID:          cfg.AgencyID,
		AgencyName:        cfg.AgencyName,
		CommissionPercent: decimal.NewFromFloat(cfg.AgencyCommissionPercent),
	}, logger)
	schedule := scheduleFromConfig(cfg, logger)
	escalator := app.NewEscalator(repository, notifier, gate, handoffs, bus, schedule,
		cfg.EscalationClaimTTL, metrics, logger)
	sweeper := app.NewSweeper(repository, escalator, cfg.SweepWorkers, cfg.SweepBatchLimit, metrics, logger)
	confirmations := app.NewConfirmationService(repository, bus, app.ConfirmationConfig{
		TokenTTL:        time.Duration(cfg.ConfirmationTokenDays) * 24 * time.Hour,
		PublicBaseURL:   cfg.PublicBaseURL,
		ExpiryMarksPaid: cfg.ConfirmationExpiryMarksPaid,
		Location:        schedule.Location,
	}, metrics, logger)
	invoices := app.NewInvoiceService(repository, logger)
	webhooks := app.NewWebhookProcessor(repository, dedupe, journal, logger)

	journal.Register(domain.SourceEventPublish, bus.ReplayPublish)
	journal.Register(domain.SourceAgencySubmit, handoffs.ReplayHandoff)
	journal.Register(domain.SourceWebhookPrefix, webhooks.Replay)

	var scheduler *app.Scheduler
	if cfg.CronEnabled {
		scheduler = app.NewScheduler(app.NewJobs(sweeper, confirmations, journal, logger), logger, *cfg)
		logger.Info("scheduler started", "jobs", scheduler.Start())
	} else {
		logger.Info("cron disabled; jobs run only through the internal endpoints")
	}

	handler := api.NewHandler(api.Services{
		Sweeper:       sweeper,
		Expirer:       confirmations,
		Replayer:      journal,
		Handoffs:      handoffs,
		Webhooks:      webhooks,
		Confirmations: confirmations,
		Invoices:      invoices,
	}, cfg.WebhookSecrets, logger)
	router := api.NewRouter(handler,
		api.ClerkAuthMiddleware(cfg.ClerkJWKSURL, repository, logger),
		cfg.InternalAPIKey,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutdown signal received")

	if scheduler != nil {
		<-scheduler.Stop().Done()
		logger.Info("scheduler stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// connectRedis returns Redis-backed quota counters and webhook dedupe, or in-memory ones when
// Redis is not configured or unreachable.
func connectRedis(ctx context.Context, cfg *config.Config, logger *slog.Logger) (app.UsageCounter, app.WebhookDedupe, func()) {
	memory := func(reason string, err error) (app.UsageCounter, app.WebhookDedupe, func()) {
		logger.Warn(reason+"; using in-memory counters", "error", err)
		return app.NewMemoryUsageCounter(), app.NewMemoryWebhookDedupe(), func() {}
	}

	if strings.TrimSpace(cfg.RedisURL) == "" {
		return memory("REDIS_URL not set", nil)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return memory("redis url parse failed", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return memory("redis ping failed", err)
	}
	logger.Info("redis connected")
	return app.NewRedisUsageCounter(client, cfg.RedisKeyPrefix), app.NewRedisWebhookDedupe(client), func() { client.Close() }
}

func scheduleFromConfig(cfg *config.Config, logger *slog.Logger) app.Schedule {
	loc, err := time.LoadLocation(cfg.BusinessTimezone)
	if err != nil {
		logger.Warn("unknown BUSINESS_TIMEZONE; falling back to UTC", "timezone", cfg.BusinessTimezone, "error", err)
		loc = time.UTC
	}
	return app.Schedule{
		GentleDays: cfg.GentleDays,
		FirmDays:   cfg.FirmDays,
		FinalDays:  cfg.FinalDays,
		AgencyDays: cfg.AgencyDays,
		Location:   loc,
		Mixes:      app.DefaultMixes(),
	}
}
