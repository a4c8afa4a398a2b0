// Package main is the entry point for the API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gojoacademy/gojo/internal/api"
	"github.com/gojoacademy/gojo/internal/auth"
	"github.com/gojoacademy/gojo/internal/config"
	"github.com/gojoacademy/gojo/internal/db"
	"github.com/gojoacademy/gojo/internal/enrollment"
	"github.com/gojoacademy/gojo/internal/health"
	"github.com/gojoacademy/gojo/internal/idempotency"
	"github.com/gojoacademy/gojo/internal/jobs"
	"github.com/gojoacademy/gojo/internal/middleware"
	"github.com/gojoacademy/gojo/internal/payment"
	"github.com/gojoacademy/gojo/internal/tracing"
	"github.com/gojoacademy/gojo/migrations"
)

const serviceName = "gojo-api"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "optional YAML config file; environment variables take precedence")
	flag.Parse()

	if *help {
		fmt.Println("Gojo API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	if env := os.Getenv("GOJO_ENV"); env != "production" {
		if err := config.LoadDotEnv(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", "config", cfg.LogSummary())

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Enabled:        cfg.TracingEnabled,
		Environment:    cfg.Env,
		ExporterType:   cfg.TracingExporter,
		OTLPEndpoint:   cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSampleRate,
		InsecureMode:   cfg.TracingInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(reg); err != nil {
		return fmt.Errorf("failed to register HTTP metrics: %w", err)
	}
	paymentMetrics := payment.NewMetrics()
	if err := paymentMetrics.Register(reg); err != nil {
		return fmt.Errorf("failed to register payment metrics: %w", err)
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(reg); err != nil {
		return fmt.Errorf("failed to register job metrics: %w", err)
	}
	runner := &jobs.Runner{Metrics: jobMetrics, Logger: logger}

	repos, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer repos.Close(logger)

	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	service := payment.NewService(payment.NewStripeClient(cfg.StripeSecretKey), repos.payments, repos.accounts, payment.ServiceConfig{
		BaseURL: baseURL,
		Timeout: cfg.ProcessorTimeout,
		Metrics: paymentMetrics,
		Logger:  logger,
	})
	recorder := enrollment.NewRecorder(repos.enrollments, repos.payments, logger)

	var verifier *auth.Verifier
	var enrollments *api.EnrollmentHandlers
	if cfg.SupabaseJWTSecret != "" {
		verifier = auth.NewVerifierWithRotation(cfg.SupabaseJWTSecret, cfg.SupabaseJWTPreviousSecret)
		enrollments = api.NewEnrollmentHandlers(recorder, logger)
	} else {
		logger.Warn("SUPABASE_JWT_SECRET not set, enrollment routes disabled and connect accounts refused")
	}

	var webhooks *api.WebhookHandlers
	if cfg.StripeWebhookSecret != "" {
		webhooks = api.NewWebhookHandlers(cfg.StripeWebhookSecret, repos.webhooks, service, recorder, logger)
	} else {
		logger.Warn("STRIPE_WEBHOOK_SECRET not set, webhook route disabled")
	}

	healthCfg := api.HealthHandlersConfig{
		StripeChecker: health.NewStripeChecker(),
		Logger:        logger,
	}
	if repos.db != nil {
		healthCfg.DBChecker = health.NewDBChecker(repos.db)
	}
	if repos.redis != nil {
		healthCfg.RedisChecker = health.NewRedisChecker(repos.redis)
	}

	handler := api.NewServer(api.ServerConfig{
		Payments:              api.NewPaymentHandlers(service, logger),
		Enrollments:           enrollments,
		Webhooks:              webhooks,
		Health:                api.NewHealthHandlers(healthCfg),
		PublishableKey:        cfg.StripePublishableKey,
		MetricsHandler:        promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
		Logger:                logger,
		Metrics:               httpMetrics,
		Verifier:              verifier,
		CORS:                  middleware.CORSConfig{AllowedOrigins: cfg.CORSAllowedOrigins},
		ServiceName:           serviceName,
		RateLimitStore:        repos.rateLimit(ctx, runner, httpMetrics, logger),
		IdempotencyRepo:       repos.idempotency,
		RequireIdempotencyKey: cfg.RequireIdempotencyKey,
	})

	go runner.RunPeriodic(ctx, jobs.JobTypeIdempotencyCleanup, time.Hour, func(ctx context.Context) error {
		_, err := idempotency.CleanupOldKeys(ctx, repos.idempotency, idempotency.DefaultExpiry)
		return err
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Processor calls may take up to PROCESSOR_TIMEOUT.
		WriteTimeout: cfg.ProcessorTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port, "version", version)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// stores groups the persistence backends picked from configuration.
type stores struct {
	db    *sql.DB
	redis *redis.Client

	payments    payment.PaymentRepository
	accounts    payment.AccountRepository
	webhooks    payment.WebhookRepository
	enrollments enrollment.Repository
	idempotency idempotency.Repository
}

// openStores uses Postgres when DATABASE_URL is set and in-memory
// repositories otherwise. Redis, when configured, backs idempotency keys
// and rate limits so they are shared between instances.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	s := &stores{}

	if cfg.DatabaseURL != "" {
		if err := db.Migrate(ctx, cfg.DatabaseURL, migrations.FS); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		conn, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		s.db = conn
		s.payments = payment.NewPostgresPaymentRepository(conn)
		s.accounts = payment.NewPostgresAccountRepository(conn)
		s.webhooks = payment.NewPostgresWebhookRepository(conn)
		s.enrollments = enrollment.NewPostgresRepository(conn)
		s.idempotency = idempotency.NewPostgresRepository(conn)
		logger.Info("using postgres storage")
	} else {
		if cfg.IsProduction() {
			logger.Warn("DATABASE_URL not set, payments and enrollments are kept in memory")
		}
		s.payments = payment.NewInMemoryPaymentRepository()
		s.accounts = payment.NewInMemoryAccountRepository()
		s.webhooks = payment.NewInMemoryWebhookRepository()
		s.enrollments = enrollment.NewInMemoryRepository()
		s.idempotency = idempotency.NewInMemoryRepository()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opts)
		s.idempotency = idempotency.NewRedisRepository(s.redis, idempotency.DefaultExpiry)
		logger.Info("using redis for idempotency keys and rate limits")
	}

	return s, nil
}

// rateLimit returns the Redis store when configured, otherwise an in-memory
// store whose buckets are swept until the server stops.
func (s *stores) rateLimit(ctx context.Context, runner *jobs.Runner, m *middleware.Metrics, logger *slog.Logger) middleware.RateLimitStore {
	if s.redis != nil {
		return middleware.NewRedisRateLimitStore(s.redis).WithMetrics(m).WithLogger(logger)
	}
	store := middleware.NewInMemoryRateLimitStore()
	go runner.RunPeriodic(ctx, jobs.JobTypeRateLimitSweep, time.Minute, func(context.Context) error {
		store.Cleanup()
		return nil
	})
	return store
}

func (s *stores) Close(logger *slog.Logger) {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Error("failed to close redis", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}
}
