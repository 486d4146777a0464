package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/dukerupert/ordercore/internal"
	"github.com/dukerupert/ordercore/internal/billing"
	"github.com/dukerupert/ordercore/internal/cache"
	"github.com/dukerupert/ordercore/internal/handler"
	"github.com/dukerupert/ordercore/internal/handler/webhook"
	"github.com/dukerupert/ordercore/internal/middleware"
	"github.com/dukerupert/ordercore/internal/outbox"
	"github.com/dukerupert/ordercore/internal/postgres"
	"github.com/dukerupert/ordercore/internal/repository"
	"github.com/dukerupert/ordercore/internal/repository/memory"
	"github.com/dukerupert/ordercore/internal/service"
	"github.com/dukerupert/ordercore/internal/tax"
	"github.com/dukerupert/ordercore/internal/telemetry"
	"github.com/dukerupert/ordercore/internal/worker"
	"github.com/dukerupert/ordercore/migrations"
)

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)
	if !cfg.EnvFileFound {
		logger.Warn().Msg(".env file not found, using environment variables and defaults")
	}

	flushSentry, err := telemetry.InitSentry(cfg.Sentry, logger)
	if err != nil {
		return fmt.Errorf("sentry initialization failed: %w", err)
	}
	defer flushSentry()

	telemetry.InitBusinessMetrics("ordercore")
	httpMetrics := middleware.NewMetrics("ordercore", nil)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	gateway, err := newGateway(cfg, logger)
	if err != nil {
		return err
	}

	calculator, err := newTaxCalculator(cfg.Tax)
	if err != nil {
		return fmt.Errorf("tax calculator: %w", err)
	}

	publisher, err := newPublisher(cfg.Outbox, logger)
	if err != nil {
		return fmt.Errorf("outbox: %w", err)
	}
	defer publisher.Close()

	seen, err := newDeduper(ctx, cfg.Redis, logger)
	if err != nil {
		return err
	}

	engine, err := service.NewEngine(service.EngineParams{
		Store:     store,
		Gateway:   gateway,
		Tax:       calculator,
		Publisher: publisher,
		Config:    cfg.Orders,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize order engine: %w", err)
	}

	// ==========================================================================
	// Background sweeps
	// ==========================================================================

	workerDone := make(chan struct{})
	if cfg.Worker.Enabled {
		w := worker.NewWorker(engine.Checkout, cfg.Worker.Config, logger)
		go func() {
			defer close(workerDone)
			_ = w.Start(ctx)
		}()
	} else {
		close(workerDone)
	}

	// ==========================================================================
	// HTTP server
	// ==========================================================================

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.HTTPErrorHandler
	e.Use(
		echomw.Recover(),
		middleware.RequestID(),
		httpMetrics.Middleware(),
		middleware.RequestLogger(logger),
		echomw.BodyLimit("1M"),
	)

	// Metrics endpoint (no auth required, but should be protected in production via firewall)
	e.GET("/metrics", echo.WrapHandler(httpMetrics.Handler()))
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "OK")
	})

	webhook.NewStripeHandler(gateway, engine.Checkout, seen, webhook.StripeWebhookConfig{
		DedupeTTL: cfg.Redis.DedupeTTL,
	}, logger).Register(e)

	addr := fmt.Sprintf(":%d", cfg.Port)
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		stop()
		<-workerDone
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	<-workerDone
	return nil
}

func openStore(ctx context.Context, cfg *internal.Config, logger zerolog.Logger) (repository.Store, func(), error) {
	if cfg.Database.Driver == "memory" {
		logger.Warn().Msg("using in-memory store, data is lost on restart")
		return memory.New(), func() {}, nil
	}

	if cfg.Database.RunMigrations {
		logger.Info().Msg("running database migrations")
		if err := migrations.Up(cfg.Database.URL); err != nil {
			return nil, nil, fmt.Errorf("migration failed: %w", err)
		}
	}

	pool, err := postgres.Connect(ctx, cfg.Database.URL, cfg.Database.Pool)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	store := postgres.NewStore(ctx, pool)
	logger.Info().Bool("transactions", store.SupportsTransactions()).Msg("database connection established")
	return store, store.Close, nil
}

func newGateway(cfg *internal.Config, logger zerolog.Logger) (billing.Gateway, error) {
	if cfg.Env == "dev" && cfg.Stripe.APIKey == "" {
		logger.Warn().Msg("STRIPE_SECRET_KEY not set, using the mock payment gateway")
		return billing.NewMockGateway(), nil
	}
	gw, err := billing.NewStripeGateway(cfg.Stripe)
	if err != nil {
		return nil, fmt.Errorf("stripe gateway: %w", err)
	}
	if cfg.Stripe.IsTestMode() {
		logger.Info().Msg("stripe gateway in test mode")
	}
	return gw, nil
}

func newTaxCalculator(cfg internal.TaxConfig) (tax.Calculator, error) {
	if cfg.Provider == "percentage" {
		return tax.NewPercentageCalculator(cfg.PercentageConfig)
	}
	return tax.NewNoTaxCalculator(), nil
}

func newPublisher(cfg internal.OutboxConfig, logger zerolog.Logger) (outbox.Publisher, error) {
	switch cfg.Driver {
	case "nats":
		return outbox.NewJetStream(cfg.NATS)
	case "kafka":
		return outbox.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
	case "none":
		return outbox.Noop{}, nil
	default:
		logger.Warn().Msg("using in-memory outbox, messages are not delivered")
		return outbox.NewMemory(), nil
	}
}

func newDeduper(ctx context.Context, cfg internal.RedisConfig, logger zerolog.Logger) (cache.Deduper, error) {
	if cfg.Addr == "" {
		logger.Info().Msg("REDIS_ADDR not set, webhook dedupe is process-local")
		return cache.NewMemory(nil), nil
	}
	r, err := cache.NewRedis(ctx, cfg.RedisConfig)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
