// Package main provides the outbox relay service entry point.
// Publishes parse events the API committed to Postgres onto Redpanda.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/config"
	"github.com/drfirst/go-rxparse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxparse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxparse/internal/observability/logging"
	"github.com/drfirst/go-rxparse/internal/observability/metrics"
	"github.com/drfirst/go-rxparse/internal/observability/tracing"
	"github.com/drfirst/go-rxparse/pkg/circuitbreaker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal("outbox relay needs a database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig("outbox-relay")
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tcfg.Enabled = cfg.TracingEnabled
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	logger.Info("connected to database")

	// Create Redpanda producer
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()

	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	logger.Info("connected to Redpanda", zap.Strings("brokers", producerCfg.Brokers))

	// An open breaker fails the batch fast; entries stay pending for the next poll
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig, logger,
		func(name string, _, to circuitbreaker.State) { m.SetBreakerState(name, to.Level()) })
	publisher := redpanda.NewGuardedPublisher(producer, breakers)

	// Create outbox processor
	outboxCfg := postgres.DefaultOutboxConfig()
	outboxCfg.PollInterval = cfg.OutboxPollInterval
	outbox := postgres.NewOutbox(pool, publisher, outboxCfg, m, logger)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: m.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start processing
	outbox.Start()
	logger.Info("outbox relay started", zap.Duration("poll_interval", outboxCfg.PollInterval))

	<-ctx.Done()

	logger.Info("shutting down")
	outbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = tp.Shutdown(shutdownCtx)
	logger.Info("outbox relay stopped")
}
