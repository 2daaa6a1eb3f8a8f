// Package main provides the parse worker entry point.
// Consumes OCR text from Redpanda and publishes parse results by outcome.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/api/handlers"
	"github.com/drfirst/go-rxparse/internal/config"
	"github.com/drfirst/go-rxparse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxparse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxparse/internal/observability/logging"
	"github.com/drfirst/go-rxparse/internal/observability/metrics"
	"github.com/drfirst/go-rxparse/internal/observability/tracing"
	"github.com/drfirst/go-rxparse/internal/rxparse"
	"github.com/drfirst/go-rxparse/internal/service"
	"github.com/drfirst/go-rxparse/internal/worker"
	"github.com/drfirst/go-rxparse/pkg/circuitbreaker"
	"github.com/drfirst/go-rxparse/pkg/idempotency"
	"github.com/drfirst/go-rxparse/pkg/workerpool"
)

const (
	serviceName = "parse-worker"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

	if err := cfg.RequireDatabase(); err != nil {
		logger.Fatal("parse worker needs the inbox database", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tcfg := tracing.DefaultConfig(serviceName)
	tcfg.ServiceVersion = version
	tcfg.Environment = cfg.Env
	tcfg.OTLPEndpoint = cfg.OTLPEndpoint
	tcfg.SampleRate = cfg.TraceSampleRate
	tcfg.Enabled = cfg.TracingEnabled
	tp, err := tracing.Init(ctx, tcfg)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	m := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManager(circuitbreaker.DefaultConfig, logger,
		func(name string, _, to circuitbreaker.State) { m.SetBreakerState(name, to.Level()) })

	// Connect to database
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	refs, err := service.OpenReference(ctx, cfg, pool, breakers, m, logger)
	if err != nil {
		logger.Fatal("reference data unavailable", zap.Error(err))
	}
	parser, err := rxparse.New(refs)
	if err != nil {
		logger.Fatal("parser creation failed", zap.Error(err))
	}

	// Parses are CPU bound and never fail, so no retries
	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.WorkerConcurrency
	poolCfg.MaxRetries = 0
	parsePool, err := workerpool.New(poolCfg, worker.ParseFunc(parser), logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	parsePool.Start()

	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, m, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	publisher := redpanda.NewGuardedPublisher(producer, breakers)

	inbox := idempotency.New(pool, idempotency.DefaultConfig(), logger)
	inbox.StartCleanup()

	processor := worker.NewProcessor(parsePool, inbox, publisher, m, logger)

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = cfg.WorkerGroupID
	consumer, err := redpanda.NewConsumer(consumerCfg, processor.Handle, m, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	// Probes and metrics
	health := handlers.NewHealthHandler(serviceName, version, refs, map[string]handlers.Check{
		"database": pool.Ping,
		"redpanda": producer.Ping,
	})
	r := chi.NewRouter()
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", m.Handler())
	r.Get("/breakers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(breakers.Health())
	})
	server := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("parse worker started",
		zap.Strings("brokers", consumerCfg.Brokers),
		zap.String("group", consumerCfg.GroupID),
		zap.Int("workers", poolCfg.Workers),
		zap.String("reference_version", refs.Current().Version()),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	// Stop intake first so in-flight records finish and commit
	if err := consumer.Stop(); err != nil {
		logger.Error("consumer stop error", zap.Error(err))
	}
	if err := parsePool.Stop(); err != nil {
		logger.Error("worker pool stop error", zap.Error(err))
	}
	inbox.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Error("producer flush error", zap.Error(err))
	}
	_ = producer.Close()
	_ = server.Shutdown(shutdownCtx)
	_ = tp.Shutdown(shutdownCtx)

	logger.Info("parse worker stopped")
}
