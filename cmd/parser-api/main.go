// Package main provides the parser API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/api/handlers"
	"github.com/drfirst/go-rxparse/internal/api/middleware"
	"github.com/drfirst/go-rxparse/internal/config"
	"github.com/drfirst/go-rxparse/internal/domain/intake"
	"github.com/drfirst/go-rxparse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxparse/internal/observability/logging"
	"github.com/drfirst/go-rxparse/internal/observability/metrics"
	"github.com/drfirst/go-rxparse/internal/observability/tracing"
	"github.com/drfirst/go-rxparse/internal/rxparse"
	"github.com/drfirst/go-rxparse/internal/service"
	"github.com/drfirst/go-rxparse/pkg/circuitbreaker"
)

const (
	serviceName = "parser-api"
	version     = "1.0.0"
	cacheTTL    = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := logging.Must(cfg.LogLevel, cfg.Env)
	defer logger.Sync()

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

	// Postgres is optional for the API; without it results are only cached
	var db postgres.DB
	var store handlers.ParseStore
	checks := map[string]handlers.Check{}
	if cfg.DatabaseURL != "" {
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()
		logger.Info("connected to database")

		db = pool
		store = intake.NewRepository(pool, logger)
		checks["database"] = pool.Ping
	}

	refs, err := service.OpenReference(ctx, cfg, db, breakers, m, logger)
	if err != nil {
		logger.Fatal("reference data unavailable", zap.Error(err))
	}

	parser, err := rxparse.New(refs)
	if err != nil {
		logger.Fatal("parser creation failed", zap.Error(err))
	}

	var cache *handlers.ResultCache
	if cfg.CacheMaxEntries > 0 {
		if cache, err = handlers.NewResultCache(cfg.CacheMaxEntries, cacheTTL); err != nil {
			logger.Fatal("cache creation failed", zap.Error(err))
		}
		defer cache.Close()
	}

	parseCfg := handlers.DefaultParseConfig()
	parseCfg.DefaultThreshold = cfg.ConfidenceThreshold
	parseCfg.BatchWorkers = cfg.BatchWorkers
	parseCfg.MaxBatchDocuments = cfg.BatchMaxDocuments

	prescriptionHandler := handlers.NewPrescriptionHandler(parser, cache, store, parseCfg, m, logger)
	referenceHandler := handlers.NewReferenceHandler(refs, logger)
	healthHandler := handlers.NewHealthHandler(serviceName, version, refs, checks)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))
	r.Use(middleware.Metrics(m))

	// Probes and metrics (no auth)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", m.Handler())

	apiKeys := cfg.APIKeyMap()
	if len(apiKeys) == 0 {
		logger.Warn("API_KEYS is empty, /api/v1 is unauthenticated")
	}
	r.Route("/api/v1", func(r chi.Router) {
		if len(apiKeys) > 0 {
			r.Use(middleware.APIKeyAuth(apiKeys))
		}
		r.Mount("/prescriptions", prescriptionHandler.Routes())
		r.Mount("/reference", referenceHandler.Routes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting parser API",
		zap.String("port", cfg.Port),
		zap.String("reference_version", refs.Current().Version()),
		zap.Bool("persistence", store != nil),
	)
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
	<-stopped

	logger.Info("server stopped")
}
