// Package service holds the start-up wiring shared by the parser API and the
// parse worker.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/config"
	"github.com/drfirst/go-rxparse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxparse/internal/observability/metrics"
	"github.com/drfirst/go-rxparse/internal/refdata"
	"github.com/drfirst/go-rxparse/pkg/circuitbreaker"
)

// ReferenceLoader returns the loader for cfg.RefdataSource. The embedded
// tables never change, so that source has no loader. Postgres loads go
// through the "refdata" breaker.
func ReferenceLoader(cfg *config.Config, db postgres.DB, breakers *circuitbreaker.Manager) (refdata.LoaderFunc, error) {
	switch cfg.RefdataSource {
	case config.RefdataEmbedded:
		return nil, nil
	case config.RefdataFile:
		path := cfg.RefdataPath
		return func(context.Context) (refdata.Tables, error) {
			return refdata.LoadTablesFile(path)
		}, nil
	case config.RefdataPostgres:
		if db == nil {
			return nil, fmt.Errorf("reference source postgres needs a database")
		}
		load := postgres.ReferenceLoader(db)
		if breakers == nil {
			return load, nil
		}
		cb, err := breakers.Get("refdata")
		if err != nil {
			return nil, err
		}
		return func(ctx context.Context) (refdata.Tables, error) {
			return circuitbreaker.Do(ctx, cb, func(ctx context.Context) (refdata.Tables, error) {
				return load(ctx)
			})
		}, nil
	}
	return nil, fmt.Errorf("unknown reference source %q", cfg.RefdataSource)
}

// OpenReference loads the initial tables and, when the source can change,
// starts reloading them every cfg.RefdataReloadInterval until ctx is done.
// Start-up fails if the first load fails; later failures keep the tables
// already in use.
func OpenReference(ctx context.Context, cfg *config.Config, db postgres.DB, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *zap.Logger) (*refdata.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	load, err := ReferenceLoader(cfg, db, breakers)
	if err != nil {
		return nil, err
	}

	initial := refdata.MustDefault()
	if load != nil {
		t, err := load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load reference data from %s: %w", cfg.RefdataSource, err)
		}
		if initial, err = refdata.Build(t); err != nil {
			return nil, fmt.Errorf("validate reference data from %s: %w", cfg.RefdataSource, err)
		}
	}

	store, err := refdata.NewStore(initial)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.ReferenceReloads.WithLabelValues("success").Inc()
		store.OnReload(func(err error) {
			result := "success"
			if err != nil {
				result = "failure"
			}
			m.ReferenceReloads.WithLabelValues(result).Inc()
		})
	}

	stats := initial.Stats()
	logger.Info("reference data loaded",
		zap.String("source", cfg.RefdataSource),
		zap.String("version", stats.Version),
		zap.Int("brands", stats.Brands),
		zap.Int("abbreviations", stats.Abbreviations),
		zap.Int("icd10_codes", stats.ICD10Codes))

	if load != nil {
		go store.Watch(ctx, cfg.RefdataReloadInterval, load, logger)
	}
	return store, nil
}
