package refdata

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Source hands out the reference snapshot to use for one parse
type Source interface {
	Current() *ReferenceData
}

// Store holds the active snapshot and swaps it atomically
type Store struct {
	current  atomic.Pointer[ReferenceData]
	loadedAt atomic.Int64
	onReload func(error)
}

// NewStore creates a store around an initial snapshot
func NewStore(initial *ReferenceData) (*Store, error) {
	s := &Store{}
	if err := s.Replace(initial); err != nil {
		return nil, err
	}
	return s, nil
}

// Current returns the active snapshot
func (s *Store) Current() *ReferenceData {
	return s.current.Load()
}

// Replace installs a new snapshot for subsequent parses
func (s *Store) Replace(rd *ReferenceData) error {
	if rd == nil {
		return errors.New("reference data is nil")
	}
	s.current.Store(rd)
	s.loadedAt.Store(time.Now().UnixNano())
	return nil
}

// LoadedAt returns when the active snapshot was installed
func (s *Store) LoadedAt() time.Time {
	return time.Unix(0, s.loadedAt.Load())
}

// OnReload registers fn to be told the result of every Watch tick. Call it
// before Watch.
func (s *Store) OnReload(fn func(err error)) {
	s.onReload = fn
}

// LoaderFunc fetches a fresh set of tables
type LoaderFunc func(ctx context.Context) (Tables, error)

// Watch reloads tables on every tick until ctx is done. A load or validation
// failure keeps the previous snapshot.
func (s *Store) Watch(ctx context.Context, interval time.Duration, load LoaderFunc, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := s.Reload(ctx, load)
			if s.onReload != nil {
				s.onReload(err)
			}
			if err != nil {
				logger.Warn("reference data reload failed, keeping current tables", zap.Error(err))
				continue
			}
			stats := s.Current().Stats()
			logger.Info("reference data reloaded",
				zap.String("version", stats.Version),
				zap.Int("brands", stats.Brands),
				zap.Int("icd10_codes", stats.ICD10Codes))
		}
	}
}

// Reload loads, validates and installs tables once
func (s *Store) Reload(ctx context.Context, load LoaderFunc) error {
	t, err := load(ctx)
	if err != nil {
		return err
	}
	rd, err := Build(t)
	if err != nil {
		return err
	}
	return s.Replace(rd)
}
