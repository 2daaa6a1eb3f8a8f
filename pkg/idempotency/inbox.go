// Package idempotency provides the Inbox pattern so the parse worker handles
// each OCR document once. Keys are Hash(SourceID|Locale|Text).
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// ErrDuplicateMessage indicates the document is already being handled or done
var ErrDuplicateMessage = errors.New("duplicate message: already processed")

// ErrMessageInProgress indicates another worker holds the entry
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ErrPreviouslyFailed is returned for keys whose handler failed terminally
var ErrPreviouslyFailed = errors.New("message previously failed permanently")

// ErrTerminal marks handler errors that must not be retried. Wrap it:
// fmt.Errorf("decode payload: %w", idempotency.ErrTerminal)
var ErrTerminal = errors.New("terminal failure")

// Terminal wraps err so the inbox records it as FAILED
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTerminal, err)
}

// IsTerminal reports whether err carries ErrTerminal
func IsTerminal(err error) bool {
	return errors.Is(err, ErrTerminal)
}

// DB is the subset of pgxpool.Pool the inbox needs
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Entry is one parse_inbox row
type Entry struct {
	IdempotencyKey string
	HandlerName    string
	SourceID       string
	Status         Status
	Result         json.RawMessage
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      *time.Time
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long entries are kept
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// Inbox manages idempotent document processing
type Inbox struct {
	db     DB
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an inbox over db, normally a *pgxpool.Pool
func New(db DB, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		db:     db,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Message identifies one unit of work
type Message struct {
	Key      string
	Handler  string
	SourceID string
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew        bool
	WasRecovered bool
	Duplicate    bool
	Result       json.RawMessage
}

// ProcessFunc does the work and returns what should be stored for duplicates
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Process runs fn at most once per key. A finished key returns the stored
// result with Duplicate set and fn is not called.
func (i *Inbox) Process(ctx context.Context, msg Message, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox.process",
		trace.WithAttributes(
			attribute.String("idempotency_key", msg.Key),
			attribute.String("handler", msg.Handler),
		))
	defer span.End()

	entry, err := i.get(ctx, msg.Key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		span.RecordError(err)
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	recovered := false
	if entry != nil {
		switch entry.Status {
		case StatusFinished:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return &ProcessResult{Duplicate: true, Result: entry.Result}, nil
		case StatusFailed:
			return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, msg.Key)
		case StatusStarted:
			if i.now().Sub(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrMessageInProgress
			}
			if err := i.setStatus(ctx, msg.Key, StatusRecoverable, nil, nil); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
			recovered = true
		case StatusRecoverable:
			recovered = true
		}
	}
	span.SetAttributes(attribute.Bool("recovered", recovered))

	if err := i.start(ctx, msg); err != nil {
		if errors.Is(err, ErrDuplicateMessage) {
			return nil, err
		}
		return nil, fmt.Errorf("start processing: %w", err)
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		status := StatusRecoverable
		if IsTerminal(handlerErr) {
			status = StatusFailed
		}
		msgText := handlerErr.Error()
		if err := i.setStatus(ctx, msg.Key, status, nil, &msgText); err != nil {
			i.logger.Error("failed to record handler error", zap.String("key", msg.Key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	// The work is done, a failed bookkeeping write only risks a repeat
	if err := i.setStatus(ctx, msg.Key, StatusFinished, result, nil); err != nil {
		i.logger.Error("failed to mark finished", zap.String("key", msg.Key), zap.Error(err))
	}

	return &ProcessResult{
		IsNew:        entry == nil,
		WasRecovered: recovered,
		Result:       result,
	}, nil
}

// GenerateKey derives the deterministic key of an OCR document. Surrounding
// whitespace and letter case of the locale do not change the key.
func GenerateKey(sourceID, locale, text string) string {
	data := strings.Join([]string{
		strings.TrimSpace(sourceID),
		strings.ToLower(strings.TrimSpace(locale)),
		strings.TrimSpace(text),
	}, "|")
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}

func (i *Inbox) get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT idempotency_key, handler_name, source_id, status, result, last_error,
		       created_at, updated_at, expires_at
		FROM parse_inbox
		WHERE idempotency_key = $1
	`
	e := &Entry{}
	err := i.db.QueryRow(ctx, query, key).Scan(
		&e.IdempotencyKey, &e.HandlerName, &e.SourceID, &e.Status, &e.Result, &e.LastError,
		&e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// start claims the key. A conflicting row is only taken over when RECOVERABLE.
func (i *Inbox) start(ctx context.Context, msg Message) error {
	query := `
		INSERT INTO parse_inbox (idempotency_key, handler_name, source_id, status, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = $4, updated_at = NOW()
		WHERE parse_inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`
	var returned string
	err := i.db.QueryRow(ctx, query, msg.Key, msg.Handler, msg.SourceID, StatusStarted,
		i.now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrDuplicateMessage
	}
	return err
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, result json.RawMessage, lastError *string) error {
	query := `
		UPDATE parse_inbox
		SET status = $1, result = COALESCE($2, result), last_error = $3, updated_at = NOW()
		WHERE idempotency_key = $4
	`
	_, err := i.db.Exec(ctx, query, status, result, lastError, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the cleanup goroutine started by StartCleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if n, err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
			if n, err := i.RecoverStaleEntries(i.ctx); err != nil {
				i.logger.Error("inbox recovery failed", zap.Error(err))
			} else if n > 0 {
				i.logger.Warn("recovered stale inbox entries", zap.Int64("count", n))
			}
		}
	}
}

// Cleanup removes expired entries
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	tag, err := i.db.Exec(ctx, `DELETE FROM parse_inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RecoverStaleEntries marks abandoned STARTED entries as RECOVERABLE
func (i *Inbox) RecoverStaleEntries(ctx context.Context) (int64, error) {
	query := `
		UPDATE parse_inbox
		SET status = 'RECOVERABLE', updated_at = NOW()
		WHERE status = 'STARTED'
		  AND updated_at < NOW() - $1::interval
	`
	tag, err := i.db.Exec(ctx, query, i.config.RecoveryTimeout.String())
	if err != nil {
		return 0, fmt.Errorf("recover stale entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Stats counts entries per status
type Stats struct {
	Total       int64 `json:"total"`
	Started     int64 `json:"started"`
	Finished    int64 `json:"finished"`
	Recoverable int64 `json:"recoverable"`
	Failed      int64 `json:"failed"`
}

// GetStats returns current inbox statistics
func (i *Inbox) GetStats(ctx context.Context) (*Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'STARTED'),
			COUNT(*) FILTER (WHERE status = 'FINISHED'),
			COUNT(*) FILTER (WHERE status = 'RECOVERABLE'),
			COUNT(*) FILTER (WHERE status = 'FAILED')
		FROM parse_inbox
	`
	s := &Stats{}
	if err := i.db.QueryRow(ctx, query).Scan(&s.Total, &s.Started, &s.Finished, &s.Recoverable, &s.Failed); err != nil {
		return nil, fmt.Errorf("inbox stats: %w", err)
	}
	return s, nil
}
