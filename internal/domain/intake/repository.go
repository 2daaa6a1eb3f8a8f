package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxparse/internal/rxparse"
)

var (
	// ErrNotFound means no parse matched
	ErrNotFound = errors.New("parsed prescription not found")
	// ErrAlreadySaved means the idempotency key was stored before; the
	// returned record is the earlier one
	ErrAlreadySaved = errors.New("parse already saved")
)

// Record is one row of parsed_prescriptions
type Record struct {
	ParseID           string                      `json:"parse_id"`
	SourceID          string                      `json:"source_id,omitempty"`
	IdempotencyKey    string                      `json:"idempotency_key"`
	Locale            string                      `json:"locale"`
	Outcome           rxparse.Outcome             `json:"outcome"`
	OverallConfidence float64                     `json:"overall_confidence"`
	MedicationCount   int                         `json:"medication_count"`
	ReferenceVersion  string                      `json:"reference_version"`
	Result            *rxparse.ParsedPrescription `json:"result,omitempty"`
	CreatedAt         time.Time                   `json:"created_at"`
}

// NewRecord summarises a parse result for storage. A new parse id is
// generated.
func NewRecord(sourceID, idempotencyKey string, res *rxparse.ParsedPrescription, now time.Time) *Record {
	return &Record{
		ParseID:           uuid.NewString(),
		SourceID:          sourceID,
		IdempotencyKey:    idempotencyKey,
		Locale:            string(res.Locale),
		Outcome:           res.Outcome,
		OverallConfidence: res.OverallConfidence,
		MedicationCount:   len(res.Medications),
		ReferenceVersion:  res.ReferenceVersion,
		Result:            res,
		CreatedAt:         now.UTC(),
	}
}

// Repository stores parses and their events
type Repository struct {
	db     postgres.DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db postgres.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

// Save writes rec and its outbox event in one transaction. When the
// idempotency key already exists the stored record is returned with
// ErrAlreadySaved and nothing is written.
func (r *Repository) Save(ctx context.Context, rec *Record, correlationID string) (*Record, error) {
	ctx, span := otel.Tracer("intake").Start(ctx, "save_parse")
	defer span.End()
	span.SetAttributes(
		attribute.String("parse_id", rec.ParseID),
		attribute.String("outcome", string(rec.Outcome)),
	)

	event, err := NewEvent(rec, correlationID)
	if err != nil {
		return nil, err
	}
	entry, err := event.OutboxEntry()
	if err != nil {
		return nil, err
	}
	result, err := json.Marshal(rec.Result)
	if err != nil {
		return nil, fmt.Errorf("marshal parse result: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var created time.Time
	err = tx.QueryRow(ctx, `
		INSERT INTO parsed_prescriptions
			(parse_id, source_id, idempotency_key, locale, outcome, overall_confidence,
			 medication_count, reference_version, result, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
		RETURNING created_at
	`, rec.ParseID, rec.SourceID, rec.IdempotencyKey, rec.Locale, string(rec.Outcome), rec.OverallConfidence,
		rec.MedicationCount, rec.ReferenceVersion, result, rec.CreatedAt).Scan(&created)
	if errors.Is(err, pgx.ErrNoRows) {
		_ = tx.Rollback(ctx)
		existing, ferr := r.FindByKey(ctx, rec.IdempotencyKey)
		if ferr != nil {
			return nil, fmt.Errorf("load existing parse: %w", ferr)
		}
		return existing, ErrAlreadySaved
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to insert parsed prescription: %w", err)
	}

	if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
		span.RecordError(err)
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	rec.CreatedAt = created
	r.logger.Debug("parse saved",
		zap.String("parse_id", rec.ParseID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Int64("outbox_id", entry.ID))
	return rec, nil
}

const selectRecord = `
	SELECT parse_id::text, source_id, idempotency_key, locale, outcome, overall_confidence::float8,
	       medication_count, reference_version, result, created_at
	FROM parsed_prescriptions
`

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec     Record
		outcome string
		result  []byte
	)
	if err := row.Scan(&rec.ParseID, &rec.SourceID, &rec.IdempotencyKey, &rec.Locale, &outcome,
		&rec.OverallConfidence, &rec.MedicationCount, &rec.ReferenceVersion, &result, &rec.CreatedAt); err != nil {
		return nil, err
	}
	rec.Outcome = rxparse.Outcome(outcome)
	if len(result) > 0 {
		rec.Result = &rxparse.ParsedPrescription{}
		if err := json.Unmarshal(result, rec.Result); err != nil {
			return nil, fmt.Errorf("decode stored result: %w", err)
		}
	}
	return &rec, nil
}

func (r *Repository) getOne(ctx context.Context, where string, arg any) (*Record, error) {
	rec, err := scanRecord(r.db.QueryRow(ctx, selectRecord+where, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load parsed prescription: %w", err)
	}
	return rec, nil
}

// Get loads a parse by id
func (r *Repository) Get(ctx context.Context, parseID string) (*Record, error) {
	if _, err := uuid.Parse(parseID); err != nil {
		return nil, ErrNotFound
	}
	return r.getOne(ctx, "WHERE parse_id = $1", parseID)
}

// FindByKey loads a parse by idempotency key
func (r *Repository) FindByKey(ctx context.Context, key string) (*Record, error) {
	return r.getOne(ctx, "WHERE idempotency_key = $1", key)
}

// ListByOutcome returns the newest parses with the given outcome, without
// their full results
func (r *Repository) ListByOutcome(ctx context.Context, outcome rxparse.Outcome, limit int) ([]*Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT parse_id::text, source_id, idempotency_key, locale, outcome, overall_confidence::float8,
		       medication_count, reference_version, NULL::jsonb, created_at
		FROM parsed_prescriptions
		WHERE outcome = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(outcome), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list parses: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*Record, error) {
		return scanRecord(row)
	})
}
