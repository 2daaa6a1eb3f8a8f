// Package intake records finished parses: one row per parsed prescription and
// one event per row, relayed to Redpanda through the outbox.
package intake

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/drfirst/go-rxparse/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxparse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxparse/internal/rxparse"
)

// AggregateType names parsed prescriptions in the outbox
const AggregateType = "ParsedPrescription"

// EventType represents the type of domain event
type EventType string

const (
	EventPrescriptionParsed      EventType = "PrescriptionParsed"
	EventPrescriptionNeedsReview EventType = "PrescriptionNeedsReview"
	EventPrescriptionRejected    EventType = "PrescriptionRejected"
)

// EventTypeFor maps a parse outcome to the event announcing it
func EventTypeFor(o rxparse.Outcome) EventType {
	switch o {
	case rxparse.OutcomeAccepted:
		return EventPrescriptionParsed
	case rxparse.OutcomeRejected:
		return EventPrescriptionRejected
	default:
		return EventPrescriptionNeedsReview
	}
}

// Event is the envelope published for every finished parse
type Event struct {
	ID             string          `json:"id"`
	AggregateID    string          `json:"aggregate_id"`
	AggregateType  string          `json:"aggregate_type"`
	EventType      EventType       `json:"event_type"`
	Outcome        rxparse.Outcome `json:"outcome"`
	EventData      json.RawMessage `json:"event_data"`
	Timestamp      time.Time       `json:"timestamp"`
	SourceID       string          `json:"source_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
}

// ParseCompletedData is the event body
type ParseCompletedData struct {
	ParseID           string                      `json:"parse_id"`
	SourceID          string                      `json:"source_id,omitempty"`
	Locale            string                      `json:"locale"`
	Outcome           rxparse.Outcome             `json:"outcome"`
	OverallConfidence float64                     `json:"overall_confidence"`
	MedicationCount   int                         `json:"medication_count"`
	ReferenceVersion  string                      `json:"reference_version"`
	Result            *rxparse.ParsedPrescription `json:"result"`
}

// NewEvent builds the event for a stored parse
func NewEvent(rec *Record, correlationID string) (*Event, error) {
	if rec == nil || rec.Result == nil {
		return nil, fmt.Errorf("intake: record has no parse result")
	}
	data, err := json.Marshal(ParseCompletedData{
		ParseID:           rec.ParseID,
		SourceID:          rec.SourceID,
		Locale:            rec.Locale,
		Outcome:           rec.Outcome,
		OverallConfidence: rec.OverallConfidence,
		MedicationCount:   rec.MedicationCount,
		ReferenceVersion:  rec.ReferenceVersion,
		Result:            rec.Result,
	})
	if err != nil {
		return nil, fmt.Errorf("intake: marshal event data: %w", err)
	}

	ts := rec.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &Event{
		ID:             uuid.NewString(),
		AggregateID:    rec.ParseID,
		AggregateType:  AggregateType,
		EventType:      EventTypeFor(rec.Outcome),
		Outcome:        rec.Outcome,
		EventData:      data,
		Timestamp:      ts.UTC(),
		SourceID:       rec.SourceID,
		IdempotencyKey: rec.IdempotencyKey,
		CorrelationID:  correlationID,
	}, nil
}

// Topic is where the event is published
func (e *Event) Topic() string {
	return redpanda.TopicForOutcome(e.Outcome)
}

// Key partitions events by source document so retries of one scan stay in
// order; parses without a source id fall back to the parse id
func (e *Event) Key() string {
	if e.SourceID != "" {
		return e.SourceID
	}
	return e.AggregateID
}

// Record returns the event as a Redpanda record with routing headers
func (e *Event) Record() (redpanda.Record, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return redpanda.Record{}, fmt.Errorf("intake: marshal event: %w", err)
	}
	headers := map[string]string{
		redpanda.HeaderIdempotencyKey: e.IdempotencyKey,
		redpanda.HeaderOutcome:        string(e.Outcome),
	}
	if e.SourceID != "" {
		headers[redpanda.HeaderSourceID] = e.SourceID
	}
	return redpanda.Record{Topic: e.Topic(), Key: e.Key(), Value: value, Headers: headers}, nil
}

// OutboxEntry returns the event as an outbox row
func (e *Event) OutboxEntry() (*postgres.OutboxEntry, error) {
	value, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("intake: marshal event: %w", err)
	}
	return &postgres.OutboxEntry{
		AggregateID:   e.AggregateID,
		AggregateType: e.AggregateType,
		EventType:     string(e.EventType),
		Payload:       value,
		KafkaTopic:    e.Topic(),
		KafkaKey:      e.Key(),
	}, nil
}
