// Package worker turns OCR text events into parse results on Redpanda. Each
// document is parsed at most once per idempotency key; malformed events are
// dead-lettered instead of retried.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/domain/intake"
	"github.com/drfirst/go-rxparse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxparse/internal/observability/metrics"
	"github.com/drfirst/go-rxparse/internal/observability/tracing"
	"github.com/drfirst/go-rxparse/internal/rxparse"
	"github.com/drfirst/go-rxparse/pkg/idempotency"
	"github.com/drfirst/go-rxparse/pkg/workerpool"
)

// HandlerName is recorded against every inbox entry the worker writes
const HandlerName = "parse-worker"

// ErrInvalidEvent marks an event that can never be parsed
var ErrInvalidEvent = errors.New("invalid text event")

// TextExtracted is the ocr.text.extracted payload
type TextExtracted struct {
	SourceID            string         `json:"source_id"`
	Text                string         `json:"text"`
	Locale              rxparse.Locale `json:"locale"`
	ConfidenceThreshold float64        `json:"confidence_threshold,omitempty"`
}

// DecodeEvent validates an ocr.text.extracted value. Errors wrap
// ErrInvalidEvent.
func DecodeEvent(value []byte) (*TextExtracted, error) {
	var ev TextExtracted
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	if strings.TrimSpace(ev.Text) == "" {
		return nil, fmt.Errorf("%w: text is empty", ErrInvalidEvent)
	}
	if ev.Locale == "" {
		ev.Locale = rxparse.LocaleEnglish
	}
	if ev.ConfidenceThreshold < 0 || ev.ConfidenceThreshold > 1 {
		return nil, fmt.Errorf("%w: confidence_threshold %v outside [0,1]", ErrInvalidEvent, ev.ConfidenceThreshold)
	}
	return &ev, nil
}

// Inbox deduplicates work; *idempotency.Inbox implements it
type Inbox interface {
	Process(ctx context.Context, msg idempotency.Message, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// ParsePool runs parses with bounded concurrency
type ParsePool interface {
	Do(ctx context.Context, id string, payload rxparse.Document) workerpool.Result[*rxparse.ParsedPrescription]
}

// Outcome is what the inbox stores for a finished document
type Outcome struct {
	ParseID string          `json:"parse_id"`
	Outcome rxparse.Outcome `json:"outcome"`
	Topic   string          `json:"topic"`
}

// Processor handles one consumed message at a time; it is safe for
// concurrent use by the consumer's partition goroutines
type Processor struct {
	pool      ParsePool
	inbox     Inbox
	publisher redpanda.RecordPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewProcessor creates a processor. m may be nil.
func NewProcessor(pool ParsePool, inbox Inbox, publisher redpanda.RecordPublisher, m *metrics.Metrics, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		pool:      pool,
		inbox:     inbox,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("parse-worker"),
		now:       time.Now,
	}
}

// ParseFunc adapts a parser to the worker pool
func ParseFunc(p *rxparse.Parser) workerpool.WorkerFunc[rxparse.Document, *rxparse.ParsedPrescription] {
	return func(_ context.Context, doc rxparse.Document) (*rxparse.ParsedPrescription, error) {
		var opts []rxparse.ParseOption
		if doc.ConfidenceThreshold > 0 {
			opts = append(opts, rxparse.WithConfidenceThreshold(doc.ConfidenceThreshold))
		}
		return p.Parse(doc.Text, doc.Locale, opts...), nil
	}
}

// Handle is a redpanda.MessageHandler. A returned error makes the consumer
// retry the record; events that can never succeed are dead-lettered and
// acknowledged.
func (p *Processor) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := p.tracer.Start(ctx, "parse_worker.handle",
		trace.WithAttributes(
			attribute.String("messaging.source", msg.Topic),
			attribute.Int64("messaging.offset", msg.Offset),
		))
	defer span.End()

	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		p.logger.Warn("undecodable text event",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return p.deadLetter(ctx, msg, err)
	}

	key := idempotency.GenerateKey(ev.SourceID, string(ev.Locale), ev.Text)
	span.SetAttributes(attribute.String("idempotency_key", key))

	var correlationID string
	if sc := span.SpanContext(); sc.HasTraceID() {
		correlationID = sc.TraceID().String()
	}

	res, err := p.inbox.Process(ctx, idempotency.Message{Key: key, Handler: HandlerName, SourceID: ev.SourceID},
		func(ctx context.Context) (json.RawMessage, error) {
			return p.parseAndPublish(ctx, key, ev, correlationID)
		})
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		p.logger.Info("skipping document that failed before", zap.String("idempotency_key", key))
		return nil
	case idempotency.IsTerminal(err):
		return p.deadLetter(ctx, msg, err)
	default:
		span.RecordError(err)
		return err
	}

	if res.Duplicate {
		p.logger.Debug("duplicate document", zap.String("idempotency_key", key), zap.String("source_id", ev.SourceID))
	}
	return nil
}

func (p *Processor) parseAndPublish(ctx context.Context, key string, ev *TextExtracted, correlationID string) (json.RawMessage, error) {
	doc := rxparse.Document{ID: key, Text: ev.Text, Locale: ev.Locale, ConfidenceThreshold: ev.ConfidenceThreshold}

	start := time.Now()
	r := p.pool.Do(ctx, key, doc)
	if r.Err != nil {
		return nil, fmt.Errorf("parse: %w", r.Err)
	}
	p.metrics.ObserveParse(r.Value, time.Since(start))
	trace.SpanFromContext(ctx).SetAttributes(tracing.ParseAttributes(r.Value)...)

	rec := intake.NewRecord(ev.SourceID, key, r.Value, p.now())
	event, err := intake.NewEvent(rec, correlationID)
	if err != nil {
		return nil, idempotency.Terminal(err)
	}
	kr, err := event.Record()
	if err != nil {
		return nil, idempotency.Terminal(err)
	}

	if err := p.publisher.PublishRecord(ctx, kr); err != nil {
		return nil, fmt.Errorf("publish %s: %w", kr.Topic, err)
	}

	p.logger.Info("prescription parsed",
		zap.String("parse_id", rec.ParseID),
		zap.String("source_id", ev.SourceID),
		zap.String("outcome", string(rec.Outcome)),
		zap.Float64("confidence", rec.OverallConfidence),
		zap.Int("medications", rec.MedicationCount),
		zap.String("topic", kr.Topic),
	)
	return json.Marshal(Outcome{ParseID: rec.ParseID, Outcome: rec.Outcome, Topic: kr.Topic})
}

func (p *Processor) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, reason error) error {
	dl := redpanda.NewDeadLetter(HandlerName, msg.Topic, string(msg.Key), msg.Value, reason, p.now())
	rec, err := dl.Record()
	if err != nil {
		return fmt.Errorf("build dead letter: %w", err)
	}
	if err := p.publisher.PublishRecord(ctx, rec); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}
	if p.metrics != nil {
		p.metrics.DeadLettered.Inc()
	}
	return nil
}
