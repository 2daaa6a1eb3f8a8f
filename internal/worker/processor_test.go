package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/drfirst/go-rxparse/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxparse/internal/refdata"
	"github.com/drfirst/go-rxparse/internal/rxparse"
	"github.com/drfirst/go-rxparse/pkg/idempotency"
	"github.com/drfirst/go-rxparse/pkg/workerpool"
)

// memInbox mimics the Postgres inbox: finished keys replay, terminal
// failures stick
type memInbox struct {
	mu       sync.Mutex
	finished map[string]json.RawMessage
	failed   map[string]bool
}

func newMemInbox() *memInbox {
	return &memInbox{finished: map[string]json.RawMessage{}, failed: map[string]bool{}}
}

func (m *memInbox) Process(ctx context.Context, msg idempotency.Message, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error) {
	m.mu.Lock()
	if r, ok := m.finished[msg.Key]; ok {
		m.mu.Unlock()
		return &idempotency.ProcessResult{Duplicate: true, Result: r}, nil
	}
	if m.failed[msg.Key] {
		m.mu.Unlock()
		return nil, idempotency.ErrPreviouslyFailed
	}
	m.mu.Unlock()

	r, err := fn(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		if idempotency.IsTerminal(err) {
			m.failed[msg.Key] = true
		}
		return nil, err
	}
	m.finished[msg.Key] = r
	return &idempotency.ProcessResult{IsNew: true, Result: r}, nil
}

type directPool struct {
	fn workerpool.WorkerFunc[rxparse.Document, *rxparse.ParsedPrescription]
}

func (d directPool) Do(ctx context.Context, id string, doc rxparse.Document) workerpool.Result[*rxparse.ParsedPrescription] {
	v, err := d.fn(ctx, doc)
	return workerpool.Result[*rxparse.ParsedPrescription]{TaskID: id, Attempts: 1, Value: v, Err: err}
}

type recordingPublisher struct {
	mu      sync.Mutex
	records []redpanda.Record
	err     error
}

func (p *recordingPublisher) PublishRecord(_ context.Context, rec redpanda.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.records = append(p.records, rec)
	return nil
}

func newTestProcessor(t *testing.T) (*Processor, *recordingPublisher) {
	t.Helper()
	parser, err := rxparse.New(refdata.MustDefault())
	if err != nil {
		t.Fatalf("failed to create parser: %v", err)
	}
	pub := &recordingPublisher{}
	return NewProcessor(directPool{fn: ParseFunc(parser)}, newMemInbox(), pub, nil, nil), pub
}

func message(t *testing.T, ev any) *redpanda.ConsumedMessage {
	t.Helper()
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &redpanda.ConsumedMessage{Topic: redpanda.TopicTextExtracted, Key: []byte("scan-1"), Value: b}
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"valid", `{"source_id":"s","text":"Panado 500mg","locale":"af"}`, false},
		{"default locale", `{"text":"Panado 500mg"}`, false},
		{"not json", `Panado 500mg`, true},
		{"blank text", `{"text":"  "}`, true},
		{"bad threshold", `{"text":"Panado","confidence_threshold":1.5}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := DecodeEvent([]byte(tt.value))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Errorf("error = %v, want ErrInvalidEvent", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Locale == "" {
				t.Error("locale should default")
			}
		})
	}
}

func TestHandlePublishesByOutcome(t *testing.T) {
	p, pub := newTestProcessor(t)

	msg := message(t, TextExtracted{
		SourceID: "scan-1",
		Text:     "Metformin 500mg\nTake 2 tablets at 8h00 and 20h00 daily",
		Locale:   rxparse.LocaleEnglish,
	})
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(pub.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(pub.records))
	}
	rec := pub.records[0]
	outcome := rxparse.Outcome(rec.Headers[redpanda.HeaderOutcome])
	if rec.Topic != redpanda.TopicForOutcome(outcome) {
		t.Errorf("topic %s does not match outcome %s", rec.Topic, outcome)
	}
	if rec.Key != "scan-1" || rec.Headers[redpanda.HeaderIdempotencyKey] == "" {
		t.Errorf("record = %+v", rec)
	}

	// the same document again is answered from the inbox
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("second Handle failed: %v", err)
	}
	if len(pub.records) != 1 {
		t.Errorf("duplicate was published again, %d records", len(pub.records))
	}
}

func TestHandleDeadLettersUndecodable(t *testing.T) {
	p, pub := newTestProcessor(t)

	msg := &redpanda.ConsumedMessage{Topic: redpanda.TopicTextExtracted, Key: []byte("scan-2"), Value: []byte("not json")}
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle should acknowledge undecodable events: %v", err)
	}
	if len(pub.records) != 1 || pub.records[0].Topic != redpanda.TopicDeadLetter {
		t.Fatalf("expected one dead letter, got %+v", pub.records)
	}
	var dl redpanda.DeadLetter
	if err := json.Unmarshal(pub.records[0].Value, &dl); err != nil {
		t.Fatalf("dead letter is not JSON: %v", err)
	}
	if dl.Raw != "not json" || dl.OriginalTopic != redpanda.TopicTextExtracted || dl.Source != HandlerName {
		t.Errorf("dead letter = %+v", dl)
	}
}

func TestHandleRetriesPublishFailure(t *testing.T) {
	p, pub := newTestProcessor(t)
	pub.err = errors.New("broker unavailable")

	msg := message(t, TextExtracted{SourceID: "scan-3", Text: "Lipitor 20mg take 1 tablet at night"})
	if err := p.Handle(context.Background(), msg); err == nil {
		t.Fatal("expected error so the consumer retries")
	}

	pub.err = nil
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if len(pub.records) != 1 {
		t.Errorf("expected 1 record after retry, got %d", len(pub.records))
	}
}

func TestHandleSkipsPreviouslyFailed(t *testing.T) {
	inbox := newMemInbox()
	pub := &recordingPublisher{}
	pool := directPool{fn: func(context.Context, rxparse.Document) (*rxparse.ParsedPrescription, error) {
		return nil, idempotency.Terminal(errors.New("unparseable"))
	}}
	p := NewProcessor(pool, inbox, pub, nil, nil)

	msg := message(t, TextExtracted{Text: "Panado"})
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("terminal failure should be dead-lettered, got %v", err)
	}
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("previously failed document should be skipped, got %v", err)
	}
	if len(pub.records) != 1 || pub.records[0].Topic != redpanda.TopicDeadLetter {
		t.Errorf("expected a single dead letter, got %+v", pub.records)
	}
}
