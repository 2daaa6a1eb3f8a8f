package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/drfirst/go-rxparse/pkg/circuitbreaker"
)

func TestNewDeadLetter(t *testing.T) {
	at := time.Date(2026, 10, 15, 11, 0, 0, 0, time.FixedZone("SAST", 2*3600))

	jsonDL := NewDeadLetter("parse-worker", TopicTextExtracted, "scan-1", []byte(`{"text":1}`), errors.New("text must be a string"), at)
	if string(jsonDL.Payload) != `{"text":1}` || jsonDL.Raw != "" {
		t.Errorf("JSON value should be kept as payload: %+v", jsonDL)
	}
	if jsonDL.FailedAt.Location() != time.UTC {
		t.Errorf("failed_at should be UTC, got %v", jsonDL.FailedAt)
	}

	rawDL := NewDeadLetter("parse-worker", TopicTextExtracted, "scan-2", []byte("not json"), nil, at)
	if rawDL.Payload != nil || rawDL.Raw != "not json" || rawDL.Reason != "" {
		t.Errorf("non-JSON value should be kept raw: %+v", rawDL)
	}

	rec, err := jsonDL.Record()
	if err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if rec.Topic != TopicDeadLetter || rec.Key != "scan-1" || rec.Headers[HeaderOriginalTopic] != TopicTextExtracted {
		t.Errorf("record = %+v", rec)
	}

	var decoded DeadLetter
	if err := json.Unmarshal(rec.Value, &decoded); err != nil {
		t.Fatalf("dead letter is not JSON: %v", err)
	}
	if decoded.Reason != "text must be a string" || decoded.Source != "parse-worker" {
		t.Errorf("decoded = %+v", decoded)
	}
}

type flakyPublisher struct {
	err   error
	calls int
	last  Record
}

func (f *flakyPublisher) PublishRecord(ctx context.Context, rec Record) error {
	f.calls++
	f.last = rec
	return f.err
}

func TestGuardedPublisherOpensPerTopic(t *testing.T) {
	next := &flakyPublisher{err: errors.New("broker unavailable")}
	breakers := circuitbreaker.NewManager(func(name string) circuitbreaker.Config {
		cfg := circuitbreaker.DefaultConfig(name)
		cfg.FailureThreshold = 2
		cfg.Timeout = time.Hour
		return cfg
	}, nil)
	g := NewGuardedPublisher(next, breakers)

	for i := 0; i < 2; i++ {
		if err := g.Publish(context.Background(), TopicPrescriptionsParsed, "k", []byte("{}")); err == nil {
			t.Fatal("expected publish error")
		}
	}

	err := g.Publish(context.Background(), TopicPrescriptionsParsed, "k", []byte("{}"))
	if !circuitbreaker.IsOpen(err) {
		t.Fatalf("expected open breaker, got %v", err)
	}
	if next.calls != 2 {
		t.Errorf("calls = %d, want 2 (open breaker must not reach the producer)", next.calls)
	}

	// Other topics keep their own breaker
	next.err = nil
	if err := g.Publish(context.Background(), TopicPrescriptionsReview, "k", []byte("{}")); err != nil {
		t.Errorf("review topic publish failed: %v", err)
	}
	if next.last.Topic != TopicPrescriptionsReview {
		t.Errorf("last topic = %s", next.last.Topic)
	}
}
