package rxparse

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestParseBatchKeepsOrder(t *testing.T) {
	p := newTestParser(t)

	docs := make([]Document, 0, 12)
	for i := 0; i < 12; i++ {
		docs = append(docs, Document{
			ID:     fmt.Sprintf("rx-%02d", i),
			Text:   fmt.Sprintf("Lipitor %dmg take 1 tablet at night", 10*(i+1)),
			Locale: LocaleEnglish,
		})
	}

	results, err := p.ParseBatch(context.Background(), docs, 4, WithParseDate(thursday))
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(results) != len(docs) {
		t.Fatalf("expected %d results, got %d", len(docs), len(results))
	}
	for i, r := range results {
		if r.ID != docs[i].ID {
			t.Errorf("result %d id = %s, want %s", i, r.ID, docs[i].ID)
		}
		if got := r.Result.Medications[0].Strength.Value.Amount; got != float64(10*(i+1)) {
			t.Errorf("result %d strength = %v", i, got)
		}
	}
}

func TestParseBatchPerDocumentThreshold(t *testing.T) {
	p := newTestParser(t)

	text := "Metformin 500mg\nTake 2 tablets at 8h00 and 20h00 daily"
	docs := []Document{
		{ID: "default", Text: text, Locale: LocaleEnglish},
		{ID: "strict", Text: text, Locale: LocaleEnglish, ConfidenceThreshold: 0.95},
	}
	results, err := p.ParseBatch(context.Background(), docs, 2, WithParseDate(thursday))
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if results[0].Result.Outcome != OutcomeAccepted {
		t.Errorf("default outcome = %s", results[0].Result.Outcome)
	}
	if results[1].Result.Outcome != OutcomeManualReview || results[1].Result.ConfidenceThreshold != 0.95 {
		t.Errorf("strict outcome = %s at %v", results[1].Result.Outcome, results[1].Result.ConfidenceThreshold)
	}
}

func TestParseBatchCancelled(t *testing.T) {
	p := newTestParser(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ParseBatch(ctx, []Document{{ID: "a", Text: "Panado 500mg bd"}}, 1)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestParseBatchEmpty(t *testing.T) {
	p := newTestParser(t)

	results, err := p.ParseBatch(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
