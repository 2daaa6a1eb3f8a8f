package rxparse

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Document is one prescription in a batch
type Document struct {
	ID                  string  `json:"id"`
	Text                string  `json:"text"`
	Locale              Locale  `json:"locale"`
	ConfidenceThreshold float64 `json:"confidence_threshold,omitempty"`
}

// BatchResult pairs a document ID with its parse
type BatchResult struct {
	ID     string              `json:"id"`
	Result *ParsedPrescription `json:"result"`
}

// ParseBatch parses documents in parallel on at most workers goroutines.
// Results keep the input order. Only context cancellation stops a batch.
func (p *Parser) ParseBatch(ctx context.Context, docs []Document, workers int, opts ...ParseOption) ([]BatchResult, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]BatchResult, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, doc := range docs {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			docOpts := opts
			if doc.ConfidenceThreshold != 0 {
				docOpts = append(append([]ParseOption{}, opts...), WithConfidenceThreshold(doc.ConfidenceThreshold))
			}
			results[i] = BatchResult{ID: doc.ID, Result: p.Parse(doc.Text, doc.Locale, docOpts...)}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
