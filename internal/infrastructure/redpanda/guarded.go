package redpanda

import (
	"context"

	"github.com/drfirst/go-rxparse/pkg/circuitbreaker"
)

// RecordPublisher is satisfied by *Producer
type RecordPublisher interface {
	PublishRecord(ctx context.Context, rec Record) error
}

// GuardedPublisher sends records through one circuit breaker per topic so a
// failing topic fails fast instead of piling up blocked callers
type GuardedPublisher struct {
	next     RecordPublisher
	breakers *circuitbreaker.Manager
}

// NewGuardedPublisher wraps next with breakers named "publish:<topic>"
func NewGuardedPublisher(next RecordPublisher, breakers *circuitbreaker.Manager) *GuardedPublisher {
	return &GuardedPublisher{next: next, breakers: breakers}
}

// PublishRecord publishes rec unless the topic's breaker is open
func (g *GuardedPublisher) PublishRecord(ctx context.Context, rec Record) error {
	cb, err := g.breakers.Get("publish:" + rec.Topic)
	if err != nil {
		return err
	}
	return cb.Execute(ctx, func(ctx context.Context) error {
		return g.next.PublishRecord(ctx, rec)
	})
}

// Publish satisfies the outbox publisher contract
func (g *GuardedPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	return g.PublishRecord(ctx, Record{Topic: topic, Key: key, Value: value})
}
