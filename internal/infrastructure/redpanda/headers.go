package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Header names set by the pipeline alongside the trace context
const (
	HeaderSourceID       = "source-id"
	HeaderIdempotencyKey = "idempotency-key"
	HeaderOutcome        = "parse-outcome"
	HeaderError          = "error"
	HeaderOriginalTopic  = "original-topic"
)

// HeaderCarrier adapts record headers to propagation.TextMapCarrier
type HeaderCarrier struct {
	record *kgo.Record
}

var _ propagation.TextMapCarrier = HeaderCarrier{}

// NewHeaderCarrier returns a carrier reading and writing r's headers
func NewHeaderCarrier(r *kgo.Record) HeaderCarrier {
	return HeaderCarrier{record: r}
}

// Get returns the last value stored under key
func (c HeaderCarrier) Get(key string) string {
	for i := len(c.record.Headers) - 1; i >= 0; i-- {
		if c.record.Headers[i].Key == key {
			return string(c.record.Headers[i].Value)
		}
	}
	return ""
}

// Set replaces any existing value for key
func (c HeaderCarrier) Set(key, value string) {
	for i, h := range c.record.Headers {
		if h.Key == key {
			c.record.Headers[i].Value = []byte(value)
			return
		}
	}
	c.record.Headers = append(c.record.Headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

// Keys lists header keys
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.record.Headers))
	for _, h := range c.record.Headers {
		keys = append(keys, h.Key)
	}
	return keys
}

// InjectTraceContext writes the span context in ctx into the record headers
// using the global propagator
func InjectTraceContext(ctx context.Context, r *kgo.Record) {
	otel.GetTextMapPropagator().Inject(ctx, NewHeaderCarrier(r))
}

// ExtractTraceContext returns ctx carrying the remote span context found in
// the record headers, if any
func ExtractTraceContext(ctx context.Context, r *kgo.Record) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, NewHeaderCarrier(r))
}

// HeaderValue returns the value of a header or ""
func HeaderValue(r *kgo.Record, key string) string {
	return NewHeaderCarrier(r).Get(key)
}
