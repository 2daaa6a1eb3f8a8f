// Package metrics provides Prometheus metrics for the parse services.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-rxparse/internal/rxparse"
)

// Metrics holds all application metrics
type Metrics struct {
	ParsesTotal           *prometheus.CounterVec
	ParseDuration         prometheus.Histogram
	ParseConfidence       prometheus.Histogram
	MedicationsExtracted  prometheus.Counter
	ParsingErrors         prometheus.Counter
	CacheHits             prometheus.Counter
	CacheMisses           prometheus.Counter
	KafkaMessagesProduced *prometheus.CounterVec
	KafkaMessagesConsumed prometheus.Counter
	DeadLettered          prometheus.Counter
	OutboxPending         prometheus.Gauge
	CircuitBreakerState   *prometheus.GaugeVec
	ReferenceReloads      *prometheus.CounterVec
	HTTPDuration          *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates all metrics and registers them on reg. A nil reg gets a fresh
// registry so tests and CLI runs never collide with the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		ParsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxparse_parses_total",
			Help: "Prescriptions parsed, by outcome",
		}, []string{"outcome"}),
		ParseDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxparse_parse_duration_seconds",
			Help:    "Time to parse one prescription",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		ParseConfidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "rxparse_overall_confidence",
			Help:    "Overall confidence of parsed prescriptions",
			Buckets: []float64{.1, .2, .3, .4, .5, .6, .7, .8, .9, 1},
		}),
		MedicationsExtracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxparse_medications_extracted_total",
			Help: "Medication lines extracted",
		}),
		ParsingErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxparse_parsing_errors_total",
			Help: "Parsing errors reported in results",
		}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxparse_cache_hits_total",
			Help: "Parse results served from cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxparse_cache_misses_total",
			Help: "Parse requests that missed the cache",
		}),
		KafkaMessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic"}),
		KafkaMessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed",
		}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "kafka_dead_letter_total",
			Help: "Messages routed to the dead letter topic",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		ReferenceReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxparse_reference_reloads_total",
			Help: "Reference table reloads, by result",
		}, []string{"result"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.ParsesTotal,
		m.ParseDuration,
		m.ParseConfidence,
		m.MedicationsExtracted,
		m.ParsingErrors,
		m.CacheHits,
		m.CacheMisses,
		m.KafkaMessagesProduced,
		m.KafkaMessagesConsumed,
		m.DeadLettered,
		m.OutboxPending,
		m.CircuitBreakerState,
		m.ReferenceReloads,
		m.HTTPDuration,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	} else {
		m.gatherer = prometheus.DefaultGatherer
	}
	return m
}

// ObserveParse records one finished parse
func (m *Metrics) ObserveParse(res *rxparse.ParsedPrescription, elapsed time.Duration) {
	if m == nil || res == nil {
		return
	}
	m.ParsesTotal.WithLabelValues(string(res.Outcome)).Inc()
	m.ParseDuration.Observe(elapsed.Seconds())
	m.ParseConfidence.Observe(res.OverallConfidence)
	m.MedicationsExtracted.Add(float64(len(res.Medications)))
	m.ParsingErrors.Add(float64(len(res.ParsingErrors)))
}

// SetBreakerState records the gauge level of a breaker
func (m *Metrics) SetBreakerState(name string, level float64) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(level)
}

// Handler serves the registry the metrics were registered on
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
