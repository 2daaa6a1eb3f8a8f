// Package redpanda wraps franz-go for the parse pipeline: topic admin, a
// producer for parse results and a consumer for OCR text.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxparse/internal/rxparse"
)

// Topics used by the parse pipeline
const (
	TopicTextExtracted         = "ocr.text.extracted"
	TopicPrescriptionsParsed   = "prescriptions.parsed"
	TopicPrescriptionsReview   = "prescriptions.review"
	TopicPrescriptionsRejected = "prescriptions.rejected"
	TopicDeadLetter            = "dead.letter"
)

// TopicForOutcome returns the topic a parse result with the given outcome is
// published to. Unknown outcomes go to the review topic so a person sees them.
func TopicForOutcome(o rxparse.Outcome) string {
	switch o {
	case rxparse.OutcomeAccepted:
		return TopicPrescriptionsParsed
	case rxparse.OutcomeRejected:
		return TopicPrescriptionsRejected
	default:
		return TopicPrescriptionsReview
	}
}

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the pipeline's topics. Replication is 1 for
// local Redpanda; production overrides it with --replication.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }
	retention := func(ms string) map[string]*string {
		return map[string]*string{
			"retention.ms":     ptr(ms),
			"cleanup.policy":   ptr("delete"),
			"compression.type": ptr("lz4"),
		}
	}

	return []TopicConfig{
		{Name: TopicTextExtracted, Partitions: 12, ReplicationFactor: 1, Configs: retention("259200000")},        // 3 days
		{Name: TopicPrescriptionsParsed, Partitions: 12, ReplicationFactor: 1, Configs: retention("604800000")},  // 7 days
		{Name: TopicPrescriptionsReview, Partitions: 6, ReplicationFactor: 1, Configs: retention("1209600000")},  // 14 days, humans are slow
		{Name: TopicPrescriptionsRejected, Partitions: 3, ReplicationFactor: 1, Configs: retention("604800000")}, // 7 days
		{Name: TopicDeadLetter, Partitions: 3, ReplicationFactor: 1, Configs: retention("2592000000")},          // 30 days
	}
}

// WithReplication returns a copy of configs with every replication factor
// set to rf
func WithReplication(configs []TopicConfig, rf int16) []TopicConfig {
	out := make([]TopicConfig, len(configs))
	copy(out, configs)
	for i := range out {
		out[i].ReplicationFactor = rf
	}
	return out
}

// Admin provides administrative operations for Redpanda
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Admin{
		client: kadm.NewClient(kgoClient),
		logger: logger,
	}, nil
}

// CreateTopics creates the specified topics, skipping ones that already exist.
// It returns the names it actually created.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) ([]string, error) {
	var created []string
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return created, fmt.Errorf("failed to create topic %s: %w", cfg.Name, err)
		}

		for _, r := range resp {
			if r.Err != nil {
				if errors.Is(r.Err, kerr.TopicAlreadyExists) {
					a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
					continue
				}
				return created, fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Err)
			}
			created = append(created, r.Topic)
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return created, nil
}

// EnsureTopics ensures all pipeline topics exist
func (a *Admin) EnsureTopics(ctx context.Context) ([]string, error) {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// ListTopics lists all topic names, sorted
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	topics, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}

	names := topics.Names()
	sort.Strings(names)
	return names, nil
}

// ConsumerGroupLag returns the total lag per topic for a consumer group
func (a *Admin) ConsumerGroupLag(ctx context.Context, groupID string) (map[string]int64, error) {
	described, err := a.client.Lag(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to get consumer group lag: %w", err)
	}

	result := make(map[string]int64)
	described.Each(func(l kadm.DescribedGroupLag) {
		for topic, partitions := range l.Lag {
			for _, lag := range partitions {
				result[topic] += lag.Lag
			}
		}
	})
	return result, nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}

// HealthCheck verifies Redpanda connectivity
func HealthCheck(ctx context.Context, brokers []string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}

	return nil
}
