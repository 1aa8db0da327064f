// Package redpanda publishes outbox events to Redpanda and manages the
// topics they land on.
package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names for clinic domain events.
const (
	TopicPrescriptionEvents   = "prescription.events"
	TopicIdentityEvents       = "identity.events"
	TopicAppointmentEvents    = "appointment.events"
	TopicPaymentEvents        = "payment.events"
	TopicMedicalHistoryEvents = "medical_history.events"
	TopicContactMessages      = "contact.messages"
	TopicDeadLetter           = "dead.letter"
)

// TopicConfig holds configuration for a Kafka topic
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Configs           map[string]*string
}

// DefaultTopicConfigs returns the topic layout for a single-broker deployment.
// Clinical events are kept 30 days; contact messages and dead letters 7.
func DefaultTopicConfigs() []TopicConfig {
	ptr := func(s string) *string { return &s }
	topic := func(name string, partitions int32, retention string) TopicConfig {
		return TopicConfig{
			Name:              name,
			Partitions:        partitions,
			ReplicationFactor: 1,
			Configs: map[string]*string{
				"retention.ms":     ptr(retention),
				"cleanup.policy":   ptr("delete"),
				"compression.type": ptr("lz4"),
			},
		}
	}

	const (
		week  = "604800000"
		month = "2592000000"
	)
	return []TopicConfig{
		topic(TopicPrescriptionEvents, 6, month),
		topic(TopicIdentityEvents, 3, month),
		topic(TopicAppointmentEvents, 3, month),
		topic(TopicPaymentEvents, 3, month),
		topic(TopicMedicalHistoryEvents, 3, month),
		topic(TopicContactMessages, 1, week),
		topic(TopicDeadLetter, 1, week),
	}
}

// Admin creates and inspects topics.
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
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// CreateTopics creates the given topics. Existing topics are left as they are.
func (a *Admin) CreateTopics(ctx context.Context, configs []TopicConfig) error {
	for _, cfg := range configs {
		resp, err := a.client.CreateTopics(ctx, cfg.Partitions, cfg.ReplicationFactor, cfg.Configs, cfg.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", cfg.Name, err)
		}
		for _, r := range resp {
			if errors.Is(r.Err, kerr.TopicAlreadyExists) {
				a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
				continue
			}
			if r.Err != nil {
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			}
			a.logger.Info("topic created",
				zap.String("topic", r.Topic),
				zap.Int32("partitions", cfg.Partitions))
		}
	}
	return nil
}

// EnsureTopics creates every clinic topic that is missing.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	return a.CreateTopics(ctx, DefaultTopicConfigs())
}

// Missing returns the clinic topics the cluster does not have.
func (a *Admin) Missing(ctx context.Context) ([]string, error) {
	var names []string
	for _, cfg := range DefaultTopicConfigs() {
		names = append(names, cfg.Name)
	}
	topics, err := a.client.ListTopics(ctx, names...)
	if err != nil {
		return nil, fmt.Errorf("list topics: %w", err)
	}
	var missing []string
	for _, name := range names {
		if d, ok := topics[name]; !ok || d.Err != nil {
			missing = append(missing, name)
		}
	}
	return missing, nil
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
		return fmt.Errorf("create client: %w", err)
	}
	defer client.Close()

	if err := client.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}
