package publish

import (
	"context"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
)

// Bus publishes one serialized Message to its Topic. Implementations
// must preserve FIFO ordering for messages published sequentially from
// the same goroutine, since chunk/summary ordering depends on it.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// TopicNames maps a logical Topic to the concrete Kafka topic name
// configured for this deployment.
type TopicNames map[Topic]string

// DefaultTopicNames returns the identity mapping, suitable for
// deployments that name their Kafka topics after the logical Topic
// values directly.
func DefaultTopicNames() TopicNames {
	return TopicNames{
		TopicEvents:              "events",
		TopicTransactions:        "transactions",
		TopicAttachments:         "attachments",
		TopicSessions:            "sessions",
		TopicMetricsSessions:     "metrics_sessions",
		TopicMetricsTransactions: "metrics_transactions",
		TopicProfiles:            "profiles",
		TopicReplayEvents:        "replay_events",
		TopicReplayRecordings:    "replay_recordings",
	}
}

// SaramaBus publishes to Kafka through a sarama.SyncProducer, one
// partition key per message and the topic resolved through TopicNames.
type SaramaBus struct {
	producer sarama.SyncProducer
	topics   TopicNames
}

// NewSaramaBus wires a synchronous producer against brokers. Callers
// needing TLS/SASL/compression tuning should build their own
// *sarama.Config and call NewSaramaBusWithConfig instead.
func NewSaramaBus(brokers []string, topics TopicNames) (*SaramaBus, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Return.Successes = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return NewSaramaBusWithConfig(brokers, topics, cfg)
}

// NewSaramaBusWithConfig wires a synchronous producer using a
// caller-supplied sarama.Config.
func NewSaramaBusWithConfig(brokers []string, topics TopicNames, cfg *sarama.Config) (*SaramaBus, error) {
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("publish: dial kafka: %w", err)
	}
	return &SaramaBus{producer: producer, topics: topics}, nil
}

// Publish serializes msg and sends it to the Kafka topic its logical
// Topic resolves to, keyed for consistent partitioning.
func (b *SaramaBus) Publish(_ context.Context, msg Message) error {
	payload, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("publish: marshal %s message: %w", msg.Variant(), err)
	}

	name, ok := b.topics[msg.Topic()]
	if !ok {
		return fmt.Errorf("publish: no kafka topic configured for %q", msg.Topic())
	}

	key := msg.Key()
	_, _, err = b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: name,
		Key:   sarama.ByteEncoder(key[:]),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("publish: send %s message: %w", msg.Variant(), err)
	}
	return nil
}

// Close shuts down the underlying producer.
func (b *SaramaBus) Close() error {
	return b.producer.Close()
}

// MemoryBus records every published message in order, for tests that
// assert on chunk/summary ordering and topic selection without a live
// Kafka broker.
type MemoryBus struct {
	mu       sync.Mutex
	Messages []Message
}

// NewMemoryBus returns an empty recorder.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

func (b *MemoryBus) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Messages = append(b.Messages, msg)
	return nil
}

func (b *MemoryBus) Close() error { return nil }
