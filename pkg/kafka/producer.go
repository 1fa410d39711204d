package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Event is a service event published for downstream consumers
// (analytics, notifications). Ledger and job lifecycle changes emit these.
type Event struct {
	EventID   string `json:"event_id"`
	EventType string `json:"event_type"`
	UserID    string `json:"user_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Balance   int64  `json:"balance,omitempty"`
	Reference string `json:"reference,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Producer publishes service events to Kafka.
type Producer struct {
	client *kgo.Client
	logger *logrus.Logger
	topic  string
}

// NewProducer creates a Kafka producer for the given topic.
func NewProducer(brokers []string, topic, clientID string, logger *logrus.Logger) (*Producer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID(clientID),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	if p == nil {
		return
	}
	p.client.Close()
}

// Publish produces a single event synchronously. A nil Producer is a no-op,
// so callers do not need to guard for the unconfigured case.
func (p *Producer) Publish(event Event) error {
	if p == nil {
		return nil
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.EventID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
	if event.UserID != "" {
		record.Headers = append(record.Headers, kgo.RecordHeader{
			Key:   "user_id",
			Value: []byte(event.UserID),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(ctx, record)
	if err := result.FirstErr(); err != nil {
		return fmt.Errorf("failed to produce event: %w", err)
	}

	return nil
}

// HealthCheck pings the Kafka cluster.
func (p *Producer) HealthCheck() error {
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka health check failed: %w", err)
	}
	return nil
}
