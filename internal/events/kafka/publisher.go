// Package kafka publishes ledger events to a Kafka topic.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/MarkoPoloResearchLab/accrual/pkg/accrual"
)

const defaultTopic = "ledger_events"

// Publisher writes ledger events as JSON messages keyed by user id.
type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher wires a writer for the given brokers. An empty topic falls
// back to the default.
func NewPublisher(brokers []string, topic string) *Publisher {
	if topic == "" {
		topic = defaultTopic
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

type eventMessage struct {
	UserID    string         `json:"user_id"`
	Kind      string         `json:"kind"`
	Amount    string         `json:"amount"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Publish serializes the event and writes it to the topic.
func (publisher *Publisher) Publish(ctx context.Context, event accrual.Event) error {
	payload, err := json.Marshal(eventMessage{
		UserID:    event.UserID,
		Kind:      string(event.Kind),
		Amount:    event.Amount.String(),
		Metadata:  event.Metadata,
		CreatedAt: event.CreatedAt.UTC(),
	})
	if err != nil {
		return err
	}
	return publisher.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.UserID),
		Value: payload,
	})
}

// Close flushes and closes the underlying writer.
func (publisher *Publisher) Close() error {
	return publisher.writer.Close()
}
