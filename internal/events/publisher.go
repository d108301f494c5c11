// Package events relays committed outbox rows to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"qms/clinic-queue/internal/store"

	"github.com/charmbracelet/log"
	"github.com/segmentio/kafka-go"
)

type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
	Close() error
}

// envelope is the value written to the broker.
type envelope struct {
	EventID     string          `json:"event_id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	CreatedAt   string          `json:"created_at"`
	Payload     json.RawMessage `json:"payload"`
}

type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

// Publish keys messages by aggregate so one entry's events stay ordered in a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	value, err := encode(event)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.EventID)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.EventID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

type LogPublisher struct {
	logger *log.Logger
}

func NewLogPublisher(logger *log.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	p.logger.Info("outbox event", "event_id", event.EventID, "type", event.Type, "aggregate_id", event.AggregateID, "payload", string(event.Payload))
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

func encode(event store.OutboxEvent) ([]byte, error) {
	return json.Marshal(envelope{
		EventID:     event.EventID,
		Type:        event.Type,
		AggregateID: event.AggregateID,
		CreatedAt:   event.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Payload:     event.Payload,
	})
}
