package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/segmentio/kafka-go"
)

type KafkaProducer interface {
	Send(ctx context.Context, topic string, key int64, value []byte) error
	Close() error
}

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(brokers []string) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		Async:        true,
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				slog.Error("async Kafka delivery failed", "messages", len(messages), "error", err)
			}
		},
	}
	return &Producer{writer: writer}
}

func (p *Producer) Send(ctx context.Context, topic string, key int64, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(fmt.Sprintf("%d", key)),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		slog.Error("failed to send Kafka message", "topic", topic, "key", key, "error", err)
		return err
	}
	slog.Debug("Kafka message sent", "topic", topic, "key", key)
	return nil
}

func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		slog.Error("failed to close Kafka writer", "error", err)
		return err
	}
	slog.Info("Kafka writer closed")
	return nil
}

// TransferEventPublisher emits one event per finished transfer, keyed by the
// sender so events for an account stay ordered within a partition.
type TransferEventPublisher struct {
	producer KafkaProducer
	topic    string
	now      func() time.Time
}

func NewTransferEventPublisher(producer KafkaProducer, topic string) *TransferEventPublisher {
	return &TransferEventPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *TransferEventPublisher) PublishTransferEvent(ctx context.Context, t *models.Transfer, reason string) error {
	event := models.TransferEvent{
		EventID:       uuid.NewString(),
		TransferID:    t.ID,
		Type:          t.Type,
		Status:        t.Status,
		FromAccountID: t.FromAccountID,
		Recipients:    t.Pairs(),
		Amount:        t.Amount,
		Reason:        reason,
		OccurredAt:    p.now().UTC(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transfer event: %w", err)
	}
	return p.producer.Send(ctx, p.topic, t.FromAccountID, payload)
}
