package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/segmentio/kafka-go"
)

// CacheInvalidator drops read-side account snapshots.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, ids ...int64) error
}

type Consumer struct {
	reader *kafka.Reader
	cache  CacheInvalidator
}

func NewConsumer(brokers []string, topic, groupID string, cache CacheInvalidator) *Consumer {
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			Topic:    topic,
			GroupID:  groupID,
			MinBytes: 1,
			MaxBytes: 10e6,
		}),
		cache: cache,
	}
}

func (c *Consumer) Consume(ctx context.Context) {
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				slog.Info("Kafka consumer stopped")
				return
			}
			slog.Error("failed to read Kafka message", "topic", c.reader.Config().Topic, "error", err)
			continue
		}

		slog.Debug("Kafka message received", "topic", msg.Topic, "key", string(msg.Key))
		if err := c.handleMessage(ctx, msg.Value); err != nil {
			slog.Error("failed to handle transfer event", "key", string(msg.Key), "error", err)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, value []byte) error {
	var event models.TransferEvent
	if err := json.Unmarshal(value, &event); err != nil {
		return err
	}

	// Только завершённые переводы меняют балансы
	if event.Status != models.StatusCompleted {
		return nil
	}

	ids := make([]int64, 0, len(event.Recipients)+1)
	ids = append(ids, event.FromAccountID)
	for _, r := range event.Recipients {
		ids = append(ids, r.AccountID)
	}
	if err := c.cache.Invalidate(ctx, ids...); err != nil {
		return err
	}
	slog.Info("account cache invalidated", "transfer_id", event.TransferID, "account_ids", ids)
	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
