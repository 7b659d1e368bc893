package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Send(ctx context.Context, topic string, key int64, value []byte) error {
	args := m.Called(ctx, topic, key, value)
	return args.Error(0)
}

func (m *MockProducer) Close() error {
	return m.Called().Error(0)
}

type MockInvalidator struct {
	mock.Mock
}

func (m *MockInvalidator) Invalidate(ctx context.Context, ids ...int64) error {
	args := m.Called(ctx, ids)
	return args.Error(0)
}

func TestTransferEventPublisher(t *testing.T) {
	ctx := context.Background()
	to := int64(2)
	transfer := &models.Transfer{
		ID:            10,
		FromAccountID: 1,
		ToAccountID:   &to,
		Amount:        decimal.NewFromInt(100),
		Type:          models.TypeSingle,
		Status:        models.StatusCompleted,
	}

	t.Run("Success", func(t *testing.T) {
		producer := new(MockProducer)
		pub := NewTransferEventPublisher(producer, "transfers")
		pub.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

		var sent []byte
		producer.On("Send", ctx, "transfers", int64(1), mock.Anything).
			Run(func(args mock.Arguments) { sent = args.Get(3).([]byte) }).Return(nil)

		require.NoError(t, pub.PublishTransferEvent(ctx, transfer, ""))

		var event models.TransferEvent
		require.NoError(t, json.Unmarshal(sent, &event))
		assert.NotEmpty(t, event.EventID)
		assert.Equal(t, int64(10), event.TransferID)
		assert.Equal(t, models.StatusCompleted, event.Status)
		require.Len(t, event.Recipients, 1)
		assert.Equal(t, int64(2), event.Recipients[0].AccountID)
		assert.True(t, event.Recipients[0].Amount.Equal(decimal.NewFromInt(100)))
		producer.AssertExpectations(t)
	})

	t.Run("SendError", func(t *testing.T) {
		producer := new(MockProducer)
		pub := NewTransferEventPublisher(producer, "transfers")
		producer.On("Send", ctx, "transfers", int64(1), mock.Anything).Return(fmt.Errorf("broker down"))

		err := pub.PublishTransferEvent(ctx, transfer, "")
		assert.Error(t, err)
	})
}

func TestConsumer_HandleMessage(t *testing.T) {
	ctx := context.Background()

	event := func(status models.TransferStatus) []byte {
		b, _ := json.Marshal(models.TransferEvent{
			TransferID:    5,
			Status:        status,
			FromAccountID: 1,
			Recipients: []models.Pair{
				{AccountID: 2, Amount: decimal.NewFromInt(10)},
				{AccountID: 3, Amount: decimal.NewFromInt(10)},
			},
		})
		return b
	}

	t.Run("CompletedInvalidatesAllAccounts", func(t *testing.T) {
		cache := new(MockInvalidator)
		c := &Consumer{cache: cache}
		cache.On("Invalidate", ctx, []int64{1, 2, 3}).Return(nil)

		require.NoError(t, c.handleMessage(ctx, event(models.StatusCompleted)))
		cache.AssertExpectations(t)
	})

	t.Run("FailedIsIgnored", func(t *testing.T) {
		cache := new(MockInvalidator)
		c := &Consumer{cache: cache}

		require.NoError(t, c.handleMessage(ctx, event(models.StatusFailed)))
		cache.AssertNotCalled(t, "Invalidate", mock.Anything, mock.Anything)
	})

	t.Run("MalformedPayload", func(t *testing.T) {
		c := &Consumer{cache: new(MockInvalidator)}
		assert.Error(t, c.handleMessage(ctx, []byte("{not json")))
	})

	t.Run("InvalidateError", func(t *testing.T) {
		cache := new(MockInvalidator)
		c := &Consumer{cache: cache}
		cache.On("Invalidate", ctx, []int64{1, 2, 3}).Return(fmt.Errorf("redis down"))

		assert.Error(t, c.handleMessage(ctx, event(models.StatusCompleted)))
	})
}
