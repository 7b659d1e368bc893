package repository

import (
	"context"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/shopspring/decimal"
)

type TransferRepository interface {
	// CreatePending writes the transfer and its recipient rows in pending state.
	CreatePending(ctx context.Context, t *models.Transfer) error
	// MarkFailed and Cancel only touch rows that are still pending.
	// They return ErrInvalidTransition when the row already left pending.
	MarkFailed(ctx context.Context, id int64, reason string) error
	Cancel(ctx context.Context, id int64, reason string) error
	CancelStale(ctx context.Context, olderThan time.Time) (int64, error)
	GetByID(ctx context.Context, id int64) (*models.Transfer, error)
	List(ctx context.Context, filter models.TransferFilter) ([]models.Transfer, error)
	SumCompletedSince(ctx context.Context, senderID int64, since time.Time) (decimal.Decimal, error)
}
