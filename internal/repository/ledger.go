package repository

import (
	"context"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/shopspring/decimal"
)

// LockManager runs fn while holding exclusive access to every account in ids.
// Locks are taken in ascending id order. Every change made through the LedgerTx
// is committed when fn returns nil and discarded otherwise.
type LockManager interface {
	WithAccountLocks(ctx context.Context, ids []int64, fn func(tx LedgerTx) error) error
}

type LedgerTx interface {
	// Account returns the locked snapshot of id, reflecting deltas applied so far.
	Account(id int64) (models.Account, bool)
	// ApplyDelta is the only way a balance changes. It fails with
	// ErrInsufficientFunds when the result would drop below -OverdraftLimit.
	ApplyDelta(ctx context.Context, id int64, delta decimal.Decimal) (models.Account, error)
	// CompletedSince sums the sender's completed transfers created at or after
	// since, as seen by this unit.
	CompletedSince(ctx context.Context, senderID int64, since time.Time) (decimal.Decimal, error)
	// WriteLedger persists the transfer's terminal status for the transfer and
	// its recipient rows.
	WriteLedger(ctx context.Context, t *models.Transfer) error
}
