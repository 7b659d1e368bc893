package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransferType string

const (
	TypeSingle   TransferType = "single"
	TypeMultiple TransferType = "multiple"
)

func (t TransferType) Valid() bool {
	return t == TypeSingle || t == TypeMultiple
}

type TransferStatus string

const (
	StatusPending   TransferStatus = "pending"
	StatusCompleted TransferStatus = "completed"
	StatusFailed    TransferStatus = "failed"
	StatusCancelled TransferStatus = "cancelled"
)

func (s TransferStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s TransferStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo allows only pending -> terminal.
func (s TransferStatus) CanTransitionTo(next TransferStatus) bool {
	return s == StatusPending && next.IsTerminal()
}

type RecipientStatus string

const (
	RecipientPending   RecipientStatus = "pending"
	RecipientCompleted RecipientStatus = "completed"
	RecipientFailed    RecipientStatus = "failed"
)

func (s RecipientStatus) Valid() bool {
	return s == RecipientPending || s == RecipientCompleted || s == RecipientFailed
}

// RecipientStatusFor maps a transfer outcome onto its recipient rows. Cancelled
// transfers never moved money, so their recipients are failed.
func RecipientStatusFor(s TransferStatus) RecipientStatus {
	switch s {
	case StatusCompleted:
		return RecipientCompleted
	case StatusPending:
		return RecipientPending
	default:
		return RecipientFailed
	}
}

type Transfer struct {
	ID             int64               `json:"id"`
	FromAccountID  int64               `json:"from_account_id"`
	ToAccountID    *int64              `json:"to_account_id,omitempty"`
	Amount         decimal.Decimal     `json:"amount"`
	Description    string              `json:"description"`
	Type           TransferType        `json:"type"`
	Status         TransferStatus      `json:"status"`
	ErrorMessage   *string             `json:"error_message,omitempty"`
	IdempotencyKey *string             `json:"-"`
	CreatedAt      time.Time           `json:"created_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
	Recipients     []TransferRecipient `json:"recipients,omitempty"`
}

type TransferRecipient struct {
	ID         int64           `json:"id"`
	TransferID int64           `json:"transfer_id"`
	UserID     int64           `json:"user_id"`
	Amount     decimal.Decimal `json:"amount"`
	Status     RecipientStatus `json:"status"`
}

// Pairs returns every (account, amount) credit the transfer implies.
func (t *Transfer) Pairs() []Pair {
	if t.Type == TypeSingle && t.ToAccountID != nil {
		return []Pair{{AccountID: *t.ToAccountID, Amount: t.Amount}}
	}
	pairs := make([]Pair, 0, len(t.Recipients))
	for _, r := range t.Recipients {
		pairs = append(pairs, Pair{AccountID: r.UserID, Amount: r.Amount})
	}
	return pairs
}

// AccountIDs lists the sender followed by every recipient.
func (t *Transfer) AccountIDs() []int64 {
	ids := []int64{t.FromAccountID}
	for _, p := range t.Pairs() {
		ids = append(ids, p.AccountID)
	}
	return ids
}

// Involves reports whether accountID is the sender or one of the recipients.
func (t *Transfer) Involves(accountID int64) bool {
	for _, id := range t.AccountIDs() {
		if id == accountID {
			return true
		}
	}
	return false
}

// SetOutcome moves the transfer and its recipient rows into a terminal status.
func (t *Transfer) SetOutcome(status TransferStatus, reason string, at time.Time) {
	t.Status = status
	if reason != "" {
		r := reason
		t.ErrorMessage = &r
	}
	if status == StatusCompleted {
		completedAt := at
		t.CompletedAt = &completedAt
	}
	rs := RecipientStatusFor(status)
	for i := range t.Recipients {
		t.Recipients[i].Status = rs
	}
}

// Pair is a single resolved credit leg.
type Pair struct {
	AccountID int64           `json:"id"`
	Amount    decimal.Decimal `json:"amount"`
}

type TransferFilter struct {
	AccountID int64
	Direction Direction
	Status    TransferStatus
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}

type Direction string

const (
	DirectionAll      Direction = "all"
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// Clone returns a deep copy safe to hand out of a store.
func (t *Transfer) Clone() *Transfer {
	c := *t
	if t.ToAccountID != nil {
		v := *t.ToAccountID
		c.ToAccountID = &v
	}
	if t.ErrorMessage != nil {
		v := *t.ErrorMessage
		c.ErrorMessage = &v
	}
	if t.IdempotencyKey != nil {
		v := *t.IdempotencyKey
		c.IdempotencyKey = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Recipients != nil {
		c.Recipients = append([]TransferRecipient(nil), t.Recipients...)
	}
	return &c
}
