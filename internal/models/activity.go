package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type ActivityAction string

const (
	ActionTransferSent     ActivityAction = "transfer"
	ActionTransferReceived ActivityAction = "transfer_received"
	ActionTransferFailed   ActivityAction = "transfer_failed"
	ActionFailedLogin      ActivityAction = "failed_login"
)

type ActivityLogEntry struct {
	ID        int64            `json:"id"`
	UserID    int64            `json:"user_id"`
	Action    ActivityAction   `json:"action"`
	Metadata  ActivityMetadata `json:"metadata"`
	CreatedAt time.Time        `json:"created_at"`
}

type ActivityMetadata struct {
	TransferID     int64           `json:"transfer_id"`
	Amount         decimal.Decimal `json:"amount"`
	Counterparties []Counterparty  `json:"counterparties"`
	Description    string          `json:"description"`
	Status         TransferStatus  `json:"status"`
	Reason         string          `json:"reason,omitempty"`
}

type Counterparty struct {
	ID   int64  `json:"id"`
	Name string `json:"name,omitempty"`
}

// TransferEvent is published after a transfer reaches a terminal status.
type TransferEvent struct {
	EventID       string          `json:"event_id"`
	TransferID    int64           `json:"transfer_id"`
	Type          TransferType    `json:"type"`
	Status        TransferStatus  `json:"status"`
	FromAccountID int64           `json:"from_account_id"`
	Recipients    []Pair          `json:"recipients"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}
