package models

import "github.com/shopspring/decimal"

// TransferRequest is an incoming transfer instruction. SenderID always comes
// from the authenticated identity, never from the client body.
type TransferRequest struct {
	SenderID       int64
	RecipientIDs   []int64
	Recipients     []Pair
	Amount         decimal.Decimal
	Description    string
	IdempotencyKey string
}

// TransferResult is returned to the caller for both outcomes. TransferID is
// zero when the request was rejected before a row was written.
type TransferResult struct {
	TransferID  int64           `json:"transfer_id,omitempty"`
	Status      TransferStatus  `json:"status"`
	Type        TransferType    `json:"type,omitempty"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	Recipients  []Pair          `json:"recipients,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Replayed    bool            `json:"-"`
}

// ResultFromTransfer builds the response view of a persisted transfer.
func ResultFromTransfer(t *Transfer) *TransferResult {
	res := &TransferResult{
		TransferID:  t.ID,
		Status:      t.Status,
		Type:        t.Type,
		TotalAmount: t.Amount,
	}
	if t.Type == TypeMultiple {
		res.Recipients = t.Pairs()
	}
	if t.ErrorMessage != nil {
		res.Reason = *t.ErrorMessage
	}
	return res
}
