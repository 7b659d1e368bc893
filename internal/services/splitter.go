package service

import (
	"strings"

	"github.com/honeynil/EduBankTransfers/internal/models"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/shopspring/decimal"
)

// Split is a request resolved into credit legs.
type Split struct {
	Type  models.TransferType
	Pairs []models.Pair
	Total decimal.Decimal
}

// SplitRecipients resolves the request into pairs. Explicit per-recipient
// amounts win; otherwise the scalar amount goes to every recipient.
// accounts must contain every account the request names that exists.
func SplitRecipients(req models.TransferRequest, accounts map[int64]models.Account) (*Split, error) {
	pairs := req.Recipients
	if len(pairs) == 0 {
		pairs = make([]models.Pair, len(req.RecipientIDs))
		for i, id := range req.RecipientIDs {
			pairs[i] = models.Pair{AccountID: id, Amount: req.Amount}
		}
	}
	if len(pairs) == 0 {
		return nil, pkgerrors.NewValidationError("recipient_ids", pkgerrors.ReasonRecipientsRequired)
	}

	seen := make(map[int64]struct{}, len(pairs))
	total := decimal.Zero
	out := make([]models.Pair, 0, len(pairs))
	for _, p := range pairs {
		if _, dup := seen[p.AccountID]; dup {
			return nil, pkgerrors.NewValidationError("recipient_ids", pkgerrors.ReasonDuplicateRecipient)
		}
		seen[p.AccountID] = struct{}{}

		acc, ok := accounts[p.AccountID]
		if !ok {
			return nil, pkgerrors.NewValidationError("recipient_ids", pkgerrors.ReasonRecipientNotFound).Wrap(pkgerrors.ErrAccountNotFound)
		}
		if !acc.IsActive {
			return nil, pkgerrors.NewValidationError("recipient_ids", pkgerrors.ReasonRecipientInactive).Wrap(pkgerrors.ErrRecipientInactive)
		}
		total = total.Add(p.Amount)
		out = append(out, p)
	}

	split := &Split{Type: models.TypeMultiple, Pairs: out, Total: total}
	if len(out) == 1 {
		split.Type = models.TypeSingle
	}
	return split, nil
}

// Transfer builds the pending ledger row for the split.
func (s *Split) Transfer(senderID int64, description, idempotencyKey string) *models.Transfer {
	t := &models.Transfer{
		FromAccountID: senderID,
		Amount:        s.Total,
		Description:   strings.TrimSpace(description),
		Type:          s.Type,
		Status:        models.StatusPending,
	}
	if idempotencyKey != "" {
		key := idempotencyKey
		t.IdempotencyKey = &key
	}
	if s.Type == models.TypeSingle {
		to := s.Pairs[0].AccountID
		t.ToAccountID = &to
		return t
	}
	t.Recipients = make([]models.TransferRecipient, len(s.Pairs))
	for i, p := range s.Pairs {
		t.Recipients[i] = models.TransferRecipient{
			UserID: p.AccountID,
			Amount: p.Amount,
			Status: models.RecipientPending,
		}
	}
	return t
}
