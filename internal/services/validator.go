package service

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/honeynil/EduBankTransfers/internal/models"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/shopspring/decimal"
)

const maxDescriptionLength = 255

// Limits are the business bounds applied to every transfer request.
type Limits struct {
	MaxPerTransfer decimal.Decimal
	DailyLimit     decimal.Decimal
	Location       *time.Location
}

func DefaultLimits() Limits {
	return Limits{
		MaxPerTransfer: decimal.NewFromInt(5_000_000),
		DailyLimit:     decimal.NewFromInt(10_000_000),
		Location:       time.UTC,
	}
}

// Validator holds no state besides its limits and never blocks.
type Validator struct {
	limits Limits
}

func NewValidator(limits Limits) *Validator {
	if limits.Location == nil {
		limits.Location = time.UTC
	}
	return &Validator{limits: limits}
}

// ValidateShape checks recipients, amounts and the description.
func (v *Validator) ValidateShape(req models.TransferRequest) error {
	if len(req.RecipientIDs) > 0 && len(req.Recipients) > 0 {
		return pkgerrors.NewValidationError("recipients", pkgerrors.ReasonInvalidRecipient)
	}

	ids := req.RecipientIDs
	if len(req.Recipients) > 0 {
		ids = make([]int64, len(req.Recipients))
		for i, p := range req.Recipients {
			ids[i] = p.AccountID
		}
	}
	if err := v.validateRecipients(req.SenderID, ids); err != nil {
		return err
	}

	if len(req.Recipients) > 0 {
		for _, p := range req.Recipients {
			if err := v.validateAmount("recipients.amount", p.Amount); err != nil {
				return err
			}
		}
	} else if err := v.validateAmount("amount", req.Amount); err != nil {
		return err
	}

	desc := strings.TrimSpace(req.Description)
	if desc == "" {
		return pkgerrors.NewValidationError("description", pkgerrors.ReasonDescriptionRequired)
	}
	if utf8.RuneCountInString(desc) > maxDescriptionLength {
		return pkgerrors.NewValidationError("description", pkgerrors.ReasonDescriptionTooLong)
	}
	return nil
}

func (v *Validator) validateRecipients(senderID int64, ids []int64) error {
	if len(ids) == 0 {
		return pkgerrors.NewValidationError("recipient_ids", pkgerrors.ReasonRecipientsRequired)
	}
	seen := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		if id <= 0 {
			return pkgerrors.NewValidationError("recipient_ids", pkgerrors.ReasonInvalidRecipient)
		}
		if id == senderID {
			return pkgerrors.NewValidationError("recipient_ids", pkgerrors.ReasonSelfTransfer)
		}
		if _, dup := seen[id]; dup {
			return pkgerrors.NewValidationError("recipient_ids", pkgerrors.ReasonDuplicateRecipient)
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (v *Validator) validateAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() || !amount.IsInteger() {
		return pkgerrors.NewValidationError(field, pkgerrors.ReasonInvalidAmount)
	}
	if amount.GreaterThan(v.limits.MaxPerTransfer) {
		return pkgerrors.NewValidationError(field, pkgerrors.ReasonAmountExceedsMax)
	}
	return nil
}

// ValidateSender is the advisory funds check. The executor repeats it under
// the account locks.
func (v *Validator) ValidateSender(sender models.Account, total decimal.Decimal) error {
	if !sender.IsActive {
		return pkgerrors.NewValidationError("sender_id", pkgerrors.ReasonSenderInactive).Wrap(pkgerrors.ErrAccountInactive)
	}
	if sender.AvailableBalance().LessThan(total) {
		return pkgerrors.NewValidationError("amount", pkgerrors.ReasonInsufficientFunds).Wrap(pkgerrors.ErrInsufficientFunds)
	}
	return nil
}

func (v *Validator) ValidateDailyLimit(completedToday, total decimal.Decimal) error {
	if completedToday.Add(total).GreaterThan(v.limits.DailyLimit) {
		return pkgerrors.NewValidationError("amount", pkgerrors.ReasonDailyLimitExceeded).Wrap(pkgerrors.ErrDailyLimitExceeded)
	}
	return nil
}

// StartOfDay returns midnight of t's calendar day in the configured zone.
func (v *Validator) StartOfDay(t time.Time) time.Time {
	local := t.In(v.limits.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, v.limits.Location)
}
