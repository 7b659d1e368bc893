package errors

import (
	"errors"
	"fmt"
)

var (
	ErrValidation            = errors.New("validation failed")
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrDailyLimitExceeded    = errors.New("daily transfer limit exceeded")
	ErrConcurrencyTimeout    = errors.New("could not acquire account locks in time")
	ErrDurability            = errors.New("storage unavailable")
	ErrAccountNotFound       = errors.New("account not found")
	ErrAccountInactive       = errors.New("account is inactive")
	ErrRecipientInactive     = errors.New("recipient account is inactive")
	ErrTransferNotFound      = errors.New("transfer not found")
	ErrInvalidTransition     = errors.New("transfer is no longer pending")
	ErrForbidden             = errors.New("access denied")
	ErrIdempotencyConflict   = errors.New("idempotency key reused with a different request")
	ErrRequestInProgress     = errors.New("request with this idempotency key is in progress")
	ErrNilTransfer           = errors.New("transfer is nil")
	ErrInvalidTransferType   = errors.New("invalid transfer type")
	ErrInvalidTransferStatus = errors.New("invalid transfer status")
	ErrRateLimited           = errors.New("too many requests")
	ErrKeyNotFound           = errors.New("key not found")
)

// Reason codes are stable identifiers returned to clients and stored in
// transfers.error_message.
const (
	ReasonRecipientsRequired   = "recipients_required"
	ReasonInvalidRecipient     = "invalid_recipient"
	ReasonDuplicateRecipient   = "duplicate_recipient"
	ReasonSelfTransfer         = "self_transfer"
	ReasonInvalidAmount        = "invalid_amount"
	ReasonAmountExceedsMax     = "amount_exceeds_max"
	ReasonDescriptionRequired  = "description_required"
	ReasonDescriptionTooLong   = "description_too_long"
	ReasonSenderNotFound       = "sender_not_found"
	ReasonSenderInactive       = "sender_inactive"
	ReasonRecipientNotFound    = "recipient_not_found"
	ReasonRecipientInactive    = "recipient_inactive"
	ReasonInsufficientFunds    = "insufficient_funds"
	ReasonDailyLimitExceeded   = "daily_limit_exceeded"
	ReasonAccountNotFound      = "account_not_found"
	ReasonLockTimeout          = "lock_timeout"
	ReasonStorageUnavailable   = "storage_unavailable"
	ReasonStalePending         = "stale_pending"
	ReasonRequestCancelled     = "request_cancelled"
	ReasonIdempotencyKeyReused = "idempotency_key_reused"
	ReasonRequestInProgress    = "request_in_progress"
	ReasonInternal             = "internal_error"
)

// ValidationError describes a request rejected before anything was persisted.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrValidation, e.Err}
	}
	return []error{ErrValidation}
}

// Wrap attaches a sentinel cause so callers can match on it with errors.Is.
func (e *ValidationError) Wrap(cause error) *ValidationError {
	e.Err = cause
	return e
}

// ReasonOf returns the machine readable reason carried by err, or fallback.
func ReasonOf(err error, fallback string) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return ReasonInsufficientFunds
	case errors.Is(err, ErrDailyLimitExceeded):
		return ReasonDailyLimitExceeded
	case errors.Is(err, ErrConcurrencyTimeout):
		return ReasonLockTimeout
	case errors.Is(err, ErrRecipientInactive):
		return ReasonRecipientInactive
	case errors.Is(err, ErrAccountInactive):
		return ReasonSenderInactive
	case errors.Is(err, ErrAccountNotFound):
		return ReasonAccountNotFound
	case errors.Is(err, ErrIdempotencyConflict):
		return ReasonIdempotencyKeyReused
	case errors.Is(err, ErrRequestInProgress):
		return ReasonRequestInProgress
	case errors.Is(err, ErrDurability):
		return ReasonStorageUnavailable
	}
	return fallback
}
