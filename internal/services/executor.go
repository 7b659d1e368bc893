package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const compensationTimeout = 2 * time.Second

// Executor drives a transfer from pending to a terminal status inside one
// lock unit.
type Executor struct {
	transfers        repository.TransferRepository
	locks            repository.LockManager
	validator        *Validator
	executionTimeout time.Duration
	now              func() time.Time
}

// NewExecutor builds an executor. A nil validator disables the daily limit
// check under the locks.
func NewExecutor(transfers repository.TransferRepository, locks repository.LockManager, validator *Validator, executionTimeout time.Duration) *Executor {
	return &Executor{
		transfers:        transfers,
		locks:            locks,
		validator:        validator,
		executionTimeout: executionTimeout,
		now:              time.Now,
	}
}

// Execute persists t as pending and then applies it. The returned transfer is
// nil only when no row could be written. A non-nil error alongside a transfer
// describes why it did not complete.
func (e *Executor) Execute(ctx context.Context, t *models.Transfer) (*models.Transfer, error) {
	tracer := otel.Tracer("transfer-executor")
	ctx, span := tracer.Start(ctx, "Execute")
	defer span.End()

	if err := e.transfers.CreatePending(ctx, t); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create pending failed")
		slog.Error("failed to create pending transfer", "from_account_id", t.FromAccountID, "error", err)
		return nil, fmt.Errorf("create pending transfer: %w", err)
	}
	span.SetAttributes(attribute.Int64("transfer.id", t.ID), attribute.String("transfer.type", string(t.Type)))

	if err := ctx.Err(); err != nil {
		return e.cancel(ctx, t, err)
	}

	unitCtx, cancel := context.WithTimeout(ctx, e.executionTimeout)
	defer cancel()

	var (
		decided     *models.Transfer
		businessErr error
	)
	err := e.locks.WithAccountLocks(unitCtx, t.AccountIDs(), func(tx repository.LedgerTx) error {
		outcome := t.Clone()

		reason, bizErr := checkUnderLock(tx, outcome)
		if bizErr == nil {
			exceeded, err := e.dailyLimitExceeded(unitCtx, tx, outcome)
			if err != nil {
				return fmt.Errorf("daily usage: %w", err)
			}
			if exceeded {
				reason, bizErr = pkgerrors.ReasonDailyLimitExceeded, pkgerrors.ErrDailyLimitExceeded
			}
		}
		if bizErr != nil {
			outcome.SetOutcome(models.StatusFailed, reason, e.now())
			if err := tx.WriteLedger(unitCtx, outcome); err != nil {
				return err
			}
			decided, businessErr = outcome, bizErr
			return nil
		}

		if _, err := tx.ApplyDelta(unitCtx, outcome.FromAccountID, outcome.Amount.Neg()); err != nil {
			return fmt.Errorf("debit sender %d: %w", outcome.FromAccountID, err)
		}
		for _, p := range outcome.Pairs() {
			if _, err := tx.ApplyDelta(unitCtx, p.AccountID, p.Amount); err != nil {
				return fmt.Errorf("credit recipient %d: %w", p.AccountID, err)
			}
		}
		outcome.SetOutcome(models.StatusCompleted, "", e.now())
		if err := tx.WriteLedger(unitCtx, outcome); err != nil {
			return err
		}
		decided = outcome
		return nil
	})

	if err == nil {
		if businessErr != nil {
			span.SetStatus(codes.Error, string(decided.Status))
			slog.Warn("transfer failed",
				"transfer_id", decided.ID,
				"reason", *decided.ErrorMessage)
			return decided, fmt.Errorf("transfer %d: %w", decided.ID, businessErr)
		}
		slog.Info("transfer completed",
			"transfer_id", decided.ID,
			"type", decided.Type,
			"amount", decided.Amount.String())
		return decided, nil
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "lock unit aborted")
	return e.compensate(ctx, t, err)
}

// checkUnderLock repeats the business checks against the locked snapshot.
func checkUnderLock(tx repository.LedgerTx, t *models.Transfer) (string, error) {
	sender, ok := tx.Account(t.FromAccountID)
	if !ok {
		return pkgerrors.ReasonAccountNotFound, pkgerrors.ErrAccountNotFound
	}
	if !sender.IsActive {
		return pkgerrors.ReasonSenderInactive, pkgerrors.ErrAccountInactive
	}
	for _, p := range t.Pairs() {
		recipient, ok := tx.Account(p.AccountID)
		if !ok {
			return pkgerrors.ReasonAccountNotFound, pkgerrors.ErrAccountNotFound
		}
		if !recipient.IsActive {
			return pkgerrors.ReasonRecipientInactive, pkgerrors.ErrRecipientInactive
		}
	}
	if !sender.CanApply(t.Amount.Neg()) {
		return pkgerrors.ReasonInsufficientFunds, pkgerrors.ErrInsufficientFunds
	}
	return "", nil
}

// dailyLimitExceeded repeats the daily usage check while the sender is locked.
func (e *Executor) dailyLimitExceeded(ctx context.Context, tx repository.LedgerTx, t *models.Transfer) (bool, error) {
	if e.validator == nil {
		return false, nil
	}
	used, err := tx.CompletedSince(ctx, t.FromAccountID, e.validator.StartOfDay(e.now()))
	if err != nil {
		return false, err
	}
	return e.validator.ValidateDailyLimit(used, t.Amount) != nil, nil
}

func (e *Executor) cancel(ctx context.Context, t *models.Transfer, cause error) (*models.Transfer, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := e.transfers.Cancel(cctx, t.ID, pkgerrors.ReasonRequestCancelled); err != nil {
		slog.Error("failed to cancel abandoned transfer", "transfer_id", t.ID, "error", err)
		return e.current(cctx, t), fmt.Errorf("transfer %d abandoned: %w", t.ID, errors.Join(cause, err))
	}
	out := t.Clone()
	out.SetOutcome(models.StatusCancelled, pkgerrors.ReasonRequestCancelled, e.now())
	slog.Warn("transfer cancelled before execution", "transfer_id", t.ID, "error", cause)
	return out, fmt.Errorf("transfer %d cancelled: %w", t.ID, cause)
}

// compensate records the aborted unit as failed. Nothing inside the unit was
// committed, so only the pending row needs to change.
func (e *Executor) compensate(ctx context.Context, t *models.Transfer, cause error) (*models.Transfer, error) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if errors.Is(cause, pkgerrors.ErrInvalidTransition) {
		// перевод уже закрыт sweeper'ом
		current := e.current(cctx, t)
		slog.Warn("transfer finalized elsewhere during execution", "transfer_id", t.ID, "status", current.Status)
		return current, fmt.Errorf("transfer %d: %w", t.ID, cause)
	}

	reason := reasonForUnitError(cause)
	if reason == pkgerrors.ReasonInsufficientFunds {
		slog.Warn("transfer aborted", "transfer_id", t.ID, "reason", reason, "error", cause)
	} else {
		slog.Error("transfer aborted", "transfer_id", t.ID, "reason", reason, "error", cause)
	}

	err := e.transfers.MarkFailed(cctx, t.ID, reason)
	switch {
	case err == nil:
	case errors.Is(err, pkgerrors.ErrInvalidTransition):
		return e.current(cctx, t), fmt.Errorf("transfer %d: %w", t.ID, cause)
	default:
		slog.Error("compensation failed, transfer left pending for the sweeper",
			"transfer_id", t.ID,
			"error", err)
		pending := t.Clone()
		return pending, fmt.Errorf("transfer %d: %w", t.ID, errors.Join(cause, err))
	}

	out := t.Clone()
	out.SetOutcome(models.StatusFailed, reason, e.now())
	return out, fmt.Errorf("transfer %d: %w", t.ID, cause)
}

func (e *Executor) current(ctx context.Context, t *models.Transfer) *models.Transfer {
	current, err := e.transfers.GetByID(ctx, t.ID)
	if err != nil {
		slog.Error("failed to reload transfer", "transfer_id", t.ID, "error", err)
		return t.Clone()
	}
	return current
}

func reasonForUnitError(err error) string {
	switch {
	case errors.Is(err, pkgerrors.ErrInsufficientFunds):
		return pkgerrors.ReasonInsufficientFunds
	case errors.Is(err, pkgerrors.ErrConcurrencyTimeout),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		return pkgerrors.ReasonLockTimeout
	case errors.Is(err, pkgerrors.ErrAccountNotFound):
		return pkgerrors.ReasonAccountNotFound
	}
	return pkgerrors.ReasonStorageUnavailable
}
