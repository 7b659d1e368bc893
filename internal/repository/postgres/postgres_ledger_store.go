package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/infrastructure/observability"
	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// PostgresLedgerStore runs transfer units inside one database transaction
// holding row locks on every involved account.
type PostgresLedgerStore struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func NewPostgresLedgerStore(db *sql.DB, lockTimeout time.Duration) *PostgresLedgerStore {
	return &PostgresLedgerStore{db: db, lockTimeout: lockTimeout}
}

func (s *PostgresLedgerStore) WithAccountLocks(ctx context.Context, ids []int64, fn func(tx repository.LedgerTx) error) (err error) {
	ctx, span, done := instrument(ctx, "ledger-store", "WithAccountLocks")
	defer done(&err)

	ordered := sortedUnique(ids)
	span.SetAttributes(attribute.Int64Slice("account_ids", ordered))

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("failed to begin transaction", "method", "WithAccountLocks", "error", err)
		err = classify("begin transaction", err)
		return err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := dbTx.Rollback(); rbErr != nil && !stderrors.Is(rbErr, sql.ErrTxDone) {
			slog.Error("rollback failed", "method", "WithAccountLocks", "error", rbErr)
			err = fmt.Errorf("rollback failed: %v; original error: %w", rbErr, err)
		}
	}()

	// SET LOCAL does not accept bind parameters. 0 would mean no timeout at all.
	ms := s.lockTimeout.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	if _, err = dbTx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", ms)); err != nil {
		slog.Error("failed to set lock timeout", "method", "WithAccountLocks", "error", err)
		err = classify("set lock timeout", err)
		return err
	}

	start := time.Now()
	accounts := make(map[int64]models.Account, len(ordered))
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1 FOR UPDATE`
	for _, id := range ordered {
		var a models.Account
		lerr := scanAccount(dbTx.QueryRowContext(ctx, query, id), &a)
		if stderrors.Is(lerr, sql.ErrNoRows) {
			continue
		}
		if lerr != nil {
			slog.Error("failed to lock account", "method", "WithAccountLocks", "account_id", id, "error", lerr)
			err = classify(fmt.Sprintf("lock account %d", id), lerr)
			return err
		}
		accounts[id] = a
	}
	observability.LockWait.Observe(time.Since(start).Seconds())

	if err = fn(&ledgerTx{tx: dbTx, accounts: accounts}); err != nil {
		return err
	}

	if err = dbTx.Commit(); err != nil {
		slog.Error("failed to commit transfer unit", "method", "WithAccountLocks", "account_ids", ordered, "error", err)
		err = classify("commit", err)
		return err
	}
	committed = true
	return nil
}

type ledgerTx struct {
	tx       *sql.Tx
	accounts map[int64]models.Account
}

func (l *ledgerTx) Account(id int64) (models.Account, bool) {
	a, ok := l.accounts[id]
	return a, ok
}

func (l *ledgerTx) ApplyDelta(ctx context.Context, id int64, delta decimal.Decimal) (models.Account, error) {
	if _, ok := l.accounts[id]; !ok {
		return models.Account{}, fmt.Errorf("account %d is not locked in this unit: %w", id, pkgerrors.ErrAccountNotFound)
	}

	query := `
		UPDATE accounts
		SET balance = balance + $1, updated_at = NOW()
		WHERE id = $2
		AND balance + $1 >= -overdraft_limit
		RETURNING ` + accountColumns
	var a models.Account
	err := scanAccount(l.tx.QueryRowContext(ctx, query, delta, id), &a)
	if stderrors.Is(err, sql.ErrNoRows) {
		slog.Warn("balance update rejected by overdraft guard", "method", "ApplyDelta", "account_id", id, "delta", delta.String())
		return models.Account{}, pkgerrors.ErrInsufficientFunds
	}
	if err != nil {
		slog.Error("failed to apply balance delta", "method", "ApplyDelta", "account_id", id, "delta", delta.String(), "error", err)
		return models.Account{}, classify("apply delta", err)
	}
	l.accounts[id] = a
	return a, nil
}

func (l *ledgerTx) CompletedSince(ctx context.Context, senderID int64, since time.Time) (decimal.Decimal, error) {
	var sum decimal.Decimal
	query := `SELECT COALESCE(SUM(amount), 0) FROM transfers WHERE from_account_id = $1 AND status = 'completed' AND created_at >= $2`
	if err := l.tx.QueryRowContext(ctx, query, senderID, since).Scan(&sum); err != nil {
		slog.Error("failed to sum completed transfers", "method", "CompletedSince", "sender_id", senderID, "error", err)
		return decimal.Zero, classify("sum completed transfers", err)
	}
	return sum, nil
}

func (l *ledgerTx) WriteLedger(ctx context.Context, t *models.Transfer) error {
	if t == nil {
		return pkgerrors.ErrNilTransfer
	}
	if !t.Status.IsTerminal() {
		return pkgerrors.ErrInvalidTransferStatus
	}

	var errMsg sql.NullString
	if t.ErrorMessage != nil {
		errMsg = sql.NullString{String: *t.ErrorMessage, Valid: true}
	}
	var completedAt sql.NullTime
	if t.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}

	res, err := l.tx.ExecContext(ctx,
		`UPDATE transfers SET status = $1, error_message = $2, completed_at = $3 WHERE id = $4 AND status = 'pending'`,
		t.Status, errMsg, completedAt, t.ID)
	if err != nil {
		slog.Error("failed to write transfer status", "method", "WriteLedger", "transfer_id", t.ID, "error", err)
		return classify("write transfer status", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("write transfer status", err)
	}
	if n == 0 {
		slog.Warn("transfer left pending before the ledger write", "method", "WriteLedger", "transfer_id", t.ID)
		return pkgerrors.ErrInvalidTransition
	}

	if len(t.Recipients) > 0 {
		if _, err := l.tx.ExecContext(ctx,
			`UPDATE transfer_recipients SET status = $1 WHERE transfer_id = $2`,
			models.RecipientStatusFor(t.Status), t.ID); err != nil {
			slog.Error("failed to write recipient status", "method", "WriteLedger", "transfer_id", t.ID, "error", err)
			return classify("write recipient status", err)
		}
	}
	return nil
}
