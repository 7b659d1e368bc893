package postgres_test

import (
	"context"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository"
	"github.com/honeynil/EduBankTransfers/internal/repository/postgres"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	setLockTimeout = regexp.QuoteMeta(`SET LOCAL lock_timeout = '3000ms'`)
	lockAccount    = regexp.QuoteMeta(`SELECT id, name, balance, overdraft_limit, is_active, updated_at FROM accounts WHERE id = $1 FOR UPDATE`)
	applyDelta     = regexp.QuoteMeta(`UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2 AND balance + $1 >= -overdraft_limit`)
	writeTransfer  = regexp.QuoteMeta(`UPDATE transfers SET status = $1, error_message = $2, completed_at = $3 WHERE id = $4 AND status = 'pending'`)
	writeRecipient = regexp.QuoteMeta(`UPDATE transfer_recipients SET status = $1 WHERE transfer_id = $2`)
)

func expectLock(mock sqlmock.Sqlmock, id int64, balance, overdraft string, active bool) {
	mock.ExpectQuery(lockAccount).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(accountCols).AddRow(id, fmt.Sprintf("acct-%d", id), balance, overdraft, active, time.Now()))
}

func TestPostgresLedgerStore_WithAccountLocks(t *testing.T) {
	ctx := context.Background()

	t.Run("SuccessLocksInAscendingOrder", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		expectLock(mock, 1, "10000", "0", true)
		expectLock(mock, 2, "0", "0", true)
		mock.ExpectQuery(applyDelta).
			WithArgs(decimal.NewFromInt(-5000), int64(1)).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(1, "acct-1", "5000", "0", true, time.Now()))
		mock.ExpectQuery(applyDelta).
			WithArgs(decimal.NewFromInt(5000), int64(2)).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(2, "acct-2", "5000", "0", true, time.Now()))
		mock.ExpectExec(writeTransfer).
			WithArgs(models.StatusCompleted, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		to := int64(2)
		tr := &models.Transfer{ID: 7, FromAccountID: 1, ToAccountID: &to, Amount: decimal.NewFromInt(5000), Type: models.TypeSingle, Status: models.StatusPending}
		err = store.WithAccountLocks(ctx, []int64{2, 1, 2}, func(tx repository.LedgerTx) error {
			sender, ok := tx.Account(1)
			require.True(t, ok)
			assert.Equal(t, "10000", sender.AvailableBalance().String())

			if _, err := tx.ApplyDelta(ctx, 1, decimal.NewFromInt(-5000)); err != nil {
				return err
			}
			credited, err := tx.ApplyDelta(ctx, 2, decimal.NewFromInt(5000))
			if err != nil {
				return err
			}
			assert.Equal(t, "5000", credited.Balance.String())
			tr.SetOutcome(models.StatusCompleted, "", time.Now())
			return tx.WriteLedger(ctx, tr)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("InsufficientFundsRollsBack", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		expectLock(mock, 1, "1000", "500", true)
		mock.ExpectQuery(applyDelta).
			WithArgs(decimal.NewFromInt(-2000), int64(1)).
			WillReturnRows(sqlmock.NewRows(accountCols))
		mock.ExpectRollback()

		err = store.WithAccountLocks(ctx, []int64{1}, func(tx repository.LedgerTx) error {
			_, err := tx.ApplyDelta(ctx, 1, decimal.NewFromInt(-2000))
			return err
		})
		assert.ErrorIs(t, err, pkgerrors.ErrInsufficientFunds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("MissingAccountIsNotLocked", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		expectLock(mock, 1, "1000", "0", true)
		mock.ExpectQuery(lockAccount).WithArgs(int64(99)).WillReturnRows(sqlmock.NewRows(accountCols))
		mock.ExpectRollback()

		err = store.WithAccountLocks(ctx, []int64{1, 99}, func(tx repository.LedgerTx) error {
			_, ok := tx.Account(99)
			assert.False(t, ok)
			_, err := tx.ApplyDelta(ctx, 99, decimal.NewFromInt(1))
			return err
		})
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("LockTimeout", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(lockAccount).WithArgs(int64(1)).
			WillReturnError(&pq.Error{Code: "55P03", Message: "canceling statement due to lock timeout"})
		mock.ExpectRollback()

		called := false
		err = store.WithAccountLocks(ctx, []int64{1}, func(tx repository.LedgerTx) error {
			called = true
			return nil
		})
		assert.False(t, called)
		assert.ErrorIs(t, err, pkgerrors.ErrConcurrencyTimeout)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("LedgerRowNoLongerPending", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		expectLock(mock, 1, "100", "0", true)
		expectLock(mock, 2, "0", "0", false)
		mock.ExpectExec(writeTransfer).
			WithArgs(models.StatusFailed, sqlmock.AnyArg(), sqlmock.AnyArg(), int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		tr := &models.Transfer{ID: 9, FromAccountID: 1, Type: models.TypeMultiple,
			Recipients: []models.TransferRecipient{{UserID: 2, Amount: decimal.NewFromInt(10)}}}
		err = store.WithAccountLocks(ctx, tr.AccountIDs(), func(tx repository.LedgerTx) error {
			tr.SetOutcome(models.StatusFailed, pkgerrors.ReasonRecipientInactive, time.Now())
			return tx.WriteLedger(ctx, tr)
		})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("FailedMultipleWritesRecipients", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		expectLock(mock, 1, "100", "0", true)
		expectLock(mock, 2, "0", "0", false)
		mock.ExpectExec(writeTransfer).
			WithArgs(models.StatusFailed, pkgerrors.ReasonRecipientInactive, sqlmock.AnyArg(), int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(writeRecipient).
			WithArgs(models.RecipientFailed, int64(9)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		tr := &models.Transfer{ID: 9, FromAccountID: 1, Type: models.TypeMultiple,
			Recipients: []models.TransferRecipient{{UserID: 2, Amount: decimal.NewFromInt(10)}}}
		err = store.WithAccountLocks(ctx, tr.AccountIDs(), func(tx repository.LedgerTx) error {
			tr.SetOutcome(models.StatusFailed, pkgerrors.ReasonRecipientInactive, time.Now())
			return tx.WriteLedger(ctx, tr)
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CommitFailure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		expectLock(mock, 1, "100", "0", true)
		mock.ExpectCommit().WillReturnError(fmt.Errorf("connection reset"))

		err = store.WithAccountLocks(ctx, []int64{1}, func(tx repository.LedgerTx) error { return nil })
		assert.ErrorIs(t, err, pkgerrors.ErrDurability)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_CompletedSince(t *testing.T) {
	ctx := context.Background()
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	sumCompleted := regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0) FROM transfers WHERE from_account_id = $1 AND status = 'completed' AND created_at >= $2`)

	t.Run("ReadsInsideTheUnit", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		expectLock(mock, 1, "10000", "0", true)
		mock.ExpectQuery(sumCompleted).
			WithArgs(int64(1), since).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("6000"))
		mock.ExpectCommit()

		err = store.WithAccountLocks(ctx, []int64{1}, func(tx repository.LedgerTx) error {
			used, err := tx.CompletedSince(ctx, 1, since)
			if err != nil {
				return err
			}
			assert.Equal(t, "6000", used.String())
			return nil
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("QueryErrorRollsBack", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()
		store := postgres.NewPostgresLedgerStore(db, 3*time.Second)

		mock.ExpectBegin()
		mock.ExpectExec(setLockTimeout).WillReturnResult(sqlmock.NewResult(0, 0))
		expectLock(mock, 1, "10000", "0", true)
		mock.ExpectQuery(sumCompleted).
			WithArgs(int64(1), since).
			WillReturnError(fmt.Errorf("connection reset"))
		mock.ExpectRollback()

		err = store.WithAccountLocks(ctx, []int64{1}, func(tx repository.LedgerTx) error {
			_, err := tx.CompletedSince(ctx, 1, since)
			return err
		})
		assert.ErrorIs(t, err, pkgerrors.ErrDurability)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresLedgerStore_SubMillisecondLockTimeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := postgres.NewPostgresLedgerStore(db, 500*time.Microsecond)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SET LOCAL lock_timeout = '1ms'`)).WillReturnResult(sqlmock.NewResult(0, 0))
	expectLock(mock, 1, "100", "0", true)
	mock.ExpectCommit()

	err = store.WithAccountLocks(context.Background(), []int64{1}, func(tx repository.LedgerTx) error { return nil })
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
