package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository/postgres"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var transferCols = []string{"id", "from_account_id", "to_account_id", "amount", "description", "type", "status", "error_message", "idempotency_key", "created_at", "completed_at"}

func TestPostgresTransferRepository_CreatePending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresTransferRepository(db)
	ctx := context.Background()
	insert := regexp.QuoteMeta(`INSERT INTO transfers (from_account_id, to_account_id, amount, description, type, status, idempotency_key) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, created_at`)
	insertRecipient := regexp.QuoteMeta(`INSERT INTO transfer_recipients (transfer_id, user_id, amount, status) VALUES ($1, $2, $3, $4) RETURNING id`)

	t.Run("NilTransfer", func(t *testing.T) {
		assert.ErrorIs(t, repo.CreatePending(ctx, nil), pkgerrors.ErrNilTransfer)
	})

	t.Run("InvalidType", func(t *testing.T) {
		err := repo.CreatePending(ctx, &models.Transfer{FromAccountID: 1, Amount: decimal.NewFromInt(1), Type: "bulk"})
		assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransferType)
	})

	t.Run("InvalidAmount", func(t *testing.T) {
		err := repo.CreatePending(ctx, &models.Transfer{FromAccountID: 1, Amount: decimal.Zero, Type: models.TypeSingle})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "amount must be positive")
	})

	t.Run("SuccessSingle", func(t *testing.T) {
		to := int64(2)
		tr := &models.Transfer{FromAccountID: 1, ToAccountID: &to, Amount: decimal.NewFromInt(5000), Description: "rent", Type: models.TypeSingle}
		createdAt := time.Now().UTC()
		mock.ExpectBegin()
		mock.ExpectQuery(insert).
			WithArgs(int64(1), sql.NullInt64{Int64: 2, Valid: true}, decimal.NewFromInt(5000), "rent", models.TypeSingle, models.StatusPending, sql.NullString{}).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(10, createdAt))
		mock.ExpectCommit()

		require.NoError(t, repo.CreatePending(ctx, tr))
		assert.Equal(t, int64(10), tr.ID)
		assert.Equal(t, models.StatusPending, tr.Status)
		assert.WithinDuration(t, createdAt, tr.CreatedAt, time.Second)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SuccessMultiple", func(t *testing.T) {
		key := "abc"
		tr := &models.Transfer{
			FromAccountID: 1, Amount: decimal.NewFromInt(9000), Description: "prizes", Type: models.TypeMultiple, IdempotencyKey: &key,
			Recipients: []models.TransferRecipient{
				{UserID: 2, Amount: decimal.NewFromInt(3000)},
				{UserID: 3, Amount: decimal.NewFromInt(6000)},
			},
		}
		mock.ExpectBegin()
		mock.ExpectQuery(insert).
			WithArgs(int64(1), sql.NullInt64{}, decimal.NewFromInt(9000), "prizes", models.TypeMultiple, models.StatusPending, sql.NullString{String: "abc", Valid: true}).
			WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, time.Now()))
		mock.ExpectQuery(insertRecipient).
			WithArgs(int64(11), int64(2), decimal.NewFromInt(3000), models.RecipientPending).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(100))
		mock.ExpectQuery(insertRecipient).
			WithArgs(int64(11), int64(3), decimal.NewFromInt(6000), models.RecipientPending).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(101))
		mock.ExpectCommit()

		require.NoError(t, repo.CreatePending(ctx, tr))
		assert.Equal(t, int64(101), tr.Recipients[1].ID)
		assert.Equal(t, int64(11), tr.Recipients[0].TransferID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RecipientInsertFails", func(t *testing.T) {
		tr := &models.Transfer{
			FromAccountID: 1, Amount: decimal.NewFromInt(10), Description: "x", Type: models.TypeMultiple,
			Recipients: []models.TransferRecipient{{UserID: 2, Amount: decimal.NewFromInt(10)}},
		}
		mock.ExpectBegin()
		mock.ExpectQuery(insert).WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(12, time.Now()))
		mock.ExpectQuery(insertRecipient).WillReturnError(fmt.Errorf("database error"))
		mock.ExpectRollback()

		err := repo.CreatePending(ctx, tr)
		assert.ErrorIs(t, err, pkgerrors.ErrDurability)
		assert.Zero(t, tr.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RollbackError", func(t *testing.T) {
		to := int64(2)
		tr := &models.Transfer{FromAccountID: 1, ToAccountID: &to, Amount: decimal.NewFromInt(10), Description: "x", Type: models.TypeSingle}
		mock.ExpectBegin()
		mock.ExpectQuery(insert).WillReturnError(fmt.Errorf("database error"))
		mock.ExpectRollback().WillReturnError(fmt.Errorf("rollback error"))

		err := repo.CreatePending(ctx, tr)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "rollback failed")
		assert.Contains(t, err.Error(), "database error")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CommitError", func(t *testing.T) {
		to := int64(2)
		tr := &models.Transfer{FromAccountID: 1, ToAccountID: &to, Amount: decimal.NewFromInt(10), Description: "x", Type: models.TypeSingle}
		mock.ExpectBegin()
		mock.ExpectQuery(insert).WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(13, time.Now()))
		mock.ExpectCommit().WillReturnError(fmt.Errorf("commit error"))

		err := repo.CreatePending(ctx, tr)
		assert.ErrorIs(t, err, pkgerrors.ErrDurability)
		assert.Zero(t, tr.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransferRepository_Finish(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresTransferRepository(db)
	ctx := context.Background()
	update := regexp.QuoteMeta(`UPDATE transfers SET status = $1, error_message = $2`)
	exists := regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM transfers WHERE id = $1)`)

	t.Run("MarkFailed", func(t *testing.T) {
		mock.ExpectQuery(update).
			WithArgs(models.StatusFailed, pkgerrors.ReasonLockTimeout, int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		assert.NoError(t, repo.MarkFailed(ctx, 5, pkgerrors.ReasonLockTimeout))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CancelAlreadyTerminal", func(t *testing.T) {
		mock.ExpectQuery(update).
			WithArgs(models.StatusCancelled, pkgerrors.ReasonRequestCancelled, int64(5)).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(exists).WithArgs(int64(5)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

		assert.ErrorIs(t, repo.Cancel(ctx, 5, pkgerrors.ReasonRequestCancelled), pkgerrors.ErrInvalidTransition)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(update).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(exists).WithArgs(int64(404)).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

		assert.ErrorIs(t, repo.MarkFailed(ctx, 404, "x"), pkgerrors.ErrTransferNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("CancelStale", func(t *testing.T) {
		cutoff := time.Now().Add(-time.Minute)
		mock.ExpectQuery(regexp.QuoteMeta(`UPDATE transfers SET status = 'cancelled', error_message = $1`)).
			WithArgs(pkgerrors.ReasonStalePending, cutoff).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

		n, err := repo.CancelStale(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransferRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresTransferRepository(db)
	ctx := context.Background()
	query := regexp.QuoteMeta(`SELECT id, from_account_id, to_account_id, amount, description, type, status, error_message, idempotency_key, created_at, completed_at FROM transfers WHERE id = $1`)

	t.Run("SuccessMultiple", func(t *testing.T) {
		now := time.Now().UTC()
		mock.ExpectQuery(query).
			WithArgs(int64(7)).
			WillReturnRows(sqlmock.NewRows(transferCols).
				AddRow(7, 1, nil, "9000.00", "prizes", "multiple", "completed", nil, nil, now, now))
		mock.ExpectQuery(regexp.QuoteMeta(`FROM transfer_recipients WHERE transfer_id = ANY($1)`)).
			WithArgs(pq.Array([]int64{7})).
			WillReturnRows(sqlmock.NewRows([]string{"id", "transfer_id", "user_id", "amount", "status"}).
				AddRow(1, 7, 2, "3000", "completed").
				AddRow(2, 7, 3, "6000", "completed"))

		tr, err := repo.GetByID(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, models.TypeMultiple, tr.Type)
		assert.Nil(t, tr.ToAccountID)
		require.NotNil(t, tr.CompletedAt)
		require.Len(t, tr.Recipients, 2)
		assert.Equal(t, "6000", tr.Recipients[1].Amount.String())
		assert.True(t, tr.Involves(3))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("SuccessFailedSingle", func(t *testing.T) {
		mock.ExpectQuery(query).
			WithArgs(int64(8)).
			WillReturnRows(sqlmock.NewRows(transferCols).
				AddRow(8, 1, 2, "2000", "rent", "single", "failed", "insufficient_funds", nil, time.Now(), nil))

		tr, err := repo.GetByID(ctx, 8)
		require.NoError(t, err)
		require.NotNil(t, tr.ToAccountID)
		assert.Equal(t, int64(2), *tr.ToAccountID)
		require.NotNil(t, tr.ErrorMessage)
		assert.Equal(t, "insufficient_funds", *tr.ErrorMessage)
		assert.Nil(t, tr.CompletedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(query).WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

		tr, err := repo.GetByID(ctx, 9)
		assert.Nil(t, tr)
		assert.ErrorIs(t, err, pkgerrors.ErrTransferNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransferRepository_SumCompletedSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresTransferRepository(db)
	ctx := context.Background()
	since := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	t.Run("Success", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0) FROM transfers`)).
			WithArgs(int64(1), since).
			WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("9999999.00"))

		sum, err := repo.SumCompletedSince(ctx, 1, since)
		require.NoError(t, err)
		assert.Equal(t, "9999999", sum.String())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(SUM(amount), 0) FROM transfers`)).
			WillReturnError(fmt.Errorf("database error"))

		sum, err := repo.SumCompletedSince(ctx, 1, since)
		assert.True(t, sum.IsZero())
		assert.ErrorIs(t, err, pkgerrors.ErrDurability)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresTransferRepository_List(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresTransferRepository(db)
	ctx := context.Background()

	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM transfers t WHERE t.from_account_id = $1 AND t.status = $2 ORDER BY t.created_at DESC, t.id DESC LIMIT $3`)).
		WithArgs(int64(1), models.StatusCompleted, 20).
		WillReturnRows(sqlmock.NewRows(transferCols).
			AddRow(3, 1, nil, "200", "split", "multiple", "completed", nil, nil, now, now).
			AddRow(2, 1, 5, "50", "coffee", "single", "completed", nil, nil, now.Add(-time.Hour), now.Add(-time.Hour)))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM transfer_recipients WHERE transfer_id = ANY($1)`)).
		WithArgs(pq.Array([]int64{3})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "transfer_id", "user_id", "amount", "status"}).
			AddRow(1, 3, 2, "100", "completed").
			AddRow(2, 3, 4, "100", "completed"))

	list, err := repo.List(ctx, models.TransferFilter{AccountID: 1, Direction: models.DirectionSent, Status: models.StatusCompleted, Limit: 20})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Len(t, list[0].Recipients, 2)
	assert.Empty(t, list[1].Recipients)
	assert.NoError(t, mock.ExpectationsWereMet())
}
