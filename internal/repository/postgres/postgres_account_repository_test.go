package postgres_test

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/honeynil/EduBankTransfers/internal/repository/postgres"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var accountCols = []string{"id", "name", "balance", "overdraft_limit", "is_active", "updated_at"}

func TestPostgresAccountRepository_GetByID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()
	query := regexp.QuoteMeta(`SELECT id, name, balance, overdraft_limit, is_active, updated_at FROM accounts WHERE id = $1`)

	t.Run("Success", func(t *testing.T) {
		now := time.Now().UTC()
		mock.ExpectQuery(query).
			WithArgs(int64(1)).
			WillReturnRows(sqlmock.NewRows(accountCols).AddRow(1, "Alice", "1000.00", "500.00", true, now))

		a, err := repo.GetByID(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, "Alice", a.Name)
		assert.Equal(t, "1000", a.Balance.String())
		assert.Equal(t, "1500", a.AvailableBalance().String())
		assert.True(t, a.IsActive)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery(query).WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

		a, err := repo.GetByID(ctx, 9)
		assert.Nil(t, a)
		assert.ErrorIs(t, err, pkgerrors.ErrAccountNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("DatabaseError", func(t *testing.T) {
		mock.ExpectQuery(query).WithArgs(int64(1)).WillReturnError(fmt.Errorf("connection refused"))

		a, err := repo.GetByID(ctx, 1)
		assert.Nil(t, a)
		assert.ErrorIs(t, err, pkgerrors.ErrDurability)
		assert.Contains(t, err.Error(), "connection refused")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresAccountRepository_GetByIDs(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := postgres.NewPostgresAccountRepository(db)
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		now := time.Now().UTC()
		ids := []int64{1, 2, 3}
		mock.ExpectQuery(regexp.QuoteMeta(`FROM accounts WHERE id = ANY($1)`)).
			WithArgs(pq.Array(ids)).
			WillReturnRows(sqlmock.NewRows(accountCols).
				AddRow(1, "Alice", "10", "0", true, now).
				AddRow(3, "Carol", "0", "0", false, now))

		accts, err := repo.GetByIDs(ctx, ids)
		require.NoError(t, err)
		assert.Len(t, accts, 2)
		assert.False(t, accts[3].IsActive)
		_, ok := accts[2]
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Empty", func(t *testing.T) {
		accts, err := repo.GetByIDs(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, accts)
	})
}
