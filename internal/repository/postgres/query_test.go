package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/models"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestBuildListQuery(t *testing.T) {
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 1, 0)

	t.Run("ReceivedWindow", func(t *testing.T) {
		q, args := buildListQuery(models.TransferFilter{
			AccountID: 4, Direction: models.DirectionReceived, From: &from, To: &to, Limit: 10, Offset: 20,
		})
		assert.Contains(t, q, "t.to_account_id = $1 OR EXISTS (SELECT 1 FROM transfer_recipients r WHERE r.transfer_id = t.id AND r.user_id = $1)")
		assert.Contains(t, q, "t.created_at >= $2 AND t.created_at < $3")
		assert.Contains(t, q, "LIMIT $4 OFFSET $5")
		assert.Equal(t, []any{int64(4), from, to, 10, 20}, args)
	})

	t.Run("AllDirections", func(t *testing.T) {
		q, args := buildListQuery(models.TransferFilter{AccountID: 4})
		assert.Contains(t, q, "(t.from_account_id = $1 OR (t.from_account_id <> $1")
		assert.Len(t, args, 1)
	})

	t.Run("AdminUnfiltered", func(t *testing.T) {
		q, args := buildListQuery(models.TransferFilter{})
		assert.NotContains(t, q, "WHERE")
		assert.Empty(t, args)
	})
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))
	assert.ErrorIs(t, classify("op", &pq.Error{Code: "55P03"}), pkgerrors.ErrConcurrencyTimeout)
	assert.ErrorIs(t, classify("op", &pq.Error{Code: "40P01"}), pkgerrors.ErrConcurrencyTimeout)
	assert.ErrorIs(t, classify("op", context.DeadlineExceeded), pkgerrors.ErrConcurrencyTimeout)
	assert.ErrorIs(t, classify("op", &pq.Error{Code: "23505"}), pkgerrors.ErrDurability)

	err := classify("op", errors.New("broken pipe"))
	assert.ErrorIs(t, err, pkgerrors.ErrDurability)
	assert.Contains(t, err.Error(), "broken pipe")
}

func TestSortedUnique(t *testing.T) {
	assert.Equal(t, []int64{1, 2, 5}, sortedUnique([]int64{5, 2, 1, 5, 2}))
}
