package repository

import (
	"context"

	"github.com/honeynil/EduBankTransfers/internal/models"
)

type AccountRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Account, error)
	// GetByIDs returns the accounts that exist; missing ids are simply absent.
	GetByIDs(ctx context.Context, ids []int64) (map[int64]models.Account, error)
}
