package repository

import (
	"context"

	"github.com/honeynil/EduBankTransfers/internal/models"
)

type ActivityRepository interface {
	Append(ctx context.Context, entries []models.ActivityLogEntry) error
	ListByUser(ctx context.Context, userID int64, limit int) ([]models.ActivityLogEntry, error)
}
