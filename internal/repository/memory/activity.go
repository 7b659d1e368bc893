package memory

import (
	"context"
	"errors"

	"github.com/honeynil/EduBankTransfers/internal/models"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
)

func (s *Store) Append(ctx context.Context, entries []models.ActivityLogEntry) error {
	if err := s.fault(OpActivityAppend, 0); err != nil {
		return errors.Join(pkgerrors.ErrDurability, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.nextActivityID++
		e.ID = s.nextActivityID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = s.now()
		}
		s.activity = append(s.activity, e)
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID int64, limit int) ([]models.ActivityLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ActivityLogEntry
	for i := len(s.activity) - 1; i >= 0; i-- {
		if s.activity[i].UserID == userID {
			out = append(out, s.activity[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
