package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/models"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/shopspring/decimal"
)

// TransferRepository is the transfer table view of a Store.
type TransferRepository struct {
	s *Store
}

func (s *Store) Transfers() *TransferRepository {
	return &TransferRepository{s: s}
}

func (r *TransferRepository) CreatePending(ctx context.Context, t *models.Transfer) error {
	s := r.s
	if t == nil {
		return pkgerrors.ErrNilTransfer
	}
	if !t.Type.Valid() {
		return pkgerrors.ErrInvalidTransferType
	}
	if err := s.fault(OpCreatePending, t.FromAccountID); err != nil {
		return errors.Join(pkgerrors.ErrDurability, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextTransferID++
	t.ID = s.nextTransferID
	t.Status = models.StatusPending
	t.CreatedAt = s.now()
	for i := range t.Recipients {
		s.nextRecipientID++
		t.Recipients[i].ID = s.nextRecipientID
		t.Recipients[i].TransferID = t.ID
		t.Recipients[i].Status = models.RecipientPending
	}
	s.transfers[t.ID] = t.Clone()
	return nil
}

func (s *Store) finish(id int64, status models.TransferStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[id]
	if !ok {
		return pkgerrors.ErrTransferNotFound
	}
	if !t.Status.CanTransitionTo(status) {
		return pkgerrors.ErrInvalidTransition
	}
	t.SetOutcome(status, reason, s.now())
	return nil
}

func (r *TransferRepository) MarkFailed(ctx context.Context, id int64, reason string) error {
	if err := r.s.fault(OpMarkFailed, id); err != nil {
		return errors.Join(pkgerrors.ErrDurability, err)
	}
	return r.s.finish(id, models.StatusFailed, reason)
}

func (r *TransferRepository) Cancel(ctx context.Context, id int64, reason string) error {
	return r.s.finish(id, models.StatusCancelled, reason)
}

func (r *TransferRepository) CancelStale(ctx context.Context, olderThan time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, t := range s.transfers {
		if t.Status == models.StatusPending && t.CreatedAt.Before(olderThan) {
			t.SetOutcome(models.StatusCancelled, pkgerrors.ReasonStalePending, s.now())
			n++
		}
	}
	return n, nil
}

func (r *TransferRepository) GetByID(ctx context.Context, id int64) (*models.Transfer, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transfers[id]
	if !ok {
		return nil, pkgerrors.ErrTransferNotFound
	}
	return t.Clone(), nil
}

func (r *TransferRepository) List(ctx context.Context, f models.TransferFilter) ([]models.Transfer, error) {
	s := r.s
	s.mu.RLock()
	var out []models.Transfer
	for _, t := range s.transfers {
		if matches(t, f) {
			out = append(out, *t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Offset >= len(out) {
		return []models.Transfer{}, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func matches(t *models.Transfer, f models.TransferFilter) bool {
	if f.AccountID != 0 {
		sent := t.FromAccountID == f.AccountID
		received := !sent && t.Involves(f.AccountID)
		switch f.Direction {
		case models.DirectionSent:
			if !sent {
				return false
			}
		case models.DirectionReceived:
			if !received {
				return false
			}
		default:
			if !sent && !received {
				return false
			}
		}
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.From != nil && t.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !t.CreatedAt.Before(*f.To) {
		return false
	}
	return true
}

func (r *TransferRepository) SumCompletedSince(ctx context.Context, senderID int64, since time.Time) (decimal.Decimal, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, t := range s.transfers {
		if t.FromAccountID == senderID && t.Status == models.StatusCompleted && !t.CreatedAt.Before(since) {
			sum = sum.Add(t.Amount)
		}
	}
	return sum, nil
}
