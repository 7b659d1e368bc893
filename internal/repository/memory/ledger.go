package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/infrastructure/observability"
	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/shopspring/decimal"
)

func (s *Store) token(id int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[id] = ch
	}
	return ch
}

func (s *Store) WithAccountLocks(ctx context.Context, ids []int64, fn func(tx repository.LedgerTx) error) error {
	ordered := sortedUnique(ids)
	held := make([]chan struct{}, 0, len(ordered))
	defer func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}()

	start := time.Now()
	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()
	for _, id := range ordered {
		ch := s.token(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			return fmt.Errorf("lock account %d: %w", id, errors.Join(pkgerrors.ErrConcurrencyTimeout, ctx.Err()))
		case <-timer.C:
			return fmt.Errorf("lock account %d after %s: %w", id, s.lockTimeout, pkgerrors.ErrConcurrencyTimeout)
		}
	}
	observability.LockWait.Observe(time.Since(start).Seconds())

	tx := s.newTx(ordered)
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", errors.Join(pkgerrors.ErrConcurrencyTimeout, err))
	}
	return s.commit(tx)
}

type ledgerTx struct {
	store    *Store
	accounts map[int64]models.Account
	dirty    map[int64]bool
	ledger   []*models.Transfer
}

func (s *Store) newTx(ids []int64) *ledgerTx {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx := &ledgerTx{
		store:    s,
		accounts: make(map[int64]models.Account, len(ids)),
		dirty:    make(map[int64]bool),
	}
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			tx.accounts[id] = a
		}
	}
	return tx
}

func (tx *ledgerTx) Account(id int64) (models.Account, bool) {
	a, ok := tx.accounts[id]
	return a, ok
}

func (tx *ledgerTx) ApplyDelta(ctx context.Context, id int64, delta decimal.Decimal) (models.Account, error) {
	if err := ctx.Err(); err != nil {
		return models.Account{}, errors.Join(pkgerrors.ErrConcurrencyTimeout, err)
	}
	if err := tx.store.fault(OpApplyDelta, id); err != nil {
		return models.Account{}, errors.Join(pkgerrors.ErrDurability, err)
	}
	a, ok := tx.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("account %d is not locked in this unit: %w", id, pkgerrors.ErrAccountNotFound)
	}
	if !a.CanApply(delta) {
		return models.Account{}, pkgerrors.ErrInsufficientFunds
	}
	a.Balance = a.Balance.Add(delta)
	a.UpdatedAt = tx.store.now()
	tx.accounts[id] = a
	tx.dirty[id] = true
	return a, nil
}

// CompletedSince reads committed rows. Units of the same sender are
// serialized by the sender's token, so earlier debits are already visible.
func (tx *ledgerTx) CompletedSince(ctx context.Context, senderID int64, since time.Time) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, errors.Join(pkgerrors.ErrConcurrencyTimeout, err)
	}
	return tx.store.Transfers().SumCompletedSince(ctx, senderID, since)
}

func (tx *ledgerTx) WriteLedger(ctx context.Context, t *models.Transfer) error {
	if t == nil {
		return pkgerrors.ErrNilTransfer
	}
	if !t.Status.IsTerminal() {
		return pkgerrors.ErrInvalidTransferStatus
	}
	if err := tx.store.fault(OpWriteLedger, t.ID); err != nil {
		return errors.Join(pkgerrors.ErrDurability, err)
	}
	tx.store.mu.RLock()
	current, ok := tx.store.transfers[t.ID]
	pending := ok && current.Status == models.StatusPending
	tx.store.mu.RUnlock()
	if !ok {
		return pkgerrors.ErrTransferNotFound
	}
	if !pending {
		return pkgerrors.ErrInvalidTransition
	}
	tx.ledger = append(tx.ledger, t.Clone())
	return nil
}

// commit publishes the unit under the store mutex. A transfer that left
// pending in the meantime aborts the whole unit.
func (s *Store) commit(tx *ledgerTx) error {
	if err := s.fault(OpCommit, 0); err != nil {
		return errors.Join(pkgerrors.ErrDurability, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tx.ledger {
		current, ok := s.transfers[t.ID]
		if !ok || current.Status != models.StatusPending {
			return pkgerrors.ErrInvalidTransition
		}
	}
	for id := range tx.dirty {
		s.accounts[id] = tx.accounts[id]
	}
	for _, t := range tx.ledger {
		s.transfers[t.ID] = t
	}
	return nil
}
