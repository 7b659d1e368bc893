// Package memory is an in-process implementation of the repository
// interfaces. Balances are serialized per account with capacity-1 channels,
// so disjoint transfers never contend. It backs STORAGE_DRIVER=memory and
// the service tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/models"
	"github.com/honeynil/EduBankTransfers/internal/repository"
	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/shopspring/decimal"
)

// Fault operations understood by a FaultInjector.
const (
	OpCreatePending  = "create_pending"
	OpApplyDelta     = "apply_delta"
	OpWriteLedger    = "write_ledger"
	OpCommit         = "commit"
	OpMarkFailed     = "mark_failed"
	OpActivityAppend = "activity_append"
)

// FaultInjector lets tests fail a storage operation. id is the account or
// transfer the operation targets, or 0.
type FaultInjector func(op string, id int64) error

type Option func(*Store)

func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) { s.lockTimeout = d }
}

func WithFaultInjector(f FaultInjector) Option {
	return func(s *Store) { s.faults = f }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	// mu guards the maps and row contents. Balance changes additionally
	// require the account's token from locks.
	mu        sync.RWMutex
	accounts  map[int64]models.Account
	locks     map[int64]chan struct{}
	transfers map[int64]*models.Transfer
	activity  []models.ActivityLogEntry

	nextTransferID  int64
	nextRecipientID int64
	nextActivityID  int64

	lockTimeout time.Duration
	faults      FaultInjector
	now         func() time.Time
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[int64]models.Account),
		locks:       make(map[int64]chan struct{}),
		transfers:   make(map[int64]*models.Transfer),
		lockTimeout: 3 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PutAccount inserts or replaces an account. It bypasses the ledger and is
// meant for seeding only.
func (s *Store) PutAccount(a models.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = s.now()
	}
	s.accounts[a.ID] = a
	if _, ok := s.locks[a.ID]; !ok {
		s.locks[a.ID] = make(chan struct{}, 1)
	}
}

type seedFile struct {
	Accounts []struct {
		ID             int64           `json:"id"`
		Name           string          `json:"name"`
		Balance        decimal.Decimal `json:"balance"`
		OverdraftLimit decimal.Decimal `json:"overdraft_limit"`
		IsActive       *bool           `json:"is_active"`
	} `json:"accounts"`
}

// LoadSeed reads accounts from a JSON file of the form {"accounts": [...]}.
func (s *Store) LoadSeed(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed file: %w", err)
	}
	defer f.Close()

	var seed seedFile
	if err := json.NewDecoder(f).Decode(&seed); err != nil {
		return 0, fmt.Errorf("decode seed file: %w", err)
	}
	for _, a := range seed.Accounts {
		if a.ID <= 0 {
			return 0, fmt.Errorf("seed account has invalid id %d", a.ID)
		}
		if a.OverdraftLimit.IsNegative() {
			return 0, fmt.Errorf("seed account %d has negative overdraft limit", a.ID)
		}
		if a.Balance.LessThan(a.OverdraftLimit.Neg()) {
			return 0, fmt.Errorf("seed account %d is below its overdraft limit", a.ID)
		}
		active := true
		if a.IsActive != nil {
			active = *a.IsActive
		}
		s.PutAccount(models.Account{
			ID:             a.ID,
			Name:           a.Name,
			Balance:        a.Balance,
			OverdraftLimit: a.OverdraftLimit,
			IsActive:       active,
		})
	}
	return len(seed.Accounts), nil
}

func (s *Store) fault(op string, id int64) error {
	if s.faults == nil {
		return nil
	}
	if err := s.faults(op, id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Store) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, pkgerrors.ErrAccountNotFound
	}
	return &a, nil
}

func (s *Store) GetByIDs(ctx context.Context, ids []int64) (map[int64]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64]models.Account, len(ids))
	for _, id := range ids {
		if a, ok := s.accounts[id]; ok {
			out[id] = a
		}
	}
	return out, nil
}

// TotalBalance sums every balance. Used to check conservation.
func (s *Store) TotalBalance() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	for _, a := range s.accounts {
		total = total.Add(a.Balance)
	}
	return total
}

func sortedUnique(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var (
	_ repository.AccountRepository  = (*Store)(nil)
	_ repository.LockManager        = (*Store)(nil)
	_ repository.ActivityRepository = (*Store)(nil)
	_ repository.TransferRepository = (*TransferRepository)(nil)
)
