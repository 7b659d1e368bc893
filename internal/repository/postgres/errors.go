package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"

	pkgerrors "github.com/honeynil/EduBankTransfers/pkg/errors"
	"github.com/lib/pq"
)

const (
	codeLockNotAvailable = "55P03"
	codeQueryCanceled    = "57014"
	codeSerialization    = "40001"
	codeDeadlockDetected = "40P01"
)

// classify maps driver failures onto the domain taxonomy: anything that
// amounts to "could not get or keep the locks in time" is a concurrency
// timeout, everything else is a durability failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w: %w", op, pkgerrors.ErrConcurrencyTimeout, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeLockNotAvailable, codeQueryCanceled, codeSerialization, codeDeadlockDetected:
			return fmt.Errorf("%s: %w: %w", op, pkgerrors.ErrConcurrencyTimeout, err)
		}
	}
	return fmt.Errorf("%s: %w: %w", op, pkgerrors.ErrDurability, err)
}

func sortedUnique(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
