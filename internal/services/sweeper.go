package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/honeynil/EduBankTransfers/internal/repository"
)

// Sweeper cancels pending transfers whose executor never finished them.
type Sweeper struct {
	transfers repository.TransferRepository
	ttl       time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewSweeper(transfers repository.TransferRepository, ttl, interval time.Duration) *Sweeper {
	return &Sweeper{transfers: transfers, ttl: ttl, interval: interval, now: time.Now}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	slog.Info("stale transfer sweeper started", "interval", s.interval, "ttl", s.ttl)
	for {
		select {
		case <-ctx.Done():
			slog.Info("stale transfer sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				slog.Error("stale transfer sweep failed", "error", err)
			}
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	n, err := s.transfers.CancelStale(ctx, s.now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Warn("cancelled stale pending transfers", "count", n)
	}
	return n, nil
}
