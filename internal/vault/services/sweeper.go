package services

import (
	"context"
	"time"

	"github.com/opsapi/secretvault/internal/logging"
)

// Sweeper periodically expires past-due share grants. Runs until its context
// is cancelled; multiple instances can run side by side because the sweep
// itself is idempotent.
type Sweeper struct {
	shares   *ShareService
	interval time.Duration
	logger   logging.Logger
}

// NewSweeper constructs a Sweeper with the given interval.
func NewSweeper(shares *ShareService, interval time.Duration, logger logging.Logger) *Sweeper {
	return &Sweeper{shares: shares, interval: interval, logger: logger}
}

// Run blocks, sweeping once per interval, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.shares.SweepExpiredShares(ctx); err != nil {
				s.logger.Error(ctx, "share sweep failed", "error", err)
			}
		}
	}
}
