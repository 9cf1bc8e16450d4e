package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// SweeperConfig holds configuration for the lease sweeper.
type SweeperConfig struct {
	// Interval between sweeps (default: 30s).
	Interval time.Duration

	// MaxStartupJitter is the maximum random delay before the first sweep
	// (default: 5s).
	MaxStartupJitter time.Duration

	// BatchSize limits items requeued per sweep (default: 100).
	BatchSize int
}

// DefaultSweeperConfig returns sensible defaults.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:         30 * time.Second,
		MaxStartupJitter: 5 * time.Second,
		BatchSize:        100,
	}
}

// Sweeper returns expired-lease work items to the queue so work abandoned by
// crashed or partitioned workers becomes claimable again. The requeue itself
// is a single conditional update in the store, so any number of sweepers may
// run concurrently with claims.
type Sweeper struct {
	coordinator Coordinator
	cfg         SweeperConfig
}

// NewSweeper creates a sweeper.
func NewSweeper(coordinator Coordinator, cfg SweeperConfig) *Sweeper {
	return &Sweeper{coordinator: coordinator, cfg: cfg}
}

// Run starts the sweep loop with jittered startup.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.MaxStartupJitter > 0 {
		timer := time.NewTimer(rand.N(s.cfg.MaxStartupJitter))
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := s.SweepOnce(ctx); err != nil {
		slog.ErrorContext(ctx, "initial lease sweep failed", "error", err)
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "lease sweeper stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				slog.ErrorContext(ctx, "lease sweep failed", "error", err)
			}
		}
	}
}

// SweepOnce requeues one batch of expired leases.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	n, err := s.coordinator.RequeueExpiredLeases(ctx, s.cfg.BatchSize)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("failed to requeue expired leases: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "expired leases requeued", "count", n)
	}
	return nil
}
