// Package sweeper returns tasks whose lease expired (a crashed or stalled worker) to the queue.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/metrics"
)

// DefaultInterval is used when no sweep interval is configured.
const DefaultInterval = time.Minute

// Sweeper periodically calls SweepExpired.
type Sweeper struct {
	queue    court.LeaseSweeper
	clock    court.Clock
	interval time.Duration
	logger   *zap.Logger
}

// New constructs a Sweeper.
func New(queue court.LeaseSweeper, clock court.Clock, interval time.Duration, logger *zap.Logger) (*Sweeper, error) {
	if queue == nil || clock == nil {
		return nil, fmt.Errorf("queue and clock are required")
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{queue: queue, clock: clock, interval: interval, logger: logger.Named("sweeper")}, nil
}

// SweepOnce runs one pass and returns the number of recovered tasks.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	n, err := s.queue.SweepExpired(ctx, s.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	if n > 0 {
		metrics.ObserveLeasesRecovered(n)
		s.logger.Info("recovered expired leases", zap.Int("tasks", n))
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. Failed passes are logged and retried on the
// next tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
