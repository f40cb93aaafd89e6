// Package dispatcher fans crawl work out to a pool of orchestrators, each owning its own session.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/orchestrator"
)

// Runner is one worker loop; *orchestrator.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context) orchestrator.Summary
}

// Dispatcher runs a fixed pool of workers over the task queue.
type Dispatcher struct {
	queue   court.TaskQueue
	workers []Runner
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue court.TaskQueue, workers []Runner, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger.Named("dispatcher"),
	}
}

// Run starts all workers and blocks until every one has returned, either because ctx finished
// or because a draining worker found the queue empty. The worker summaries are combined.
func (d *Dispatcher) Run(ctx context.Context) orchestrator.Summary {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total orchestrator.Summary
	)
	d.logger.Info("starting workers", zap.Int("count", len(d.workers)))
	for i, w := range d.workers {
		wg.Add(1)
		go func(index int, wk Runner) {
			defer wg.Done()
			s := wk.Run(ctx)
			d.logger.Debug("worker stopped", zap.Int("index", index), zap.Int("completed", s.Completed), zap.Int("aborted", s.Aborted))
			mu.Lock()
			total = merge(total, s)
			mu.Unlock()
		}(i, w)
	}
	wg.Wait()
	d.logger.Info("workers stopped",
		zap.Int("completed", total.Completed),
		zap.Int("aborted", total.Aborted),
		zap.Int("cases_persisted", total.CasesPersisted))
	return total
}

// Enqueue proxies to the underlying queue.
func (d *Dispatcher) Enqueue(ctx context.Context, task court.Task) (string, error) {
	id, err := d.queue.Enqueue(ctx, task)
	if err != nil {
		return "", fmt.Errorf("queue enqueue: %w", err)
	}
	return id, nil
}

func merge(a, b orchestrator.Summary) orchestrator.Summary {
	a.Completed += b.Completed
	a.Aborted += b.Aborted
	a.DatesSearched += b.DatesSearched
	a.DatesSkipped += b.DatesSkipped
	a.CasesPersisted += b.CasesPersisted
	a.CasesSkipped += b.CasesSkipped
	a.CasesCurrent += b.CasesCurrent
	return a
}
