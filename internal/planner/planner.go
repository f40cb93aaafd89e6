// Package planner partitions a date span into per-court, per-category crawl tasks and writes
// them to the task queue.
package planner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// DefaultChunkDays bounds a task's range when no chunk size is given.
const DefaultChunkDays = 30

// Request describes the span to plan.
type Request struct {
	Courts     []court.ID
	Categories []court.Category
	Start      time.Time
	End        time.Time
	// ChunkDays is the largest number of dates in one task.
	ChunkDays int
}

// Tasks plans the request.
func (r Request) Tasks() ([]court.Task, error) {
	return Plan(r.Courts, r.Categories, r.Start, r.End, r.ChunkDays)
}

// Plan partitions [start, end] into tasks of at most chunkDays dates for every court and
// category pair. Tasks are ordered by court, then category, then start date, so same-court
// work sits together in the queue.
func Plan(courts []court.ID, categories []court.Category, start, end time.Time, chunkDays int) ([]court.Task, error) {
	if len(courts) == 0 {
		return nil, fmt.Errorf("at least one court is required")
	}
	if len(categories) == 0 {
		return nil, fmt.Errorf("at least one category is required")
	}
	if start.IsZero() || end.IsZero() {
		return nil, fmt.Errorf("start and end dates are required")
	}
	start, end = court.Day(start), court.Day(end)
	if end.Before(start) {
		return nil, fmt.Errorf("invalid date span %s..%s", start.Format(court.DateLayout), end.Format(court.DateLayout))
	}
	for _, c := range categories {
		if !c.Valid() {
			return nil, fmt.Errorf("unknown case category %q", c)
		}
	}
	chunk := chunkDays
	if chunk <= 0 {
		chunk = DefaultChunkDays
	}

	var tasks []court.Task
	for _, id := range courts {
		if id <= 0 {
			return nil, fmt.Errorf("court id must be > 0, got %d", id)
		}
		for _, category := range categories {
			for from := start; !from.After(end); from = from.AddDate(0, 0, chunk) {
				to := from.AddDate(0, 0, chunk-1)
				if to.After(end) {
					to = end
				}
				tasks = append(tasks, court.Task{Court: id, Start: from, End: to, Category: category})
			}
		}
	}
	return tasks, nil
}

// Planner writes planned tasks to a queue.
type Planner struct {
	queue  court.TaskQueue
	logger *zap.Logger
}

// New constructs a Planner.
func New(queue court.TaskQueue, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{queue: queue, logger: logger.Named("planner")}
}

// Enqueue plans req and enqueues every task, returning their ids. It stops at the first
// failure; tasks already enqueued stay queued.
func (p *Planner) Enqueue(ctx context.Context, req Request) ([]string, error) {
	tasks, err := req.Tasks()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, task := range tasks {
		id, err := p.queue.Enqueue(ctx, task)
		if err != nil {
			return ids, fmt.Errorf("enqueue %s: %w", task, err)
		}
		ids = append(ids, id)
	}
	p.logger.Info("planned tasks",
		zap.Int("tasks", len(ids)),
		zap.Int("courts", len(req.Courts)),
		zap.String("start", court.Day(req.Start).Format(court.DateLayout)),
		zap.String("end", court.Day(req.End).Format(court.DateLayout)))
	return ids, nil
}
