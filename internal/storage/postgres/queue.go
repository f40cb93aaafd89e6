package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/policy/retry"
	"github.com/JakeFAU/court-crawler/internal/queue"
)

// QueueConfig tunes leasing and claim retries.
type QueueConfig struct {
	Lease        time.Duration
	ClaimRetries int
	Backoff      retry.Policy
	Clock        court.Clock
	IDs          court.IDGenerator
}

// Queue is a court.TaskQueue over the crawl_tasks table.
type Queue struct {
	pool    pool
	lease   time.Duration
	clock   court.Clock
	ids     court.IDGenerator
	claimer *queue.Claimer
}

var (
	_ court.TaskQueue    = (*Queue)(nil)
	_ court.LeaseSweeper = (*Queue)(nil)
	_ court.QueueStats   = (*Queue)(nil)
)

// NewQueue builds a queue on db.
func NewQueue(db *DB, cfg QueueConfig, logger *zap.Logger) (*Queue, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if cfg.Clock == nil || cfg.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	if cfg.Lease <= 0 {
		return nil, fmt.Errorf("lease duration must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		pool:    db.pool,
		lease:   cfg.Lease,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		claimer: queue.NewClaimer(cfg.ClaimRetries, cfg.Backoff, logger.Named("postgres_queue")),
	}, nil
}

// Enqueue inserts a pending task.
func (q *Queue) Enqueue(ctx context.Context, task court.Task) (string, error) {
	if err := task.Validate(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	id := task.ID
	if id == "" {
		var err error
		if id, err = q.ids.NewID(); err != nil {
			return "", fmt.Errorf("generate task id: %w", err)
		}
	}
	_, err := q.pool.Exec(ctx, `
INSERT INTO crawl_tasks (id, fips, category, start_date, end_date, enqueued_at)
VALUES ($1, $2, $3, $4, $5, $6)`,
		id, int(task.Court), string(task.Category), court.Day(task.Start), court.Day(task.End), q.clock.Now())
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// ClaimNext selects the best pending task and conditionally leases it. Losing the race to
// another worker is retried by the claimer.
func (q *Queue) ClaimNext(ctx context.Context, opts court.ClaimOptions) (court.Claim, error) {
	categories := queue.Categories(opts.Family)
	return q.claimer.Claim(ctx, func(ctx context.Context) (court.Claim, error) {
		return q.tryClaim(ctx, categories, opts)
	})
}

func (q *Queue) tryClaim(ctx context.Context, categories []string, opts court.ClaimOptions) (court.Claim, error) {
	var (
		task     court.Task
		fips     int
		category string
	)
	err := q.pool.QueryRow(ctx, `
SELECT id, fips, category, start_date, end_date
FROM crawl_tasks
WHERE lease_expires IS NULL AND category = ANY($1)
ORDER BY (fips = $2) DESC, enqueued_at, id
LIMIT 1`, categories, int(opts.PreferCourt)).Scan(&task.ID, &fips, &category, &task.Start, &task.End)
	if errors.Is(err, pgx.ErrNoRows) {
		return court.Claim{}, court.ErrQueueEmpty
	}
	if err != nil {
		return court.Claim{}, fmt.Errorf("select pending task: %w", err)
	}
	task.Court = court.ID(fips)
	task.Category = court.Category(category)

	expires := q.clock.Now().Add(q.lease).UTC().Truncate(time.Microsecond)
	tag, err := q.pool.Exec(ctx, `
UPDATE crawl_tasks SET claimed_by = $2, lease_expires = $3
WHERE id = $1 AND lease_expires IS NULL`, task.ID, opts.Worker, expires)
	if err != nil {
		return court.Claim{}, fmt.Errorf("lease task %s: %w", task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return court.Claim{}, queue.ErrConflict
	}
	return court.Claim{Task: task, Worker: opts.Worker, LeaseExpires: expires}, nil
}

// Extend moves the lease of a held claim to now plus the lease duration. The update is
// conditional on the caller's worker and current expiry, so a swept or re-claimed task is
// reported as court.ErrLeaseLost.
func (q *Queue) Extend(ctx context.Context, claim court.Claim) (court.Claim, error) {
	expires := q.clock.Now().Add(q.lease).UTC().Truncate(time.Microsecond)
	tag, err := q.pool.Exec(ctx, `
UPDATE crawl_tasks SET lease_expires = $4
WHERE id = $1 AND claimed_by = $2 AND lease_expires = $3`,
		claim.Task.ID, claim.Worker, claim.LeaseExpires, expires)
	if err != nil {
		return court.Claim{}, fmt.Errorf("extend lease of task %s: %w", claim.Task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return court.Claim{}, fmt.Errorf("extend lease of task %s: %w", claim.Task.ID, court.ErrLeaseLost)
	}
	claim.LeaseExpires = expires
	return claim, nil
}

// Complete deletes the task if the caller still holds the lease.
func (q *Queue) Complete(ctx context.Context, claim court.Claim) error {
	tag, err := q.pool.Exec(ctx, `
DELETE FROM crawl_tasks WHERE id = $1 AND claimed_by = $2 AND lease_expires = $3`,
		claim.Task.ID, claim.Worker, claim.LeaseExpires)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", claim.Task.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete task %s: %w", claim.Task.ID, court.ErrLeaseLost)
	}
	return nil
}

// SweepExpired clears leases that ended at or before now.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := q.pool.Exec(ctx, `
UPDATE crawl_tasks SET claimed_by = NULL, lease_expires = NULL
WHERE lease_expires IS NOT NULL AND lease_expires <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Pending counts unclaimed tasks.
func (q *Queue) Pending(ctx context.Context, family court.Family) (int, error) {
	return q.count(ctx, "lease_expires IS NULL", family)
}

// Leased counts claimed, unacknowledged tasks.
func (q *Queue) Leased(ctx context.Context, family court.Family) (int, error) {
	return q.count(ctx, "lease_expires IS NOT NULL", family)
}

func (q *Queue) count(ctx context.Context, predicate string, family court.Family) (int, error) {
	var n int
	query := "SELECT count(*) FROM crawl_tasks WHERE " + predicate + " AND category = ANY($1)"
	if err := q.pool.QueryRow(ctx, query, queue.Categories(family)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}
