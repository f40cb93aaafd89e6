package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

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
	db      *sql.DB
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

// NewQueue builds a queue on d.
func NewQueue(d *DB, cfg QueueConfig, logger *zap.Logger) (*Queue, error) {
	if d == nil {
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
		db:      d.db,
		lease:   cfg.Lease,
		clock:   cfg.Clock,
		ids:     cfg.IDs,
		claimer: queue.NewClaimer(cfg.ClaimRetries, cfg.Backoff, logger.Named("sqlite_queue")),
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
	_, err := q.db.ExecContext(ctx,
		"INSERT INTO crawl_tasks (id, fips, category, start_date, end_date, enqueued_at) VALUES (?, ?, ?, ?, ?, ?)",
		id, int(task.Court), string(task.Category), formatDay(task.Start), formatDay(task.End), q.clock.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	return id, nil
}

// ClaimNext selects the best pending task and conditionally leases it.
func (q *Queue) ClaimNext(ctx context.Context, opts court.ClaimOptions) (court.Claim, error) {
	categories := queue.Categories(opts.Family)
	return q.claimer.Claim(ctx, func(ctx context.Context) (court.Claim, error) {
		return q.tryClaim(ctx, categories, opts)
	})
}

func (q *Queue) tryClaim(ctx context.Context, categories []string, opts court.ClaimOptions) (court.Claim, error) {
	in, args := inClause(categories)
	args = append(args, int(opts.PreferCourt))
	var (
		task     court.Task
		fips     int
		category string
		startRaw string
		endRaw   string
	)
	err := q.db.QueryRowContext(ctx, `
SELECT id, fips, category, start_date, end_date
FROM crawl_tasks
WHERE lease_expires IS NULL AND category IN (`+in+`)
ORDER BY (fips = ?) DESC, enqueued_at, id
LIMIT 1`, args...).Scan(&task.ID, &fips, &category, &startRaw, &endRaw)
	if errors.Is(err, sql.ErrNoRows) {
		return court.Claim{}, court.ErrQueueEmpty
	}
	if err != nil {
		return court.Claim{}, fmt.Errorf("select pending task: %w", err)
	}
	if task.Start, err = parseDay(startRaw); err != nil {
		return court.Claim{}, err
	}
	if task.End, err = parseDay(endRaw); err != nil {
		return court.Claim{}, err
	}
	task.Court = court.ID(fips)
	task.Category = court.Category(category)

	expires := fromNanos(q.clock.Now().Add(q.lease).UnixNano())
	res, err := q.db.ExecContext(ctx,
		"UPDATE crawl_tasks SET claimed_by = ?, lease_expires = ? WHERE id = ? AND lease_expires IS NULL",
		opts.Worker, expires.UnixNano(), task.ID)
	if err != nil {
		return court.Claim{}, fmt.Errorf("lease task %s: %w", task.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return court.Claim{}, fmt.Errorf("lease task %s: %w", task.ID, err)
	} else if n == 0 {
		return court.Claim{}, queue.ErrConflict
	}
	return court.Claim{Task: task, Worker: opts.Worker, LeaseExpires: expires}, nil
}

// Extend moves the lease of a held claim to now plus the lease duration, conditional on the
// caller's worker and current expiry.
func (q *Queue) Extend(ctx context.Context, claim court.Claim) (court.Claim, error) {
	expires := fromNanos(q.clock.Now().Add(q.lease).UnixNano())
	res, err := q.db.ExecContext(ctx,
		"UPDATE crawl_tasks SET lease_expires = ? WHERE id = ? AND claimed_by = ? AND lease_expires = ?",
		expires.UnixNano(), claim.Task.ID, claim.Worker, claim.LeaseExpires.UnixNano())
	if err != nil {
		return court.Claim{}, fmt.Errorf("extend lease of task %s: %w", claim.Task.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return court.Claim{}, fmt.Errorf("extend lease of task %s: %w", claim.Task.ID, err)
	}
	if n == 0 {
		return court.Claim{}, fmt.Errorf("extend lease of task %s: %w", claim.Task.ID, court.ErrLeaseLost)
	}
	claim.LeaseExpires = expires
	return claim, nil
}

// Complete deletes the task if the caller still holds the lease.
func (q *Queue) Complete(ctx context.Context, claim court.Claim) error {
	res, err := q.db.ExecContext(ctx,
		"DELETE FROM crawl_tasks WHERE id = ? AND claimed_by = ? AND lease_expires = ?",
		claim.Task.ID, claim.Worker, claim.LeaseExpires.UnixNano())
	if err != nil {
		return fmt.Errorf("complete task %s: %w", claim.Task.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete task %s: %w", claim.Task.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("complete task %s: %w", claim.Task.ID, court.ErrLeaseLost)
	}
	return nil
}

// SweepExpired clears leases that ended at or before now.
func (q *Queue) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := q.db.ExecContext(ctx,
		"UPDATE crawl_tasks SET claimed_by = NULL, lease_expires = NULL WHERE lease_expires IS NOT NULL AND lease_expires <= ?",
		now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	return int(n), nil
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
	in, args := inClause(queue.Categories(family))
	var n int
	query := "SELECT count(*) FROM crawl_tasks WHERE " + predicate + " AND category IN (" + in + ")"
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

func inClause(values []string) (string, []any) {
	args := make([]any, 0, len(values))
	for _, v := range values {
		args = append(args, v)
	}
	return strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", "), args
}
