// Package memory provides an in-process leasing task queue for tests and single-process dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// DefaultLease is used when no lease duration is configured.
const DefaultLease = 30 * time.Minute

// Queue is an in-memory court.TaskQueue with leases.
type Queue struct {
	mu      sync.Mutex
	lease   time.Duration
	clock   court.Clock
	ids     court.IDGenerator
	seq     int64
	pending []entry
	claimed map[string]leased
}

type entry struct {
	seq  int64
	task court.Task
}

type leased struct {
	entry
	claim court.Claim
}

var (
	_ court.TaskQueue    = (*Queue)(nil)
	_ court.LeaseSweeper = (*Queue)(nil)
	_ court.QueueStats   = (*Queue)(nil)
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// NewQueue constructs a queue. A nil clock uses wall time; nil ids uses a sequence counter.
func NewQueue(lease time.Duration, clock court.Clock, ids court.IDGenerator) *Queue {
	if lease <= 0 {
		lease = DefaultLease
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &Queue{
		lease:   lease,
		clock:   clock,
		ids:     ids,
		claimed: make(map[string]leased),
	}
}

// Enqueue stores a validated task as pending.
func (q *Queue) Enqueue(ctx context.Context, task court.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("enqueue canceled: %w", err)
	}
	if err := task.Validate(); err != nil {
		return "", fmt.Errorf("enqueue task: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	task.Start, task.End = court.Day(task.Start), court.Day(task.End)
	if task.ID == "" {
		id, err := q.nextID()
		if err != nil {
			return "", err
		}
		task.ID = id
	}
	q.pending = append(q.pending, entry{seq: q.seq, task: task})
	return task.ID, nil
}

// ClaimNext leases the oldest pending task of the requested family, preferring the
// hinted court when one is pending.
func (q *Queue) ClaimNext(ctx context.Context, opts court.ClaimOptions) (court.Claim, error) {
	if err := ctx.Err(); err != nil {
		return court.Claim{}, fmt.Errorf("claim canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := -1
	for i, e := range q.pending {
		if !matchesFamily(e.task, opts.Family) {
			continue
		}
		if opts.PreferCourt != 0 && e.task.Court == opts.PreferCourt {
			idx = i
			break
		}
		if idx < 0 {
			idx = i
		}
	}
	if idx < 0 {
		return court.Claim{}, court.ErrQueueEmpty
	}

	e := q.pending[idx]
	q.pending = append(q.pending[:idx], q.pending[idx+1:]...)
	claim := court.Claim{
		Task:         e.task,
		Worker:       opts.Worker,
		LeaseExpires: q.clock.Now().Add(q.lease),
	}
	q.claimed[e.task.ID] = leased{entry: e, claim: claim}
	return claim, nil
}

// Extend pushes the lease of a held claim to now plus the lease duration. It fails with
// court.ErrLeaseLost when the claim was swept or now belongs to another worker.
func (q *Queue) Extend(ctx context.Context, claim court.Claim) (court.Claim, error) {
	if err := ctx.Err(); err != nil {
		return court.Claim{}, fmt.Errorf("extend canceled: %w", err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	held, ok := q.claimed[claim.Task.ID]
	if !ok || !sameLease(held.claim, claim) {
		return court.Claim{}, fmt.Errorf("extend task %s: %w", claim.Task.ID, court.ErrLeaseLost)
	}
	held.claim.LeaseExpires = q.clock.Now().Add(q.lease)
	q.claimed[claim.Task.ID] = held
	return held.claim, nil
}

// Complete acknowledges a claim. It fails with court.ErrLeaseLost when the lease was
// swept or now belongs to another worker.
func (q *Queue) Complete(_ context.Context, claim court.Claim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	held, ok := q.claimed[claim.Task.ID]
	if !ok || !sameLease(held.claim, claim) {
		return fmt.Errorf("complete task %s: %w", claim.Task.ID, court.ErrLeaseLost)
	}
	delete(q.claimed, claim.Task.ID)
	return nil
}

// SweepExpired returns every claim whose lease ended at or before now to the pending set.
func (q *Queue) SweepExpired(_ context.Context, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	recovered := 0
	for id, held := range q.claimed {
		if held.claim.LeaseExpires.After(now) {
			continue
		}
		delete(q.claimed, id)
		q.pending = append(q.pending, held.entry)
		recovered++
	}
	if recovered > 0 {
		sort.Slice(q.pending, func(i, j int) bool { return q.pending[i].seq < q.pending[j].seq })
	}
	return recovered, nil
}

// Pending counts unclaimed tasks of family.
func (q *Queue) Pending(_ context.Context, family court.Family) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.pending {
		if matchesFamily(e.task, family) {
			n++
		}
	}
	return n, nil
}

// Leased counts claimed, unacknowledged tasks of family.
func (q *Queue) Leased(_ context.Context, family court.Family) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, held := range q.claimed {
		if matchesFamily(held.task, family) {
			n++
		}
	}
	return n, nil
}

// Snapshot returns the pending tasks in claim order.
func (q *Queue) Snapshot() []court.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]court.Task, 0, len(q.pending))
	for _, e := range q.pending {
		out = append(out, e.task)
	}
	return out
}

func (q *Queue) nextID() (string, error) {
	if q.ids == nil {
		return "task-" + strconv.FormatInt(q.seq, 10), nil
	}
	id, err := q.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	return id, nil
}

func matchesFamily(task court.Task, family court.Family) bool {
	return family == "" || task.Category.Family() == family
}

// sameLease reports whether c is the lease currently held: same worker and same expiry.
func sameLease(held, c court.Claim) bool {
	return held.Worker == c.Worker && held.LeaseExpires.Equal(c.LeaseExpires)
}
