// Package orchestrator runs the per-worker crawl state machine: claim a task, bind its court,
// walk its dates against the ledger, drive the portal session through search, pagination and
// detail fetches, persist cases and record completed dates.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/clock/system"
	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/metrics"
	"github.com/JakeFAU/court-crawler/internal/policy/retry"
)

// State is the orchestrator's position in the task lifecycle.
type State string

// Orchestrator states.
const (
	StateIdle          State = "idle"
	StateTaskClaimed   State = "task_claimed"
	StateCourtBound    State = "court_bound"
	StateDateIterating State = "date_iterating"
	StatePageIterating State = "page_iterating"
	StateCaseFetching  State = "case_fetching"
	StateDateComplete  State = "date_complete"
	StateTaskComplete  State = "task_complete"
	StateTaskAborted   State = "task_aborted"
)

// Outcome labels a finished task.
type Outcome string

// Task outcomes.
const (
	OutcomeComplete Outcome = "complete"
	OutcomeAborted  Outcome = "aborted"
)

const (
	defaultIdleMin = time.Second
	defaultIdleMax = time.Minute
	requeueTimeout = 30 * time.Second
)

// Config controls orchestrator behavior.
type Config struct {
	// Worker names this orchestrator on its claims.
	Worker         string
	IdleBackoffMin time.Duration
	IdleBackoffMax time.Duration
	// SkipCurrentCases skips the detail fetch when the stored record was fetched for the search
	// date or later.
	SkipCurrentCases bool
	// ExitWhenEmpty makes Run return once the queue has nothing for this family.
	ExitWhenEmpty bool
	// Clock times lease renewals. Nil uses wall time.
	Clock court.Clock
}

// TaskResult summarizes one processed task.
type TaskResult struct {
	Task           court.Task
	Outcome        Outcome
	DatesSearched  int
	DatesSkipped   int
	CasesPersisted int
	// CasesSkipped counts result rows without a case number and cases whose detail page carried
	// a portal error or failed validation.
	CasesSkipped int
	// CasesCurrent counts cases skipped by the staleness pre-check.
	CasesCurrent int
	// Err is a *court.TaskError when Outcome is OutcomeAborted.
	Err error
}

// Summary aggregates the results of a Run.
type Summary struct {
	Completed      int
	Aborted        int
	DatesSearched  int
	DatesSkipped   int
	CasesPersisted int
	CasesSkipped   int
	CasesCurrent   int
}

func (s *Summary) add(r TaskResult) {
	if r.Outcome == OutcomeComplete {
		s.Completed++
	} else {
		s.Aborted++
	}
	s.DatesSearched += r.DatesSearched
	s.DatesSkipped += r.DatesSkipped
	s.CasesPersisted += r.CasesPersisted
	s.CasesSkipped += r.CasesSkipped
	s.CasesCurrent += r.CasesCurrent
}

// Orchestrator exclusively owns one portal session and processes tasks of that session's family.
type Orchestrator struct {
	queue   court.TaskQueue
	ledger  court.Ledger
	cases   court.CaseRepository
	session court.Session
	family  court.Family
	policy  retry.Policy
	cfg     Config
	logger  *zap.Logger

	// bound is the court the session is currently bound to, zero when unknown.
	bound court.ID
	// reconnect forces a Connect before the next bind after a session failure.
	reconnect bool

	mu    sync.Mutex
	state State
}

// New constructs an Orchestrator.
func New(
	queue court.TaskQueue,
	ledger court.Ledger,
	cases court.CaseRepository,
	session court.Session,
	family court.Family,
	policy retry.Policy,
	cfg Config,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if queue == nil || ledger == nil || cases == nil || session == nil {
		return nil, fmt.Errorf("queue, ledger, case repository and session are required")
	}
	if !family.Valid() {
		return nil, fmt.Errorf("unknown court family %q", family)
	}
	if policy == nil {
		policy = retry.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Worker == "" {
		cfg.Worker = "worker"
	}
	if cfg.IdleBackoffMin <= 0 {
		cfg.IdleBackoffMin = defaultIdleMin
	}
	if cfg.IdleBackoffMax < cfg.IdleBackoffMin {
		cfg.IdleBackoffMax = max(defaultIdleMax, cfg.IdleBackoffMin)
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	return &Orchestrator{
		queue:   queue,
		ledger:  ledger,
		cases:   cases,
		session: session,
		family:  family,
		policy:  policy,
		cfg:     cfg,
		logger:  logger.Named("orchestrator").With(zap.String("worker", cfg.Worker), zap.String("family", string(family))),
		state:   StateIdle,
	}, nil
}

// State reports the current state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// BoundCourt reports the court the session is bound to, zero when none.
func (o *Orchestrator) BoundCourt() court.ID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bound
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

func (o *Orchestrator) setBound(id court.ID) {
	o.mu.Lock()
	o.bound = id
	o.mu.Unlock()
}

// Run claims and processes tasks until ctx is done, or until the queue is empty when
// ExitWhenEmpty is set. An empty queue backs off exponentially between the idle bounds.
func (o *Orchestrator) Run(ctx context.Context) Summary {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	var summary Summary
	idle := o.cfg.IdleBackoffMin
	for ctx.Err() == nil {
		res, err := o.RunOnce(ctx)
		switch {
		case err == nil:
			summary.add(res)
			idle = o.cfg.IdleBackoffMin
			continue
		case errors.Is(err, court.ErrQueueEmpty):
			if o.cfg.ExitWhenEmpty {
				o.logger.Info("queue drained", zap.Int("completed", summary.Completed), zap.Int("aborted", summary.Aborted))
				return summary
			}
			o.logger.Debug("queue empty, backing off", zap.Duration("wait", idle))
		case ctx.Err() != nil:
			return summary
		case errors.Is(err, court.ErrClaimContention):
			o.logger.Warn("claim contention", zap.Error(err))
		default:
			o.logger.Error("claim task failed", zap.Error(err))
		}
		if err := retry.Sleep(ctx, idle); err != nil {
			return summary
		}
		idle = min(idle*2, o.cfg.IdleBackoffMax)
	}
	return summary
}

// RunOnce claims one task and processes it. Claim failures, including court.ErrQueueEmpty, are
// returned as errors; task failures are reported in TaskResult.Err.
func (o *Orchestrator) RunOnce(ctx context.Context) (TaskResult, error) {
	o.setState(StateIdle)
	claim, err := o.queue.ClaimNext(ctx, court.ClaimOptions{
		Family:      o.family,
		PreferCourt: o.BoundCourt(),
		Worker:      o.cfg.Worker,
	})
	if err != nil {
		return TaskResult{}, err
	}
	o.setState(StateTaskClaimed)
	res := o.process(ctx, claim)
	metrics.ObserveTask(string(claim.Task.Category), string(res.Outcome))
	return res, nil
}

// lease tracks the claim as it is renewed during a task.
type lease struct {
	claim     court.Claim
	renewedAt time.Time
}

func (o *Orchestrator) process(ctx context.Context, claim court.Claim) TaskResult {
	task := claim.Task
	res := TaskResult{Task: task}
	logger := o.logger.With(zap.String("task_id", task.ID), zap.Stringer("task", task))
	logger.Info("task claimed")
	held := &lease{claim: claim, renewedAt: o.cfg.Clock.Now()}

	if err := o.bindCourt(ctx, task.Court); err != nil {
		return o.abort(ctx, held.claim, res, task.Start, court.AbortBindFailed, err)
	}
	o.setState(StateCourtBound)

	for _, date := range task.Days() {
		o.setState(StateDateIterating)
		if err := ctx.Err(); err != nil {
			return o.abort(ctx, held.claim, res, date, court.AbortCanceled, err)
		}
		if err := o.keepLease(ctx, held, logger); err != nil {
			return o.abort(ctx, held.claim, res, date, court.AbortLeaseLost, err)
		}
		rec := court.SearchRecord{Court: task.Court, Date: date, Category: task.Category}
		done, err := retry.DoValue(ctx, o.policy, func(ctx context.Context) (bool, error) {
			return o.ledger.IsSearched(ctx, rec)
		})
		if err != nil {
			return o.abort(ctx, held.claim, res, date, court.AbortLedgerFailed, fmt.Errorf("check ledger: %w", err))
		}
		if done {
			res.DatesSkipped++
			metrics.ObserveDate(string(task.Category), "skipped")
			logger.Debug("date already searched", zap.String("date", date.Format(court.DateLayout)))
			continue
		}

		if reason, err := o.searchDate(ctx, task, date, held, &res, logger); err != nil {
			return o.abort(ctx, held.claim, res, date, reason, err)
		}

		if err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
			return o.ledger.MarkSearched(ctx, rec)
		}); err != nil {
			return o.abort(ctx, held.claim, res, date, court.AbortLedgerFailed, fmt.Errorf("mark searched: %w", err))
		}
		o.setState(StateDateComplete)
		res.DatesSearched++
		metrics.ObserveDate(string(task.Category), "searched")
	}

	if err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		return o.queue.Complete(ctx, held.claim)
	}); err != nil {
		// Every date is in the ledger, so a redelivered copy of this task finds nothing to do.
		logger.Warn("acknowledge completed task failed", zap.Error(err))
	}
	o.setState(StateTaskComplete)
	res.Outcome = OutcomeComplete
	logger.Info("task complete",
		zap.Int("dates_searched", res.DatesSearched),
		zap.Int("dates_skipped", res.DatesSkipped),
		zap.Int("cases_persisted", res.CasesPersisted),
		zap.Int("cases_skipped", res.CasesSkipped),
		zap.Int("cases_current", res.CasesCurrent))
	return res
}

// keepLease renews the claim once half of its current lease has elapsed, so a live worker is
// never swept. A claim without an expiry is not leased and is left alone.
func (o *Orchestrator) keepLease(ctx context.Context, held *lease, logger *zap.Logger) error {
	if held.claim.LeaseExpires.IsZero() {
		return nil
	}
	now := o.cfg.Clock.Now()
	half := held.claim.LeaseExpires.Sub(held.renewedAt) / 2
	if now.Before(held.renewedAt.Add(half)) {
		return nil
	}
	renewed, err := retry.DoValue(ctx, o.policy, func(ctx context.Context) (court.Claim, error) {
		c, err := o.queue.Extend(ctx, held.claim)
		if errors.Is(err, court.ErrLeaseLost) {
			return c, retry.Permanent(err)
		}
		return c, err
	})
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	held.claim, held.renewedAt = renewed, now
	logger.Debug("lease renewed", zap.Time("lease_expires", renewed.LeaseExpires))
	return nil
}

func (o *Orchestrator) bindCourt(ctx context.Context, id court.ID) error {
	if o.BoundCourt() == id && !o.reconnect {
		return nil
	}
	o.setBound(0)
	if o.reconnect {
		if err := retry.Do(ctx, o.policy, o.session.Connect); err != nil {
			return fmt.Errorf("reconnect session: %w", err)
		}
		o.reconnect = false
	}
	if err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		return o.session.BindCourt(ctx, id)
	}); err != nil {
		o.reconnect = true
		return fmt.Errorf("bind court %s: %w", id, err)
	}
	o.setBound(id)
	return nil
}

// searchDate collects every stub across all result pages before fetching any detail, so a
// pagination failure leaves no partial work behind.
func (o *Orchestrator) searchDate(
	ctx context.Context,
	task court.Task,
	date time.Time,
	held *lease,
	res *TaskResult,
	logger *zap.Logger,
) (court.AbortReason, error) {
	o.setState(StatePageIterating)
	dateField := zap.String("date", date.Format(court.DateLayout))

	page, err := retry.DoValue(ctx, o.policy, func(ctx context.Context) (court.Page, error) {
		return o.session.SearchByDate(ctx, task.Court, task.Category, date)
	})
	if err != nil {
		return o.sessionFailure(court.AbortSearchFailed), fmt.Errorf("search %s: %w", date.Format(court.DateLayout), err)
	}
	stubs, blank := dedupe(nil, page.Stubs)
	pages := 1
	for page.HasNext() {
		token := page.Next
		page, err = retry.DoValue(ctx, o.policy, func(ctx context.Context) (court.Page, error) {
			return o.session.NextPage(ctx, task.Court, token)
		})
		if err != nil {
			return o.sessionFailure(court.AbortSearchFailed), fmt.Errorf("page %d of %s: %w", pages+1, date.Format(court.DateLayout), err)
		}
		pages++
		var more int
		stubs, more = dedupe(stubs, page.Stubs)
		blank += more
	}
	logger.Debug("date search complete", dateField, zap.Int("pages", pages), zap.Int("cases", len(stubs)))
	if blank > 0 {
		res.CasesSkipped += blank
		for i := 0; i < blank; i++ {
			metrics.ObserveCase(string(task.Category), "skipped")
		}
		logger.Warn("result rows without a case number skipped",
			zap.String("court", task.Court.String()), dateField, zap.Int("rows", blank))
	}

	o.setState(StateCaseFetching)
	for _, stub := range stubs {
		if err := o.keepLease(ctx, held, logger); err != nil {
			return court.AbortLeaseLost, err
		}
		if reason, err := o.handleStub(ctx, task, date, stub, res, logger); err != nil {
			return reason, err
		}
	}
	return "", nil
}

func (o *Orchestrator) handleStub(
	ctx context.Context,
	task court.Task,
	date time.Time,
	stub court.Stub,
	res *TaskResult,
	logger *zap.Logger,
) (court.AbortReason, error) {
	key := court.CaseKey{Court: task.Court, Number: stub.CaseNumber, Category: task.Category}
	caseLogger := logger.With(zap.String("court", task.Court.String()), zap.String("case_number", stub.CaseNumber))

	if o.cfg.SkipCurrentCases {
		fresh, err := retry.DoValue(ctx, o.policy, func(ctx context.Context) (bool, error) {
			_, ok, err := o.cases.FreshDetails(ctx, key, date)
			return ok, err
		})
		if err != nil {
			return court.AbortPersistFailed, fmt.Errorf("check freshness of %s: %w", key, err)
		}
		if fresh {
			res.CasesCurrent++
			metrics.ObserveCase(string(task.Category), "current")
			caseLogger.Debug("case details already current")
			return "", nil
		}
	}

	detail, err := retry.DoValue(ctx, o.policy, func(ctx context.Context) (court.CaseDetail, error) {
		return o.session.FetchCaseDetail(ctx, task.Court, task.Category, stub)
	})
	if err != nil {
		return o.sessionFailure(court.AbortDetailFailed), fmt.Errorf("fetch case %s: %w", key, err)
	}
	if detail.Failed() {
		res.CasesSkipped++
		metrics.ObserveCase(string(task.Category), "skipped")
		caseLogger.Warn("case detail returned a portal error", zap.String("portal_error", detail.Error))
		return "", nil
	}

	record := detail.Record
	record.Court = task.Court
	record.Category = task.Category
	if record.CaseNumber == "" {
		record.CaseNumber = stub.CaseNumber
	}
	record.DetailsFetchedFor = date
	if err := record.Validate(); err != nil {
		res.CasesSkipped++
		metrics.ObserveCase(string(task.Category), "invalid")
		caseLogger.Error("case record failed validation", zap.Error(err))
		return "", nil
	}
	if err := retry.Do(ctx, o.policy, func(ctx context.Context) error {
		return o.cases.UpsertCase(ctx, record)
	}); err != nil {
		return court.AbortPersistFailed, fmt.Errorf("persist case %s: %w", key, err)
	}
	res.CasesPersisted++
	metrics.ObserveCase(string(task.Category), "persisted")
	return "", nil
}

// sessionFailure forgets the bound court so the next task reconnects and rebinds.
func (o *Orchestrator) sessionFailure(reason court.AbortReason) court.AbortReason {
	o.setBound(0)
	o.reconnect = true
	return reason
}

// abort re-enqueues [from, end] and then acknowledges the claim. When the re-enqueue fails the
// claim stays leased so the sweeper returns the whole task to the queue.
func (o *Orchestrator) abort(
	ctx context.Context,
	claim court.Claim,
	res TaskResult,
	from time.Time,
	reason court.AbortReason,
	cause error,
) TaskResult {
	o.setState(StateTaskAborted)
	task := claim.Task
	if ctx.Err() != nil {
		reason = court.AbortCanceled
		o.setBound(0)
		o.reconnect = true
	}
	if reason == court.AbortBindFailed {
		o.setBound(0)
	}
	terr := &court.TaskError{
		Court:      task.Court,
		Category:   task.Category,
		Start:      task.Start,
		End:        task.End,
		ResumeFrom: court.Day(from),
		Reason:     reason,
		Err:        cause,
	}
	res.Outcome = OutcomeAborted
	res.Err = terr
	logger := o.logger.With(zap.String("task_id", task.ID), zap.Stringer("task", task),
		zap.String("reason", string(reason)), zap.String("resume_from", terr.ResumeFrom.Format(court.DateLayout)))

	if reason == court.AbortLeaseLost {
		// The task may already belong to another worker; only the lease holder hands it back.
		logger.Error("task aborted; lease lost, leaving the task to its current holder", zap.Error(cause))
		return res
	}

	// The caller's context may be canceled; the hand-back must still happen.
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), requeueTimeout)
	defer cancel()

	rest, ok := task.Remaining(from)
	if ok {
		id, err := retry.DoValue(bg, o.policy, func(ctx context.Context) (string, error) {
			return o.queue.Enqueue(ctx, rest)
		})
		if err != nil {
			terr.Err = errors.Join(cause, fmt.Errorf("re-enqueue remaining range: %w", err))
			logger.Error("task aborted; re-enqueue failed, leaving lease for the sweeper", zap.Error(terr.Err))
			return res
		}
		terr.Requeued = id
	}
	if err := retry.Do(bg, o.policy, func(ctx context.Context) error {
		return o.queue.Complete(ctx, claim)
	}); err != nil {
		logger.Warn("acknowledge aborted task failed", zap.Error(err))
	}
	logger.Warn("task aborted", zap.String("requeued_as", terr.Requeued), zap.Error(cause))
	return res
}

// dedupe appends the stubs of more not already present and reports how many rows carried no
// case number.
func dedupe(stubs []court.Stub, more []court.Stub) ([]court.Stub, int) {
	seen := make(map[string]struct{}, len(stubs))
	for _, s := range stubs {
		seen[s.CaseNumber] = struct{}{}
	}
	blank := 0
	for _, s := range more {
		if s.CaseNumber == "" {
			blank++
			continue
		}
		if _, ok := seen[s.CaseNumber]; ok {
			continue
		}
		seen[s.CaseNumber] = struct{}{}
		stubs = append(stubs, s)
	}
	return stubs, blank
}
