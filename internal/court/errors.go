package court

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQueueEmpty is returned by ClaimNext when no matching task is pending.
	ErrQueueEmpty = errors.New("task queue empty")
	// ErrClaimContention is returned when every claim attempt lost a concurrent race.
	ErrClaimContention = errors.New("task claim contention")
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrCaseDetail marks a portal-signaled error for a single case.
	ErrCaseDetail = errors.New("case detail error")
	// ErrUnknownCourt is returned when the portal roster has no such court.
	ErrUnknownCourt = errors.New("unknown court")
	// ErrLeaseLost is returned by Extend and Complete when the claim expired and was swept or re-claimed.
	ErrLeaseLost = errors.New("task lease lost")
)

// AbortReason classifies why a task stopped before its range was exhausted.
type AbortReason string

// Abort reasons.
const (
	AbortBindFailed    AbortReason = "bind_failed"
	AbortSearchFailed  AbortReason = "search_failed"
	AbortDetailFailed  AbortReason = "detail_failed"
	AbortPersistFailed AbortReason = "persist_failed"
	AbortLedgerFailed  AbortReason = "ledger_failed"
	AbortLeaseLost     AbortReason = "lease_lost"
	AbortCanceled      AbortReason = "canceled"
)

// TaskError is the structured failure surfaced for an aborted task.
type TaskError struct {
	Court    ID
	Category Category
	Start    time.Time
	End      time.Time
	// ResumeFrom is the first date that was not marked searched.
	ResumeFrom time.Time
	Reason     AbortReason
	// Requeued is the id of the task holding the remaining range, empty if re-enqueue failed.
	Requeued string
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s/%s %s..%s aborted at %s (%s): %v",
		e.Category, e.Court,
		e.Start.Format(DateLayout), e.End.Format(DateLayout),
		e.ResumeFrom.Format(DateLayout), e.Reason, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
