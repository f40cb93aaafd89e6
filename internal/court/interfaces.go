package court

import (
	"context"
	"io"
	"time"
)

// TaskQueue distributes date-range tasks to workers.
type TaskQueue interface {
	// Enqueue stores a pending task and returns its id.
	Enqueue(ctx context.Context, task Task) (string, error)
	// ClaimNext leases one pending task to the caller. It returns ErrQueueEmpty when nothing
	// matches and ErrClaimContention when concurrent claims kept winning the race.
	ClaimNext(ctx context.Context, opts ClaimOptions) (Claim, error)
	// Extend renews the lease of a claim the caller still holds and returns the claim carrying
	// the new expiry. It returns ErrLeaseLost when the claim was swept or re-claimed.
	Extend(ctx context.Context, claim Claim) (Claim, error)
	// Complete acknowledges a claim, removing the task for good.
	Complete(ctx context.Context, claim Claim) error
}

// LeaseSweeper returns claims whose lease expired to the pending set.
type LeaseSweeper interface {
	SweepExpired(ctx context.Context, now time.Time) (int, error)
}

// QueueStats reports queue depth for operators. An empty family counts every task.
type QueueStats interface {
	Pending(ctx context.Context, family Family) (int, error)
	Leased(ctx context.Context, family Family) (int, error)
}

// Ledger is the completed-work record.
type Ledger interface {
	IsSearched(ctx context.Context, rec SearchRecord) (bool, error)
	// MarkSearched is idempotent.
	MarkSearched(ctx context.Context, rec SearchRecord) error
}

// CaseRepository persists case records by full replacement.
type CaseRepository interface {
	UpsertCase(ctx context.Context, record CaseRecord) error
	// FreshDetails returns the stored details-fetched-for date when it is on or after since.
	FreshDetails(ctx context.Context, key CaseKey, since time.Time) (time.Time, bool, error)
}

// CaseReader is the read-only view used by export and the API.
type CaseReader interface {
	GetCase(ctx context.Context, key CaseKey) (CaseRecord, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]CaseRecord, error)
}

// Session is a stateful connection to one family's portal. The caller owns the notion of
// the bound court and passes it on every call; implementations never share a session.
type Session interface {
	Connect(ctx context.Context) error
	BindCourt(ctx context.Context, court ID) error
	SearchByDate(ctx context.Context, court ID, category Category, date time.Time) (Page, error)
	NextPage(ctx context.Context, court ID, token PageToken) (Page, error)
	FetchCaseDetail(ctx context.Context, court ID, category Category, stub Stub) (CaseDetail, error)
	SearchByCaseNumber(ctx context.Context, court ID, category Category, number string) (CaseDetail, error)
}

// BlobStore writes export artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for integrity checks.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs.
type IDGenerator interface {
	NewID() (string, error)
}
