package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/policy/retry"
	queuememory "github.com/JakeFAU/court-crawler/internal/queue/memory"
	storagememory "github.com/JakeFAU/court-crawler/internal/storage/memory"
)

func day(d int) time.Time {
	return time.Date(2021, 1, d, 0, 0, 0, 0, time.UTC)
}

// fakeSession serves scripted result pages and detail pages and records every call.
type fakeSession struct {
	mu sync.Mutex
	// pages maps "court/category/date" to its result pages in order.
	pages   map[string][][]court.Stub
	details map[string]court.CaseDetail

	failSearch   map[string]int
	failNextPage map[string]int
	failDetail   map[string]int
	failBind     int

	bound     court.ID
	binds     []court.ID
	connects  int
	searches  []string
	nextPages []string
	fetched   []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		pages:        map[string][][]court.Stub{},
		details:      map[string]court.CaseDetail{},
		failSearch:   map[string]int{},
		failNextPage: map[string]int{},
		failDetail:   map[string]int{},
	}
}

func pageKey(id court.ID, category court.Category, date time.Time) string {
	return fmt.Sprintf("%s/%s/%s", id, category, date.Format(court.DateLayout))
}

func (f *fakeSession) addPages(id court.ID, category court.Category, date time.Time, pages ...[]court.Stub) {
	f.pages[pageKey(id, category, date)] = pages
}

func (f *fakeSession) addCase(number string, detail court.CaseDetail) {
	f.details[number] = detail
}

func (f *fakeSession) Connect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	f.bound = 0
	return nil
}

func (f *fakeSession) BindCourt(_ context.Context, id court.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBind > 0 {
		f.failBind--
		return errors.New("court selection rejected")
	}
	f.binds = append(f.binds, id)
	f.bound = id
	return nil
}

func (f *fakeSession) SearchByDate(_ context.Context, id court.ID, category court.Category, date time.Time) (court.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bound != id {
		return court.Page{}, fmt.Errorf("session bound to %s, not %s", f.bound, id)
	}
	key := pageKey(id, category, date)
	f.searches = append(f.searches, key)
	if f.failSearch[key] > 0 {
		f.failSearch[key]--
		return court.Page{}, errors.New("portal timeout")
	}
	return f.page(key, 1), nil
}

func (f *fakeSession) NextPage(_ context.Context, _ court.ID, token court.PageToken) (court.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key, n, err := parseFakeToken(string(token))
	if err != nil {
		return court.Page{}, err
	}
	f.nextPages = append(f.nextPages, string(token))
	if f.failNextPage[string(token)] > 0 {
		f.failNextPage[string(token)]--
		return court.Page{}, errors.New("connection reset")
	}
	return f.page(key, n), nil
}

func (f *fakeSession) page(key string, n int) court.Page {
	pages := f.pages[key]
	if n > len(pages) {
		return court.Page{}
	}
	page := court.Page{Stubs: pages[n-1]}
	if n < len(pages) {
		page.Next = court.PageToken(key + "#" + strconv.Itoa(n+1))
	}
	return page
}

func parseFakeToken(token string) (string, int, error) {
	for i := len(token) - 1; i >= 0; i-- {
		if token[i] == '#' {
			n, err := strconv.Atoi(token[i+1:])
			return token[:i], n, err
		}
	}
	return "", 0, fmt.Errorf("bad token %q", token)
}

func (f *fakeSession) FetchCaseDetail(_ context.Context, id court.ID, category court.Category, stub court.Stub) (court.CaseDetail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, stub.CaseNumber)
	if f.failDetail[stub.CaseNumber] > 0 {
		f.failDetail[stub.CaseNumber]--
		return court.CaseDetail{}, errors.New("detail page timeout")
	}
	detail, ok := f.details[stub.CaseNumber]
	if !ok {
		detail = court.CaseDetail{Record: court.CaseRecord{CaseNumber: stub.CaseNumber}}
	}
	detail.Record.Court = id
	detail.Record.Category = category
	return detail, nil
}

func (f *fakeSession) SearchByCaseNumber(ctx context.Context, id court.ID, category court.Category, number string) (court.CaseDetail, error) {
	return f.FetchCaseDetail(ctx, id, category, court.Stub{CaseNumber: number})
}

func (f *fakeSession) bindCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.binds)
}

// failingLedger wraps a ledger and fails MarkSearched a configured number of times.
type failingLedger struct {
	court.Ledger
	mu        sync.Mutex
	failMarks int
}

func (l *failingLedger) MarkSearched(ctx context.Context, rec court.SearchRecord) error {
	l.mu.Lock()
	if l.failMarks > 0 {
		l.failMarks--
		l.mu.Unlock()
		return errors.New("ledger write failed")
	}
	l.mu.Unlock()
	return l.Ledger.MarkSearched(ctx, rec)
}

// failingQueue fails Enqueue while the flag is set.
type failingQueue struct {
	*queuememory.Queue
	failEnqueue bool
}

func (q *failingQueue) Enqueue(ctx context.Context, task court.Task) (string, error) {
	if q.failEnqueue {
		return "", errors.New("queue unavailable")
	}
	return q.Queue.Enqueue(ctx, task)
}

type harness struct {
	queue   *queuememory.Queue
	ledger  *storagememory.Ledger
	cases   *storagememory.CaseStore
	session *fakeSession
	logs    *observer.ObservedLogs
	orch    *Orchestrator
}

func fastPolicy() retry.Policy {
	return retry.New(retry.Config{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond})
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		queue:   queuememory.NewQueue(time.Hour, nil, nil),
		ledger:  storagememory.NewLedger(),
		cases:   storagememory.NewCaseStore(),
		session: newFakeSession(),
	}
	h.orch = h.build(t, h.queue, h.ledger, cfg)
	return h
}

func (h *harness) build(t *testing.T, q court.TaskQueue, ledger court.Ledger, cfg Config) *Orchestrator {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h.logs = logs
	orch, err := New(q, ledger, h.cases, h.session, court.FamilyCircuit, fastPolicy(), cfg, zap.New(core))
	require.NoError(t, err)
	return orch
}

func (h *harness) enqueue(t *testing.T, tasks ...court.Task) {
	t.Helper()
	for _, task := range tasks {
		_, err := h.queue.Enqueue(context.Background(), task)
		require.NoError(t, err)
	}
}

func (h *harness) pending(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Pending(context.Background(), "")
	require.NoError(t, err)
	return n
}

func (h *harness) leased(t *testing.T) int {
	t.Helper()
	n, err := h.queue.Leased(context.Background(), "")
	require.NoError(t, err)
	return n
}

func criminalCase(number, charge string) court.CaseDetail {
	return court.CaseDetail{Record: court.CaseRecord{
		CaseNumber: number,
		Attributes: map[string]string{"Charge": charge},
		Hearings:   []court.Hearing{{Date: day(15), Type: "Trial"}},
	}}
}

func TestEndToEndSingleTask(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ExitWhenEmpty: true})
	h.session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{
		{CaseNumber: "CR21000001-00"},
		{CaseNumber: "CR21000002-00"},
	})
	h.session.addCase("CR21000001-00", criminalCase("CR21000001-00", "LARCENY"))
	h.session.addCase("CR21000002-00", court.CaseDetail{Error: "Invalid case"})
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(2), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, StateTaskComplete, h.orch.State())
	assert.Equal(t, 2, res.DatesSearched)
	assert.Equal(t, 1, res.CasesPersisted)
	assert.Equal(t, 1, res.CasesSkipped)

	assert.Equal(t, 1, h.cases.Len())
	stored, err := h.cases.GetCase(context.Background(), court.CaseKey{Court: 59, Number: "CR21000001-00", Category: court.CircuitCriminal})
	require.NoError(t, err)
	assert.Equal(t, day(1), stored.DetailsFetchedFor)
	assert.Equal(t, "LARCENY", stored.Attributes["Charge"])

	assert.Equal(t, []court.SearchRecord{
		{Court: 59, Date: day(1), Category: court.CircuitCriminal},
		{Court: 59, Date: day(2), Category: court.CircuitCriminal},
	}, h.ledger.Records())
	assert.Zero(t, h.pending(t))
	assert.Zero(t, h.leased(t))

	skipped := h.logs.FilterMessage("case detail returned a portal error").All()
	require.Len(t, skipped, 1)
	fields := skipped[0].ContextMap()
	assert.Equal(t, "059", fields["court"])
	assert.Equal(t, "CR21000002-00", fields["case_number"])

	_, err = h.orch.RunOnce(context.Background())
	require.ErrorIs(t, err, court.ErrQueueEmpty)
}

func TestSearchedDatesAreNotSearchedAgain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ExitWhenEmpty: true})
	h.session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{{CaseNumber: "CR1"}})
	task := court.Task{Court: 59, Start: day(1), End: day(3), Category: court.CircuitCriminal}
	h.enqueue(t, task)
	require.NoError(t, h.ledger.MarkSearched(context.Background(), court.SearchRecord{Court: 59, Date: day(2), Category: court.CircuitCriminal}))

	summary := h.orch.Run(context.Background())
	assert.Equal(t, 1, summary.Completed)
	assert.Equal(t, 2, summary.DatesSearched)
	assert.Equal(t, 1, summary.DatesSkipped)
	assert.NotContains(t, h.session.searches, pageKey(59, court.CircuitCriminal, day(2)))

	h.enqueue(t, task)
	searches := len(h.session.searches)
	summary = h.orch.Run(context.Background())
	assert.Equal(t, 3, summary.DatesSkipped)
	assert.Equal(t, searches, len(h.session.searches), "second run makes no remote searches")
	assert.Len(t, h.ledger.Records(), 3)
}

func TestPaginationCollectsEveryPageAndDedupes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.addPages(59, court.CircuitCriminal, day(1),
		[]court.Stub{{CaseNumber: "CR1"}, {CaseNumber: "CR2"}},
		[]court.Stub{{CaseNumber: "CR2"}, {CaseNumber: "CR3"}},
		[]court.Stub{{CaseNumber: "CR4"}},
	)
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(1), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 4, res.CasesPersisted)
	assert.Equal(t, []string{"CR1", "CR2", "CR3", "CR4"}, h.session.fetched)
	assert.Len(t, h.session.nextPages, 2)
}

func TestRowsWithoutCaseNumberAreCountedAndLogged(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.addPages(59, court.CircuitCriminal, day(1),
		[]court.Stub{{CaseNumber: "CR1"}, {CaseNumber: ""}},
		[]court.Stub{{CaseNumber: ""}, {CaseNumber: "CR2"}},
	)
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(1), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.CasesPersisted)
	assert.Equal(t, 2, res.CasesSkipped)
	assert.Equal(t, []string{"CR1", "CR2"}, h.session.fetched)

	warned := h.logs.FilterMessage("result rows without a case number skipped").All()
	require.Len(t, warned, 1)
	assert.Equal(t, zapcore.WarnLevel, warned[0].Level)
	fields := warned[0].ContextMap()
	assert.Equal(t, "059", fields["court"])
	assert.Equal(t, "2021-01-01", fields["date"])
	assert.EqualValues(t, 2, fields["rows"])
}

func TestPartialPaginationNeverMarksDate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	key := pageKey(59, court.CircuitCriminal, day(1))
	h.session.addPages(59, court.CircuitCriminal, day(1),
		[]court.Stub{{CaseNumber: "CR1"}},
		[]court.Stub{{CaseNumber: "CR2"}},
	)
	h.session.failNextPage[key+"#2"] = 10
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(3), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)

	var terr *court.TaskError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, court.AbortSearchFailed, terr.Reason)
	assert.Equal(t, day(1), terr.ResumeFrom)
	assert.NotEmpty(t, terr.Requeued)

	assert.Empty(t, h.ledger.Records())
	assert.Zero(t, h.cases.Len())
	assert.Empty(t, h.session.fetched)

	requeued := h.queue.Snapshot()
	require.Len(t, requeued, 1)
	assert.Equal(t, day(1), requeued[0].Start)
	assert.Equal(t, day(3), requeued[0].End)
	assert.Zero(t, h.leased(t))
	assert.Equal(t, court.ID(0), h.orch.BoundCourt(), "session failure forgets the bound court")
}

func TestDetailFailureRequeuesFromFailingDate(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{{CaseNumber: "CR1"}})
	h.session.addPages(59, court.CircuitCriminal, day(2), []court.Stub{{CaseNumber: "CR2"}})
	h.session.failDetail["CR2"] = 10
	h.enqueue(t, court.Task{ID: "orig", Court: 59, Start: day(1), End: day(4), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	var terr *court.TaskError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, court.AbortDetailFailed, terr.Reason)
	assert.Equal(t, day(2), terr.ResumeFrom)

	assert.Len(t, h.ledger.Records(), 1)
	requeued := h.queue.Snapshot()
	require.Len(t, requeued, 1)
	assert.Equal(t, day(2), requeued[0].Start)
	assert.Equal(t, day(4), requeued[0].End)
	assert.NotEqual(t, "orig", requeued[0].ID)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{{CaseNumber: "CR1"}})
	h.session.failSearch[pageKey(59, court.CircuitCriminal, day(1))] = 2
	h.session.failDetail["CR1"] = 1
	h.session.failBind = 1
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(1), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.CasesPersisted)
}

func TestBindFailureRequeuesWholeRange(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.failBind = 100
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(5), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	var terr *court.TaskError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, court.AbortBindFailed, terr.Reason)
	assert.Equal(t, day(1), terr.ResumeFrom)

	requeued := h.queue.Snapshot()
	require.Len(t, requeued, 1)
	assert.Equal(t, day(1), requeued[0].Start)
	assert.Equal(t, day(5), requeued[0].End)
	assert.Equal(t, court.ID(0), h.orch.BoundCourt())

	h.session.failBind = 0
	res, err = h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, h.session.connects, "next task reconnects before binding")
}

func TestLedgerFailureAbortsWithoutMarking(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ledger := &failingLedger{Ledger: h.ledger, failMarks: 100}
	h.orch = h.build(t, h.queue, ledger, Config{})
	h.session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{{CaseNumber: "CR1"}})
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(2), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	var terr *court.TaskError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, court.AbortLedgerFailed, terr.Reason)
	assert.Empty(t, h.ledger.Records())
	assert.Equal(t, 1, h.cases.Len(), "cases persisted before the ledger failure stay")
	assert.Equal(t, court.ID(59), h.orch.BoundCourt(), "a ledger failure keeps the session")
}

func TestRequeueFailureLeavesLeaseForSweeper(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	q := &failingQueue{Queue: h.queue, failEnqueue: true}
	h.orch = h.build(t, q, h.ledger, Config{})
	h.session.failBind = 100
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(2), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	var terr *court.TaskError
	require.ErrorAs(t, res.Err, &terr)
	assert.Empty(t, terr.Requeued)
	assert.ErrorContains(t, terr, "re-enqueue remaining range")

	assert.Zero(t, h.pending(t))
	assert.Equal(t, 1, h.leased(t), "claim is not acknowledged")

	n, err := h.queue.SweepExpired(context.Background(), time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, h.pending(t))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// slowSession makes every search and detail fetch take step on the clock, then runs after.
type slowSession struct {
	*fakeSession
	clock *fakeClock
	step  time.Duration
	after func()
}

func (s *slowSession) SearchByDate(ctx context.Context, id court.ID, category court.Category, date time.Time) (court.Page, error) {
	page, err := s.fakeSession.SearchByDate(ctx, id, category, date)
	s.elapse()
	return page, err
}

func (s *slowSession) FetchCaseDetail(ctx context.Context, id court.ID, category court.Category, stub court.Stub) (court.CaseDetail, error) {
	detail, err := s.fakeSession.FetchCaseDetail(ctx, id, category, stub)
	s.elapse()
	return detail, err
}

func (s *slowSession) elapse() {
	s.clock.Advance(s.step)
	if s.after != nil {
		s.after()
	}
}

func TestLeaseIsRenewedWhileTaskRuns(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: day(20)}
	q := queuememory.NewQueue(30*time.Minute, clock, nil)
	ledger := storagememory.NewLedger()
	cases := storagememory.NewCaseStore()
	session := &slowSession{fakeSession: newFakeSession(), clock: clock, step: 10 * time.Minute}
	session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{{CaseNumber: "CR1"}, {CaseNumber: "CR2"}, {CaseNumber: "CR3"}})
	session.addPages(59, court.CircuitCriminal, day(2), []court.Stub{{CaseNumber: "CR4"}, {CaseNumber: "CR5"}})

	ctx := context.Background()
	stolen := 0
	session.after = func() {
		_, err := q.SweepExpired(ctx, clock.Now())
		require.NoError(t, err)
		claim, err := q.ClaimNext(ctx, court.ClaimOptions{Family: court.FamilyCircuit, Worker: "w2"})
		if err == nil {
			stolen++
			t.Errorf("second worker claimed %s while w1 was still working", claim.Task.ID)
			return
		}
		assert.ErrorIs(t, err, court.ErrQueueEmpty)
	}

	_, err := q.Enqueue(ctx, court.Task{Court: 59, Start: day(1), End: day(2), Category: court.CircuitCriminal})
	require.NoError(t, err)
	core, logs := observer.New(zapcore.DebugLevel)
	orch, err := New(q, ledger, cases, session, court.FamilyCircuit, fastPolicy(), Config{Worker: "w1", Clock: clock}, zap.New(core))
	require.NoError(t, err)

	res, err := orch.RunOnce(ctx)
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, OutcomeComplete, res.Outcome)
	assert.Equal(t, 5, res.CasesPersisted)
	assert.Zero(t, stolen)
	assert.NotEmpty(t, logs.FilterMessage("lease renewed").All())

	pending, err := q.Pending(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, pending)
	leased, err := q.Leased(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, leased, "the renewed claim is acknowledged")
}

func TestLostLeaseAbortsWithoutHandingBack(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: day(20)}
	q := queuememory.NewQueue(30*time.Minute, clock, nil)
	ledger := storagememory.NewLedger()
	cases := storagememory.NewCaseStore()
	session := &slowSession{fakeSession: newFakeSession(), clock: clock, step: 40 * time.Minute}
	session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{{CaseNumber: "CR1"}})

	ctx := context.Background()
	var thief court.Claim
	session.after = func() {
		if thief.Worker != "" {
			return
		}
		n, err := q.SweepExpired(ctx, clock.Now())
		require.NoError(t, err)
		require.Equal(t, 1, n)
		thief, err = q.ClaimNext(ctx, court.ClaimOptions{Family: court.FamilyCircuit, Worker: "w2"})
		require.NoError(t, err)
	}

	_, err := q.Enqueue(ctx, court.Task{Court: 59, Start: day(1), End: day(2), Category: court.CircuitCriminal})
	require.NoError(t, err)
	orch, err := New(q, ledger, cases, session, court.FamilyCircuit, fastPolicy(), Config{Worker: "w1", Clock: clock}, zap.NewNop())
	require.NoError(t, err)

	res, err := orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAborted, res.Outcome)
	var terr *court.TaskError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, court.AbortLeaseLost, terr.Reason)
	assert.Empty(t, terr.Requeued)
	assert.ErrorIs(t, terr, court.ErrLeaseLost)
	assert.Equal(t, day(1), terr.ResumeFrom)

	assert.Empty(t, session.fetched, "no detail fetched after the lease was lost")
	assert.Empty(t, ledger.Records())
	assert.Zero(t, cases.Len())

	pending, err := q.Pending(ctx, "")
	require.NoError(t, err)
	assert.Zero(t, pending, "nothing re-enqueued")
	leased, err := q.Leased(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, leased)
	require.NoError(t, q.Complete(ctx, thief), "second worker still holds the task")
}

func TestCourtSwitchAvoidance(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ExitWhenEmpty: true})
	// Interleave courts A and B; the bound-court preference must group them.
	for i := 0; i < 3; i++ {
		h.enqueue(t,
			court.Task{Court: 11, Start: day(i + 1), End: day(i + 1), Category: court.CircuitCriminal},
			court.Task{Court: 22, Start: day(i + 1), End: day(i + 1), Category: court.CircuitCivil},
		)
	}

	summary := h.orch.Run(context.Background())
	assert.Equal(t, 6, summary.Completed)
	assert.LessOrEqual(t, h.session.bindCount(), 2)
	assert.Equal(t, []court.ID{11, 22}, h.session.binds)
}

func TestSkipCurrentCases(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{SkipCurrentCases: true})
	h.session.addPages(59, court.CircuitCriminal, day(2), []court.Stub{{CaseNumber: "CR1"}, {CaseNumber: "CR2"}})
	require.NoError(t, h.cases.UpsertCase(context.Background(), court.CaseRecord{
		Court: 59, CaseNumber: "CR1", Category: court.CircuitCriminal, DetailsFetchedFor: day(5),
	}))
	require.NoError(t, h.cases.UpsertCase(context.Background(), court.CaseRecord{
		Court: 59, CaseNumber: "CR2", Category: court.CircuitCriminal, DetailsFetchedFor: day(1),
	}))
	h.enqueue(t, court.Task{Court: 59, Start: day(2), End: day(2), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.CasesCurrent)
	assert.Equal(t, 1, res.CasesPersisted)
	assert.Equal(t, []string{"CR2"}, h.session.fetched)

	stale, err := h.cases.GetCase(context.Background(), court.CaseKey{Court: 59, Number: "CR2", Category: court.CircuitCriminal})
	require.NoError(t, err)
	assert.Equal(t, day(2), stale.DetailsFetchedFor)
}

func TestInvalidRecordIsSkipped(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	h.session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{{CaseNumber: "CR1"}})
	h.session.addCase("CR1", court.CaseDetail{Record: court.CaseRecord{
		Parties: []court.Party{{Role: court.PartyDefendant, Name: "DOE"}},
	}})
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(1), Category: court.CircuitCriminal})

	res, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.CasesSkipped)
	assert.Zero(t, h.cases.Len())
	assert.Len(t, h.ledger.Records(), 1)
}

// blockingSession cancels the run context during the first detail fetch.
type blockingSession struct {
	*fakeSession
	cancel context.CancelFunc
}

func (b *blockingSession) FetchCaseDetail(ctx context.Context, _ court.ID, _ court.Category, _ court.Stub) (court.CaseDetail, error) {
	b.cancel()
	<-ctx.Done()
	return court.CaseDetail{}, ctx.Err()
}

func TestCancellationRequeuesAndStaysConsistent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.session.addPages(59, court.CircuitCriminal, day(2), []court.Stub{{CaseNumber: "CR1"}})
	session := &blockingSession{fakeSession: h.session, cancel: cancel}
	orch, err := New(h.queue, h.ledger, h.cases, session, court.FamilyCircuit, fastPolicy(), Config{}, zap.NewNop())
	require.NoError(t, err)
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(3), Category: court.CircuitCriminal})

	res, err := orch.RunOnce(ctx)
	require.NoError(t, err)
	var terr *court.TaskError
	require.ErrorAs(t, res.Err, &terr)
	assert.Equal(t, court.AbortCanceled, terr.Reason)
	assert.Equal(t, day(2), terr.ResumeFrom)

	assert.Equal(t, []court.SearchRecord{{Court: 59, Date: day(1), Category: court.CircuitCriminal}}, h.ledger.Records())
	requeued := h.queue.Snapshot()
	require.Len(t, requeued, 1)
	assert.Equal(t, day(2), requeued[0].Start)
	assert.Zero(t, h.leased(t))
}

func TestRunBacksOffWhenIdleAndStopsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{IdleBackoffMin: time.Millisecond, IdleBackoffMax: 4 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Summary, 1)
	go func() { done <- h.orch.Run(ctx) }()

	h.session.addPages(59, court.CircuitCriminal, day(1), []court.Stub{{CaseNumber: "CR1"}})
	h.enqueue(t, court.Task{Court: 59, Start: day(1), End: day(1), Category: court.CircuitCriminal})
	require.Eventually(t, func() bool { return h.cases.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case summary := <-done:
		assert.Equal(t, 1, summary.Completed)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestNewValidatesDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil, court.FamilyCircuit, nil, Config{}, nil)
	require.Error(t, err)

	h := newHarness(t, Config{})
	_, err = New(h.queue, h.ledger, h.cases, h.session, "appellate", nil, Config{}, nil)
	require.Error(t, err)
}
