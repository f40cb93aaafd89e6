package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/lookup"
	"github.com/JakeFAU/court-crawler/internal/planner"
	queuememory "github.com/JakeFAU/court-crawler/internal/queue/memory"
	"github.com/JakeFAU/court-crawler/internal/storage/memory"
)

type testEnv struct {
	server *Server
	queue  *queuememory.Queue
	cases  *memory.CaseStore
	lookup *mockLookup
	sweep  *stubSweeper
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	q := queuememory.NewQueue(time.Hour, nil, nil)
	cases := memory.NewCaseStore()
	lk := &mockLookup{}
	sw := &stubSweeper{recovered: 2}
	s := NewServer(Deps{
		Planner: planner.New(q, nil),
		Roster:  rosterStub{court.FamilyCircuit: {1, 59}},
		Queue:   q,
		Cases:   cases,
		Lookup:  lk,
		Sweeper: sw,
	}, time.Second, zap.NewNop())
	return &testEnv{server: s, queue: q, cases: cases, lookup: lk, sweep: sw}
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_CreatePlan_EnqueuesTasks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := do(t, env.server, http.MethodPost, "/v1/plans",
		`{"courts":["59","003"],"categories":["CircuitCriminal"],"start":"2021-01-01","end":"2021-01-10","chunk_days":5}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var body struct {
		TaskIDs []string `json:"task_ids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.TaskIDs, 4)
	assert.Len(t, env.queue.Snapshot(), 4)
}

func TestServer_CreatePlan_UsesRosterWhenCourtsOmitted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := do(t, env.server, http.MethodPost, "/v1/plans",
		`{"family":"circuit","start":"2021-01-01","end":"2021-01-01"}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Len(t, env.queue.Snapshot(), 2*2)
}

func TestServer_CreatePlan_BadRequests(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	for name, body := range map[string]string{
		"invalid json":    `{`,
		"no family":       `{"start":"2021-01-01","end":"2021-01-02"}`,
		"family mismatch": `{"family":"district","categories":["CircuitCivil"],"start":"2021-01-01","end":"2021-01-02"}`,
		"bad date":        `{"family":"circuit","start":"01/01/2021","end":"2021-01-02"}`,
		"inverted":        `{"family":"circuit","start":"2021-02-01","end":"2021-01-02"}`,
		"bad court":       `{"family":"circuit","courts":["x"],"start":"2021-01-01","end":"2021-01-02"}`,
	} {
		rec := do(t, env.server, http.MethodPost, "/v1/plans", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
	assert.Empty(t, env.queue.Snapshot())
}

func TestServer_QueueStats(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()
	day := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := env.queue.Enqueue(ctx, court.Task{Court: 1, Category: court.CircuitCivil, Start: day, End: day})
	require.NoError(t, err)
	_, err = env.queue.Enqueue(ctx, court.Task{Court: 1, Category: court.DistrictCivil, Start: day, End: day})
	require.NoError(t, err)
	_, err = env.queue.ClaimNext(ctx, court.ClaimOptions{Family: court.FamilyDistrict, Worker: "w"})
	require.NoError(t, err)

	rec := do(t, env.server, http.MethodGet, "/v1/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]queueFamilyStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, queueFamilyStats{Pending: 1}, stats["circuit"])
	assert.Equal(t, queueFamilyStats{Leased: 1}, stats["district"])

	rec = do(t, env.server, http.MethodGet, "/v1/queue?family=district", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Len(t, stats, 1)

	rec = do(t, env.server, http.MethodGet, "/v1/queue?family=supreme", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Lookup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	want := court.CaseRecord{Court: 59, CaseNumber: "CL21-1", Category: court.CircuitCivil}
	env.lookup.On("Lookup", mock.Anything, lookup.Request{Court: 59, Category: court.CircuitCivil, Number: "CL21-1"}).
		Return(want, nil).Once()
	env.lookup.On("Lookup", mock.Anything, lookup.Request{Court: 59, Category: court.CircuitCivil, Number: "CL21-404"}).
		Return(court.CaseRecord{}, fmt.Errorf("%w: no such case", court.ErrCaseDetail)).Once()
	env.lookup.On("Lookup", mock.Anything, lookup.Request{Court: 59, Category: court.CircuitCivil, Number: "CL21-500"}).
		Return(court.CaseRecord{}, errors.New("portal down")).Once()

	rec := do(t, env.server, http.MethodPost, "/v1/lookups", `{"court":"059","category":"CircuitCivil","case_number":"CL21-1"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var got court.CaseRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "CL21-1", got.CaseNumber)

	rec = do(t, env.server, http.MethodPost, "/v1/lookups", `{"court":"59","category":"CircuitCivil","case_number":"CL21-404"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, env.server, http.MethodPost, "/v1/lookups", `{"court":"59","category":"CircuitCivil","case_number":"CL21-500"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, env.server, http.MethodPost, "/v1/lookups", `{"court":"59","category":"DistrictCivil","case_number":"GV1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.lookup.AssertExpectations(t)
}

func TestServer_GetCase(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	require.NoError(t, env.cases.UpsertCase(context.Background(), court.CaseRecord{
		Court: 59, CaseNumber: "CR21-7", Category: court.CircuitCriminal,
		DetailsFetchedFor: time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC),
		Attributes:        map[string]string{"Charge": "DUI"},
	}))

	rec := do(t, env.server, http.MethodGet, "/v1/cases/CircuitCriminal/59/CR21-7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"Charge":"DUI"`)

	rec = do(t, env.server, http.MethodGet, "/v1/cases/CircuitCriminal/59/CR21-8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, env.server, http.MethodGet, "/v1/cases/Traffic/59/CR21-7", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Sweep(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	rec := do(t, env.server, http.MethodPost, "/v1/sweeps", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"recovered":2}`, rec.Body.String())

	env.sweep.err = errors.New("db down")
	rec = do(t, env.server, http.MethodPost, "/v1/sweeps", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestServer_UnconfiguredRoutes(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, 0, nil)
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/v1/plans"},
		{http.MethodGet, "/v1/queue"},
		{http.MethodPost, "/v1/lookups"},
		{http.MethodGet, "/v1/cases/CircuitCivil/1/X"},
		{http.MethodPost, "/v1/sweeps"},
	} {
		rec := do(t, s, tc.method, tc.path, "{}")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, tc.path)
	}
}

func TestServer_HealthAndReadiness(t *testing.T) {
	t.Parallel()

	ready := errors.New("pool closed")
	s := NewServer(Deps{Ready: func(context.Context) error { return ready }}, 0, nil)

	assert.Equal(t, http.StatusOK, do(t, s, http.MethodGet, "/healthz", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, s, http.MethodGet, "/readyz", "").Code)

	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
}

func TestRequestIDMiddlewareSetsHeader(t *testing.T) {
	t.Parallel()

	s := NewServer(Deps{}, 0, nil)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}

func TestLoggingAndRecoverMiddleware(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)
	h := requestIDMiddleware(loggingMiddleware(logger)(recoverMiddleware(logger)(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/explode", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
	completed := logs.FilterMessage("request completed").All()
	require.Len(t, completed, 1)
	assert.Equal(t, int64(http.StatusInternalServerError), completed[0].ContextMap()["status"])
	assert.NotEmpty(t, completed[0].ContextMap()["request_id"])
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	if _, _, err := rw.Hijack(); err == nil || err.Error() != "hijacker not supported" {
		t.Fatalf("expected unsupported hijacker error, got %v", err)
	}

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	if err != nil {
		t.Fatalf("expected successful hijack, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("close hijacked conn: %v", err)
	}
	if err := h.CloseClient(); err != nil {
		t.Fatalf("close hijacked client: %v", err)
	}
	if buf == nil {
		t.Fatal("expected buf to be non-nil")
	}
}

// --- helpers/fakes ---

type rosterStub map[court.Family][]court.ID

func (r rosterStub) IDs(f court.Family) []court.ID { return r[f] }

type mockLookup struct {
	mock.Mock
}

func (*mockLookup) Family() court.Family { return court.FamilyCircuit }

func (m *mockLookup) Lookup(ctx context.Context, req lookup.Request) (court.CaseRecord, error) {
	args := m.Called(ctx, req)
	rec, _ := args.Get(0).(court.CaseRecord)
	return rec, args.Error(1)
}

type stubSweeper struct {
	recovered int
	err       error
}

func (s *stubSweeper) SweepOnce(context.Context) (int, error) {
	if s.err != nil {
		return 0, s.err
	}
	return s.recovered, nil
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}
