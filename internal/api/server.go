package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/lookup"
	"github.com/JakeFAU/court-crawler/internal/metrics"
	"github.com/JakeFAU/court-crawler/internal/planner"
)

// DefaultRequestTimeout bounds a request when the config leaves it unset.
const DefaultRequestTimeout = 60 * time.Second

// Planner enqueues planned tasks.
type Planner interface {
	Enqueue(ctx context.Context, req planner.Request) ([]string, error)
}

// Roster supplies the default court list for a family.
type Roster interface {
	IDs(family court.Family) []court.ID
}

// Lookuper fetches single cases on demand.
type Lookuper interface {
	Family() court.Family
	Lookup(ctx context.Context, req lookup.Request) (court.CaseRecord, error)
}

// Sweeper recovers expired leases.
type Sweeper interface {
	SweepOnce(ctx context.Context) (int, error)
}

// Deps are the collaborators behind the routes. Planner, Roster, Lookup and Sweeper may be
// nil; their routes then answer 503.
type Deps struct {
	Planner Planner
	Roster  Roster
	Queue   court.QueueStats
	Cases   court.CaseReader
	Lookup  Lookuper
	Sweeper Sweeper
	// Ready reports whether downstream stores are reachable.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the crawler collaborators.
type Server struct {
	router chi.Router
	deps   Deps
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, requestTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	s := &Server{deps: deps, logger: logger.Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/plans", s.createPlan)
		r.Get("/queue", s.queueStats)
		r.Post("/lookups", s.createLookup)
		r.Get("/cases/{category}/{court}/{number}", s.getCase)
		r.Post("/sweeps", s.sweep)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type planRequest struct {
	Courts     []string `json:"courts"`
	Family     string   `json:"family"`
	Categories []string `json:"categories"`
	Start      string   `json:"start"`
	End        string   `json:"end"`
	ChunkDays  int      `json:"chunk_days"`
}

func (s *Server) toPlannerRequest(req planRequest) (planner.Request, error) {
	var out planner.Request
	var family court.Family
	if req.Family != "" {
		f, err := court.ParseFamily(req.Family)
		if err != nil {
			return out, err
		}
		family = f
	}
	for _, raw := range req.Categories {
		c, err := court.ParseCategory(raw)
		if err != nil {
			return out, err
		}
		if family != "" && c.Family() != family {
			return out, fmt.Errorf("category %s does not belong to family %s", c, family)
		}
		out.Categories = append(out.Categories, c)
	}
	if len(out.Categories) == 0 {
		if family == "" {
			return out, errors.New("family or categories required")
		}
		out.Categories = family.Categories()
	}
	if family == "" {
		family = out.Categories[0].Family()
	}
	for _, raw := range req.Courts {
		id, err := court.ParseID(raw)
		if err != nil {
			return out, err
		}
		out.Courts = append(out.Courts, id)
	}
	if len(out.Courts) == 0 && s.deps.Roster != nil {
		out.Courts = s.deps.Roster.IDs(family)
	}
	start, err := court.ParseDay(req.Start)
	if err != nil {
		return out, err
	}
	end, err := court.ParseDay(req.End)
	if err != nil {
		return out, err
	}
	out.Start, out.End, out.ChunkDays = start, end, req.ChunkDays
	return out, nil
}

func (s *Server) createPlan(w http.ResponseWriter, r *http.Request) {
	if s.deps.Planner == nil {
		writeError(w, http.StatusServiceUnavailable, "planning is not configured")
		return
	}
	var body planRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := s.toPlannerRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := req.Tasks(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ids, err := s.deps.Planner.Enqueue(r.Context(), req)
	if err != nil {
		s.logger.Error("plan enqueue failed", zap.Error(err), zap.Int("enqueued", len(ids)))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "task_ids": ids})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"task_ids": ids})
}

type queueFamilyStats struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
}

func (s *Server) queueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		writeError(w, http.StatusServiceUnavailable, "queue stats are not configured")
		return
	}
	families := []court.Family{court.FamilyCircuit, court.FamilyDistrict}
	if raw := r.URL.Query().Get("family"); raw != "" {
		f, err := court.ParseFamily(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		families = []court.Family{f}
	}
	out := make(map[string]queueFamilyStats, len(families))
	for _, f := range families {
		pending, err := s.deps.Queue.Pending(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		leased, err := s.deps.Queue.Leased(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		out[string(f)] = queueFamilyStats{Pending: pending, Leased: leased}
	}
	writeJSON(w, http.StatusOK, out)
}

type lookupRequest struct {
	Court    string `json:"court"`
	Category string `json:"category"`
	Number   string `json:"case_number"`
}

func (s *Server) createLookup(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lookup == nil {
		writeError(w, http.StatusServiceUnavailable, "lookups are not configured")
		return
	}
	var body lookupRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id, err := court.ParseID(body.Court)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := lookup.Request{Court: id, Category: court.Category(strings.TrimSpace(body.Category)), Number: body.Number}
	if err := req.Validate(s.deps.Lookup.Family()); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	record, err := s.deps.Lookup.Lookup(r.Context(), req)
	switch {
	case errors.Is(err, court.ErrCaseDetail):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, court.ErrUnknownCourt):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case err != nil:
		s.logger.Error("lookup failed", zap.Error(err), zap.String("case_number", req.Number))
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSON(w, http.StatusOK, record)
	}
}

func (s *Server) getCase(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cases == nil {
		writeError(w, http.StatusServiceUnavailable, "case reads are not configured")
		return
	}
	category, err := court.ParseCategory(chi.URLParam(r, "category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := court.ParseID(chi.URLParam(r, "court"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := court.CaseKey{Court: id, Number: chi.URLParam(r, "number"), Category: category}
	record, err := s.deps.Cases.GetCase(r.Context(), key)
	if errors.Is(err, court.ErrNotFound) {
		writeError(w, http.StatusNotFound, "case not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) sweep(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sweeper == nil {
		writeError(w, http.StatusServiceUnavailable, "sweeping is not configured")
		return
	}
	n, err := s.deps.Sweeper.SweepOnce(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned by the request-id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
