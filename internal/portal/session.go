package portal

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/metrics"
	"github.com/JakeFAU/court-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/court-crawler/internal/policy/retry"
)

// Config controls session pacing.
type Config struct {
	// MinInterval is the minimum spacing between any two portal requests.
	MinInterval time.Duration
}

// StatusError reports a non-success HTTP status from the portal.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal returned %d for %s", e.StatusCode, e.URL)
}

// Session implements court.Session for one portal family. It is not safe for concurrent use.
type Session struct {
	transport Transport
	dialect   Dialect
	pacer     *ratelimit.Pacer
	logger    *zap.Logger

	courts map[court.ID]string
	bound  court.ID
}

var _ court.Session = (*Session)(nil)

// NewSession wires a transport and dialect into a paced session.
func NewSession(transport Transport, dialect Dialect, cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	family := string(dialect.Family())
	return &Session{
		transport: transport,
		dialect:   dialect,
		pacer:     ratelimit.NewPacer(family, cfg.MinInterval),
		logger:    logger.Named("portal").With(zap.String("family", family)),
	}
}

// Family reports which courts the session can serve.
func (s *Session) Family() court.Family {
	return s.dialect.Family()
}

// Connect loads the welcome page and the court roster. Any previous court selection is forgotten.
func (s *Session) Connect(ctx context.Context) error {
	resp, err := s.do(ctx, s.dialect.WelcomeRequest())
	if err != nil {
		return fmt.Errorf("open welcome page: %w", err)
	}
	courts, err := s.dialect.ParseCourts(resp.Body)
	if err != nil {
		return fmt.Errorf("parse court roster: %w", err)
	}
	if len(courts) == 0 {
		return errors.New("welcome page listed no courts")
	}
	s.courts = courts
	s.bound = 0
	s.logger.Info("Connected to portal", zap.Int("courts", len(courts)))
	return nil
}

// Courts returns a copy of the roster loaded by Connect.
func (s *Session) Courts() map[court.ID]string {
	return maps.Clone(s.courts)
}

// BindCourt selects id as the active court. It is a no-op when id is already selected.
func (s *Session) BindCourt(ctx context.Context, id court.ID) error {
	if s.courts == nil {
		if err := s.Connect(ctx); err != nil {
			return err
		}
	}
	if s.bound == id {
		return nil
	}
	name, ok := s.courts[id]
	if !ok {
		return retry.Permanent(fmt.Errorf("bind court %s: %w", id, court.ErrUnknownCourt))
	}
	s.bound = 0
	if _, err := s.do(ctx, s.dialect.BindRequest(id, name)); err != nil {
		return fmt.Errorf("bind court %s: %w", id, err)
	}
	s.bound = id
	metrics.ObserveBind(string(s.dialect.Family()))
	s.logger.Info("Changed court", zap.Stringer("court", id), zap.String("name", name))
	return nil
}

// SearchByDate returns the first page of cases heard on date.
func (s *Session) SearchByDate(
	ctx context.Context,
	id court.ID,
	category court.Category,
	date time.Time,
) (court.Page, error) {
	if err := s.prepare(ctx, id, category); err != nil {
		return court.Page{}, err
	}
	day := court.Day(date)
	resp, err := s.do(ctx, s.dialect.DateSearchRequest(id, category, day))
	if err != nil {
		return court.Page{}, fmt.Errorf("search %s on %s: %w", category, day.Format(court.DateLayout), err)
	}
	return s.page(resp.Body, pageCursor{category: category, date: day, page: 2})
}

// NextPage follows a continuation token returned by SearchByDate or a previous NextPage.
func (s *Session) NextPage(ctx context.Context, id court.ID, token court.PageToken) (court.Page, error) {
	cursor, err := parseToken(token)
	if err != nil {
		return court.Page{}, retry.Permanent(err)
	}
	if err := s.prepare(ctx, id, cursor.category); err != nil {
		return court.Page{}, err
	}
	resp, err := s.do(ctx, s.dialect.NextPageRequest(id, cursor.category, cursor.date, cursor.page))
	if err != nil {
		return court.Page{}, fmt.Errorf("fetch results page %d: %w", cursor.page, err)
	}
	cursor.page++
	return s.page(resp.Body, cursor)
}

// FetchCaseDetail opens the detail page behind stub. Portal error pages come back as
// CaseDetail.Error rather than a Go error.
func (s *Session) FetchCaseDetail(
	ctx context.Context,
	id court.ID,
	category court.Category,
	stub court.Stub,
) (court.CaseDetail, error) {
	if stub.Ref == "" {
		return s.SearchByCaseNumber(ctx, id, category, stub.CaseNumber)
	}
	if err := s.prepare(ctx, id, category); err != nil {
		return court.CaseDetail{}, err
	}
	resp, err := s.do(ctx, s.dialect.DetailRequest(id, category, stub))
	if err != nil {
		return court.CaseDetail{}, fmt.Errorf("fetch case %s: %w", stub.CaseNumber, err)
	}
	return s.detail(resp.Body, id, category, stub.CaseNumber)
}

// SearchByCaseNumber looks a single case up directly.
func (s *Session) SearchByCaseNumber(
	ctx context.Context,
	id court.ID,
	category court.Category,
	number string,
) (court.CaseDetail, error) {
	if err := s.prepare(ctx, id, category); err != nil {
		return court.CaseDetail{}, err
	}
	resp, err := s.do(ctx, s.dialect.NumberSearchRequest(id, category, number))
	if err != nil {
		return court.CaseDetail{}, fmt.Errorf("search case %s: %w", number, err)
	}
	return s.detail(resp.Body, id, category, number)
}

// Close releases the transport.
func (s *Session) Close() error {
	if err := s.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	return nil
}

func (s *Session) prepare(ctx context.Context, id court.ID, category court.Category) error {
	if category.Family() != s.dialect.Family() {
		return retry.Permanent(fmt.Errorf("%s session cannot serve category %s", s.dialect.Family(), category))
	}
	return s.BindCourt(ctx, id)
}

func (s *Session) page(body []byte, next pageCursor) (court.Page, error) {
	stubs, hasNext, err := s.dialect.ParseResults(body)
	if err != nil {
		return court.Page{}, fmt.Errorf("parse results: %w", err)
	}
	page := court.Page{Stubs: stubs}
	if hasNext {
		page.Next = next.token()
	}
	return page, nil
}

func (s *Session) detail(body []byte, id court.ID, category court.Category, number string) (court.CaseDetail, error) {
	detail, err := s.dialect.ParseDetail(body, id, category, number)
	if err != nil {
		return court.CaseDetail{}, fmt.Errorf("parse case %s: %w", number, err)
	}
	return detail, nil
}

func (s *Session) do(ctx context.Context, req Request) (Response, error) {
	if err := s.pacer.Wait(ctx); err != nil {
		return Response{}, err
	}
	start := time.Now()
	resp, err := s.transport.Do(ctx, req)
	if err != nil {
		return Response{}, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	s.logger.Debug("Portal request",
		zap.String("method", req.Method),
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)),
	)
	if resp.StatusCode >= http.StatusBadRequest {
		statusErr := &StatusError{URL: req.URL, StatusCode: resp.StatusCode}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return Response{}, statusErr
		}
		return Response{}, retry.Permanent(statusErr)
	}
	return resp, nil
}
