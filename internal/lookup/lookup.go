// Package lookup fetches and stores a single case on demand, outside the task queue.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/policy/retry"
)

// Request names the case to fetch.
type Request struct {
	Court    court.ID       `json:"court"`
	Category court.Category `json:"category"`
	Number   string         `json:"case_number"`
}

// Validate checks the request against the service family.
func (r Request) Validate(family court.Family) error {
	if r.Court <= 0 {
		return errors.New("court must be > 0")
	}
	if !r.Category.Valid() {
		return fmt.Errorf("unknown case category %q", r.Category)
	}
	if r.Category.Family() != family {
		return fmt.Errorf("category %s is not served by the %s portal", r.Category, family)
	}
	if strings.TrimSpace(r.Number) == "" {
		return errors.New("case number is required")
	}
	return nil
}

// Service owns one portal session. Lookups are serialized because a session is bound to a
// single court at a time.
type Service struct {
	session court.Session
	cases   court.CaseRepository
	family  court.Family
	policy  retry.Policy
	clock   court.Clock
	logger  *zap.Logger

	mu        sync.Mutex
	bound     court.ID
	reconnect bool
}

// New constructs a lookup Service.
func New(
	session court.Session,
	cases court.CaseRepository,
	family court.Family,
	policy retry.Policy,
	clock court.Clock,
	logger *zap.Logger,
) (*Service, error) {
	if session == nil || cases == nil {
		return nil, errors.New("session and case repository are required")
	}
	if !family.Valid() {
		return nil, fmt.Errorf("unknown court family %q", family)
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if policy == nil {
		policy = retry.NewExponentialRetryPolicy()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		session:   session,
		cases:     cases,
		family:    family,
		policy:    policy,
		clock:     clock,
		logger:    logger.Named("lookup").With(zap.String("family", string(family))),
		reconnect: true,
	}, nil
}

// Family reports which portal the service talks to.
func (s *Service) Family() court.Family {
	return s.family
}

// Lookup fetches one case by number and persists it with today's details-fetched-for date.
// A portal error page for the case yields court.ErrCaseDetail and nothing is stored.
func (s *Service) Lookup(ctx context.Context, req Request) (court.CaseRecord, error) {
	req.Number = strings.TrimSpace(req.Number)
	if err := req.Validate(s.family); err != nil {
		return court.CaseRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.bind(ctx, req.Court); err != nil {
		return court.CaseRecord{}, err
	}
	detail, err := retry.DoValue(ctx, s.policy, func(ctx context.Context) (court.CaseDetail, error) {
		return s.session.SearchByCaseNumber(ctx, req.Court, req.Category, req.Number)
	})
	if err != nil {
		s.bound = 0
		s.reconnect = true
		return court.CaseRecord{}, fmt.Errorf("search case %s: %w", req.Number, err)
	}
	if detail.Failed() {
		return court.CaseRecord{}, fmt.Errorf("%w: %s", court.ErrCaseDetail, detail.Error)
	}

	record := detail.Record
	record.Court = req.Court
	record.Category = req.Category
	if record.CaseNumber == "" {
		record.CaseNumber = req.Number
	}
	record.DetailsFetchedFor = court.Day(s.clock.Now())
	if err := record.Validate(); err != nil {
		return court.CaseRecord{}, fmt.Errorf("invalid case %s: %w", record.Key(), err)
	}
	if err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.cases.UpsertCase(ctx, record)
	}); err != nil {
		return court.CaseRecord{}, fmt.Errorf("persist case %s: %w", record.Key(), err)
	}
	s.logger.Info("case looked up",
		zap.String("court", req.Court.String()),
		zap.String("category", string(req.Category)),
		zap.String("case_number", record.CaseNumber))
	return record, nil
}

func (s *Service) bind(ctx context.Context, id court.ID) error {
	if s.bound == id && !s.reconnect {
		return nil
	}
	s.bound = 0
	if s.reconnect {
		if err := retry.Do(ctx, s.policy, s.session.Connect); err != nil {
			return fmt.Errorf("connect session: %w", err)
		}
		s.reconnect = false
	}
	if err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
		return s.session.BindCourt(ctx, id)
	}); err != nil {
		s.reconnect = true
		return fmt.Errorf("bind court %s: %w", id, err)
	}
	s.bound = id
	return nil
}
