package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// CaseStore keeps case records keyed by (court, number, category).
type CaseStore struct {
	mu    sync.RWMutex
	cases map[court.CaseKey]court.CaseRecord
}

var (
	_ court.CaseRepository = (*CaseStore)(nil)
	_ court.CaseReader     = (*CaseStore)(nil)
)

// NewCaseStore constructs an empty CaseStore.
func NewCaseStore() *CaseStore {
	return &CaseStore{cases: make(map[court.CaseKey]court.CaseRecord)}
}

// UpsertCase replaces whatever was stored under the record's key.
func (s *CaseStore) UpsertCase(ctx context.Context, record court.CaseRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	if err := record.Validate(); err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	record.DetailsFetchedFor = court.Day(record.DetailsFetchedFor)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cases[record.Key()] = cloneRecord(record)
	return nil
}

// FreshDetails reports the stored details date when it is on or after since.
func (s *CaseStore) FreshDetails(ctx context.Context, key court.CaseKey, since time.Time) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, fmt.Errorf("check case freshness: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cases[key]
	if !ok || rec.DetailsFetchedFor.Before(court.Day(since)) {
		return time.Time{}, false, nil
	}
	return rec.DetailsFetchedFor, true, nil
}

// GetCase returns a copy of the stored record or court.ErrNotFound.
func (s *CaseStore) GetCase(_ context.Context, key court.CaseKey) (court.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.cases[key]
	if !ok {
		return court.CaseRecord{}, fmt.Errorf("get case %s: %w", key, court.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// ListCases returns matching records ordered by court then case number.
func (s *CaseStore) ListCases(_ context.Context, filter court.CaseFilter) ([]court.CaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []court.CaseRecord
	for _, rec := range s.cases {
		if filter.Matches(rec) {
			out = append(out, cloneRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Court != out[j].Court {
			return out[i].Court < out[j].Court
		}
		return out[i].CaseNumber < out[j].CaseNumber
	})
	return out, nil
}

// Len reports the number of live records.
func (s *CaseStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cases)
}

func cloneRecord(r court.CaseRecord) court.CaseRecord {
	r.Attributes = maps.Clone(r.Attributes)
	r.Hearings = append([]court.Hearing(nil), r.Hearings...)
	r.Pleadings = append([]court.Pleading(nil), r.Pleadings...)
	r.Services = append([]court.Service(nil), r.Services...)
	r.Reports = append([]court.Report(nil), r.Reports...)
	r.Parties = append([]court.Party(nil), r.Parties...)
	return r
}
