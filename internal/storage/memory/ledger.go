package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// Ledger keeps searched (court, date, category) triples in memory.
type Ledger struct {
	mu       sync.RWMutex
	searched map[court.SearchRecord]struct{}
}

var _ court.Ledger = (*Ledger)(nil)

// NewLedger constructs an empty Ledger.
func NewLedger() *Ledger {
	return &Ledger{searched: make(map[court.SearchRecord]struct{})}
}

// IsSearched reports whether the triple was marked.
func (l *Ledger) IsSearched(ctx context.Context, rec court.SearchRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.searched[normalize(rec)]
	return ok, nil
}

// MarkSearched records the triple; repeats are no-ops.
func (l *Ledger) MarkSearched(ctx context.Context, rec court.SearchRecord) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mark searched: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.searched[normalize(rec)] = struct{}{}
	return nil
}

// Records returns every marked triple ordered by court, category, then date.
func (l *Ledger) Records() []court.SearchRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]court.SearchRecord, 0, len(l.searched))
	for rec := range l.searched {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Court != out[j].Court {
			return out[i].Court < out[j].Court
		}
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func normalize(rec court.SearchRecord) court.SearchRecord {
	rec.Date = court.Day(rec.Date)
	return rec
}
