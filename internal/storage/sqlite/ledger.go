package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// Ledger is a court.Ledger over the date_searches table.
type Ledger struct {
	db    *sql.DB
	clock court.Clock
}

var _ court.Ledger = (*Ledger)(nil)

// NewLedger builds a ledger on d. A nil clock uses wall time.
func NewLedger(d *DB, clock court.Clock) *Ledger {
	if clock == nil {
		clock = wallClock{}
	}
	return &Ledger{db: d.db, clock: clock}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// IsSearched reports whether the triple has a row.
func (l *Ledger) IsSearched(ctx context.Context, rec court.SearchRecord) (bool, error) {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM date_searches WHERE fips = ? AND search_date = ? AND category = ?)",
		int(rec.Court), formatDay(rec.Date), string(rec.Category)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return exists, nil
}

// MarkSearched inserts the triple; repeats are ignored.
func (l *Ledger) MarkSearched(ctx context.Context, rec court.SearchRecord) error {
	_, err := l.db.ExecContext(ctx,
		"INSERT INTO date_searches (fips, search_date, category, searched_at) VALUES (?, ?, ?, ?) ON CONFLICT DO NOTHING",
		int(rec.Court), formatDay(rec.Date), string(rec.Category), l.clock.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("mark searched: %w", err)
	}
	return nil
}
