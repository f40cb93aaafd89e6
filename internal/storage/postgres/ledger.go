package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// Ledger is a court.Ledger over the date_searches table.
type Ledger struct {
	pool pool
}

var _ court.Ledger = (*Ledger)(nil)

// NewLedger builds a ledger on db.
func NewLedger(db *DB) *Ledger {
	return &Ledger{pool: db.pool}
}

// IsSearched reports whether the triple has a row.
func (l *Ledger) IsSearched(ctx context.Context, rec court.SearchRecord) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM date_searches WHERE fips = $1 AND search_date = $2 AND category = $3)`,
		int(rec.Court), court.Day(rec.Date), string(rec.Category)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query ledger: %w", err)
	}
	return exists, nil
}

// MarkSearched inserts the triple; a repeat hits the primary key and is ignored.
func (l *Ledger) MarkSearched(ctx context.Context, rec court.SearchRecord) error {
	_, err := l.pool.Exec(ctx, `
INSERT INTO date_searches (fips, search_date, category) VALUES ($1, $2, $3)
ON CONFLICT (fips, search_date, category) DO NOTHING`,
		int(rec.Court), court.Day(rec.Date), string(rec.Category))
	if err != nil {
		return fmt.Errorf("mark searched: %w", err)
	}
	return nil
}
