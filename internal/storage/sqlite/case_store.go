package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/storage"
)

// CaseStore is a court.CaseRepository and court.CaseReader over cases and case_entities.
type CaseStore struct {
	db *sql.DB
}

var (
	_ court.CaseRepository = (*CaseStore)(nil)
	_ court.CaseReader     = (*CaseStore)(nil)
)

// NewCaseStore builds a case store on d.
func NewCaseStore(d *DB) *CaseStore {
	return &CaseStore{db: d.db}
}

// UpsertCase replaces the record and all of its entities in one transaction.
func (s *CaseStore) UpsertCase(ctx context.Context, record court.CaseRecord) error {
	if err := record.Validate(); err != nil {
		return fmt.Errorf("upsert case: %w", err)
	}
	attrs, err := storage.EncodeAttributes(record.Attributes)
	if err != nil {
		return err
	}
	entities, err := storage.EncodeEntities(record)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	keyArgs := []any{int(record.Court), record.CaseNumber, string(record.Category)}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM case_entities WHERE case_id IN (
    SELECT id FROM cases WHERE fips = ? AND case_number = ? AND category = ?)`, keyArgs...); err != nil {
		return fmt.Errorf("delete entities for case %s: %w", record.Key(), err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM cases WHERE fips = ? AND case_number = ? AND category = ?", keyArgs...); err != nil {
		return fmt.Errorf("delete case %s: %w", record.Key(), err)
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO cases (fips, case_number, category, details_fetched_for, attributes) VALUES (?, ?, ?, ?, ?)",
		int(record.Court), record.CaseNumber, string(record.Category), formatDay(record.DetailsFetchedFor), string(attrs))
	if err != nil {
		return fmt.Errorf("insert case %s: %w", record.Key(), err)
	}
	caseID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert case %s: %w", record.Key(), err)
	}
	for _, e := range entities {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO case_entities (case_id, kind, seq, data) VALUES (?, ?, ?, ?)",
			caseID, e.Kind, e.Seq, string(e.Data)); err != nil {
			return fmt.Errorf("insert %s for case %s: %w", e.Kind, record.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit case %s: %w", record.Key(), err)
	}
	return nil
}

// FreshDetails reports the stored details date when it is on or after since.
func (s *CaseStore) FreshDetails(ctx context.Context, key court.CaseKey, since time.Time) (time.Time, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `
SELECT details_fetched_for FROM cases
WHERE fips = ? AND case_number = ? AND category = ? AND details_fetched_for >= ?`,
		int(key.Court), key.Number, string(key.Category), formatDay(since)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query case freshness: %w", err)
	}
	fetched, err := parseDay(raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return fetched, true, nil
}

// GetCase loads one record with its entities.
func (s *CaseStore) GetCase(ctx context.Context, key court.CaseKey) (court.CaseRecord, error) {
	recs, err := s.list(ctx, "fips = ? AND case_number = ? AND category = ?",
		[]any{int(key.Court), key.Number, string(key.Category)})
	if err != nil {
		return court.CaseRecord{}, fmt.Errorf("get case %s: %w", key, err)
	}
	if len(recs) == 0 {
		return court.CaseRecord{}, fmt.Errorf("get case %s: %w", key, court.ErrNotFound)
	}
	return recs[0], nil
}

// ListCases returns matching records ordered by court then case number.
func (s *CaseStore) ListCases(ctx context.Context, filter court.CaseFilter) ([]court.CaseRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(filter.Category))
	}
	if filter.Court != 0 {
		where = append(where, "fips = ?")
		args = append(args, int(filter.Court))
	}
	if !filter.FetchedFrom.IsZero() {
		where = append(where, "details_fetched_for >= ?")
		args = append(args, formatDay(filter.FetchedFrom))
	}
	if !filter.FetchedTo.IsZero() {
		where = append(where, "details_fetched_for < ?")
		args = append(args, formatDay(filter.FetchedTo))
	}
	recs, err := s.list(ctx, strings.Join(where, " AND "), args)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	return recs, nil
}

func (s *CaseStore) list(ctx context.Context, where string, args []any) ([]court.CaseRecord, error) {
	query := "SELECT id, fips, case_number, category, details_fetched_for, attributes FROM cases"
	if where != "" {
		query += " WHERE " + where
	}
	query += " ORDER BY fips, case_number"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query cases: %w", err)
	}
	var (
		ids  []int64
		recs []court.CaseRecord
	)
	for rows.Next() {
		var (
			id       int64
			fips     int
			category string
			fetched  string
			attrs    string
			rec      court.CaseRecord
		)
		if err := rows.Scan(&id, &fips, &rec.CaseNumber, &category, &fetched, &attrs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan case: %w", err)
		}
		rec.Court = court.ID(fips)
		rec.Category = court.Category(category)
		if rec.DetailsFetchedFor, err = parseDay(fetched); err != nil {
			rows.Close()
			return nil, err
		}
		if rec.Attributes, err = storage.DecodeAttributes([]byte(attrs)); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate cases: %w", err)
	}
	rows.Close()
	for i := range recs {
		if err := s.loadEntities(ctx, ids[i], &recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *CaseStore) loadEntities(ctx context.Context, caseID int64, rec *court.CaseRecord) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT kind, data FROM case_entities WHERE case_id = ? ORDER BY kind, seq", caseID)
	if err != nil {
		return fmt.Errorf("load entities for case %s: %w", rec.Key(), err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, data string
		if err := rows.Scan(&kind, &data); err != nil {
			return fmt.Errorf("scan entity: %w", err)
		}
		if err := storage.DecodeEntity(rec, kind, []byte(data)); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load entities for case %s: %w", rec.Key(), err)
	}
	return nil
}
