package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/storage"
)

// CaseStore is a court.CaseRepository and court.CaseReader over cases and case_entities.
type CaseStore struct {
	pool pool
}

var (
	_ court.CaseRepository = (*CaseStore)(nil)
	_ court.CaseReader     = (*CaseStore)(nil)
)

// NewCaseStore builds a case store on db.
func NewCaseStore(db *DB) *CaseStore {
	return &CaseStore{pool: db.pool}
}

// UpsertCase deletes any record with the same key and inserts the replacement with its nested
// entities in one transaction. Entities of the old record go with it via ON DELETE CASCADE.
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	if _, err := tx.Exec(ctx, `
DELETE FROM cases WHERE fips = $1 AND case_number = $2 AND category = $3`,
		int(record.Court), record.CaseNumber, string(record.Category)); err != nil {
		rollback(ctx, tx)
		return fmt.Errorf("delete case %s: %w", record.Key(), err)
	}
	var caseID int64
	if err := tx.QueryRow(ctx, `
INSERT INTO cases (fips, case_number, category, details_fetched_for, attributes)
VALUES ($1, $2, $3, $4, $5)
RETURNING id`,
		int(record.Court), record.CaseNumber, string(record.Category),
		court.Day(record.DetailsFetchedFor), attrs).Scan(&caseID); err != nil {
		rollback(ctx, tx)
		return fmt.Errorf("insert case %s: %w", record.Key(), err)
	}
	for _, e := range entities {
		if _, err := tx.Exec(ctx, `
INSERT INTO case_entities (case_id, kind, seq, data) VALUES ($1, $2, $3, $4)`,
			caseID, e.Kind, e.Seq, e.Data); err != nil {
			rollback(ctx, tx)
			return fmt.Errorf("insert %s for case %s: %w", e.Kind, record.Key(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit case %s: %w", record.Key(), err)
	}
	return nil
}

// FreshDetails reports the stored details date when it is on or after since.
func (s *CaseStore) FreshDetails(ctx context.Context, key court.CaseKey, since time.Time) (time.Time, bool, error) {
	var fetched time.Time
	err := s.pool.QueryRow(ctx, `
SELECT details_fetched_for FROM cases
WHERE fips = $1 AND case_number = $2 AND category = $3 AND details_fetched_for >= $4`,
		int(key.Court), key.Number, string(key.Category), court.Day(since)).Scan(&fetched)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query case freshness: %w", err)
	}
	return fetched, true, nil
}

// GetCase loads one record with its entities.
func (s *CaseStore) GetCase(ctx context.Context, key court.CaseKey) (court.CaseRecord, error) {
	var (
		id    int64
		rec   = court.CaseRecord{Court: key.Court, CaseNumber: key.Number, Category: key.Category}
		attrs []byte
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, details_fetched_for, attributes FROM cases
WHERE fips = $1 AND case_number = $2 AND category = $3`,
		int(key.Court), key.Number, string(key.Category)).Scan(&id, &rec.DetailsFetchedFor, &attrs)
	if errors.Is(err, pgx.ErrNoRows) {
		return court.CaseRecord{}, fmt.Errorf("get case %s: %w", key, court.ErrNotFound)
	}
	if err != nil {
		return court.CaseRecord{}, fmt.Errorf("get case %s: %w", key, err)
	}
	if rec.Attributes, err = storage.DecodeAttributes(attrs); err != nil {
		return court.CaseRecord{}, err
	}
	if err := s.loadEntities(ctx, id, &rec); err != nil {
		return court.CaseRecord{}, err
	}
	return rec, nil
}

// ListCases returns matching records ordered by court then case number.
func (s *CaseStore) ListCases(ctx context.Context, filter court.CaseFilter) ([]court.CaseRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.Category != "" {
		arg("category = $%d", string(filter.Category))
	}
	if filter.Court != 0 {
		arg("fips = $%d", int(filter.Court))
	}
	if !filter.FetchedFrom.IsZero() {
		arg("details_fetched_for >= $%d", court.Day(filter.FetchedFrom))
	}
	if !filter.FetchedTo.IsZero() {
		arg("details_fetched_for < $%d", court.Day(filter.FetchedTo))
	}
	query := "SELECT id, fips, case_number, category, details_fetched_for, attributes FROM cases"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY fips, case_number"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
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
			attrs    []byte
			rec      court.CaseRecord
		)
		if err := rows.Scan(&id, &fips, &rec.CaseNumber, &category, &rec.DetailsFetchedFor, &attrs); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan case: %w", err)
		}
		rec.Court = court.ID(fips)
		rec.Category = court.Category(category)
		if rec.Attributes, err = storage.DecodeAttributes(attrs); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
		recs = append(recs, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	for i := range recs {
		if err := s.loadEntities(ctx, ids[i], &recs[i]); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (s *CaseStore) loadEntities(ctx context.Context, caseID int64, rec *court.CaseRecord) error {
	rows, err := s.pool.Query(ctx, `
SELECT kind, data FROM case_entities WHERE case_id = $1 ORDER BY kind, seq`, caseID)
	if err != nil {
		return fmt.Errorf("load entities for case %s: %w", rec.Key(), err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind string
			data []byte
		)
		if err := rows.Scan(&kind, &data); err != nil {
			return fmt.Errorf("scan entity: %w", err)
		}
		if err := storage.DecodeEntity(rec, kind, data); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load entities for case %s: %w", rec.Key(), err)
	}
	return nil
}
