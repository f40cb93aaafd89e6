package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/JakeFAU/court-crawler/internal/court"
)

// Leading columns of every extract.
const (
	ColumnFIPS       = "court_fips"
	ColumnCourt      = "Court"
	ColumnCaseNumber = "CaseNumber"
)

// errorAttribute marks a record whose detail page was a portal error.
const errorAttribute = "error"

// table is the flattened extract: a header and one row per case.
type table struct {
	header []string
	rows   [][]string
	// counts is the number of exported cases per court name.
	counts map[string]int
}

// columnName strips spaces so "Offense Date" becomes "OffenseDate".
func columnName(attr string) string {
	return strings.ReplaceAll(attr, " ", "")
}

// flatten builds the extract table. Records carrying a portal error are skipped and counted.
func flatten(records []court.CaseRecord, courtName func(court.CaseRecord) string) (*table, int) {
	core := map[string]struct{}{ColumnFIPS: {}, ColumnCourt: {}, ColumnCaseNumber: {}}
	keys := map[string]struct{}{}
	skipped := 0
	kept := records[:0:0]
	for _, r := range records {
		if r.Attributes[errorAttribute] != "" {
			skipped++
			continue
		}
		kept = append(kept, r)
		for k := range r.Attributes {
			name := columnName(k)
			if _, ok := core[name]; ok || name == "" {
				continue
			}
			keys[name] = struct{}{}
		}
	}

	attrCols := make([]string, 0, len(keys))
	for k := range keys {
		attrCols = append(attrCols, k)
	}
	sort.Strings(attrCols)

	t := &table{
		header: append([]string{ColumnFIPS, ColumnCourt, ColumnCaseNumber}, attrCols...),
		counts: make(map[string]int),
	}
	index := make(map[string]int, len(attrCols))
	for i, k := range attrCols {
		index[k] = i + 3
	}
	for _, r := range kept {
		name := courtName(r)
		row := make([]string, len(t.header))
		row[0] = r.Court.String()
		row[1] = name
		row[2] = r.CaseNumber
		for k, v := range r.Attributes {
			if i, ok := index[columnName(k)]; ok {
				row[i] = v
			}
		}
		t.rows = append(t.rows, row)
		t.counts[name]++
	}
	return t, skipped
}

func (t *table) csv() ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(t.header); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	if err := w.WriteAll(t.rows); err != nil {
		return nil, fmt.Errorf("write csv rows: %w", err)
	}
	return buf.Bytes(), nil
}

// detailsCSV renders the per-court case counts, sorted by court name.
func (t *table) detailsCSV() ([]byte, error) {
	names := make([]string, 0, len(t.counts))
	for name := range t.counts {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{"Court", "Cases"}); err != nil {
		return nil, fmt.Errorf("write details header: %w", err)
	}
	for _, name := range names {
		if err := w.Write([]string{name, strconv.Itoa(t.counts[name])}); err != nil {
			return nil, fmt.Errorf("write details row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush details csv: %w", err)
	}
	return buf.Bytes(), nil
}

// parquet renders the table with one required string column per header entry.
func (t *table) parquet() ([]byte, error) {
	group := make(parquet.Group, len(t.header))
	for _, col := range t.header {
		group[col] = parquet.String()
	}
	schema := parquet.NewSchema("case", group)

	// Group fields are stored in name order, which fixes the leaf column indexes.
	fields := schema.Fields()
	position := make(map[string]int, len(t.header))
	for i, col := range t.header {
		position[col] = i
	}

	rows := make([]parquet.Row, 0, len(t.rows))
	for _, r := range t.rows {
		row := make(parquet.Row, len(fields))
		for leaf, f := range fields {
			row[leaf] = parquet.ByteArrayValue([]byte(r[position[f.Name()]])).Level(0, 0, leaf)
		}
		rows = append(rows, row)
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, schema)
	if _, err := w.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}
