// Package export builds bulk case extracts and publishes them to blob storage.
//
// An extract is a zip archive holding <name>.csv (one row per case, attributes flattened into
// columns), <name>_details.csv (case counts per court) and, optionally, <name>.parquet. A JSON
// manifest with the archive checksum is stored next to the archive and, when a topic is
// configured, published as a notification.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/metrics"
)

// Config tunes extract output.
type Config struct {
	// Prefix is prepended to every object path.
	Prefix string
	// Parquet adds a parquet copy of the case table to the archive.
	Parquet bool
	// Topic receives the manifest when a publisher is configured.
	Topic string
	// WorkDir keeps a local copy of each archive when set.
	WorkDir string
}

// CourtNames resolves display names for the Court column.
type CourtNames interface {
	Name(family court.Family, id court.ID) (string, bool)
}

// Selection picks the records of one extract. Year filters on the details-fetched-for date
// and Court on the FIPS code; at least one of them must be set.
type Selection struct {
	Category court.Category
	Year     int
	Court    court.ID
}

// Validate checks the selection.
func (s Selection) Validate() error {
	if !s.Category.Valid() {
		return fmt.Errorf("unknown case category %q", s.Category)
	}
	if s.Year == 0 && s.Court == 0 {
		return errors.New("a year or a court is required")
	}
	if s.Year < 0 || s.Court < 0 {
		return errors.New("year and court must be positive")
	}
	return nil
}

// Name is the base file name, e.g. "circuit_criminal_cases_2021" or
// "district_civil_cases_059_2021".
func (s Selection) Name() string {
	var b strings.Builder
	b.WriteString(snake(string(s.Category)))
	b.WriteString("_cases")
	if s.Court > 0 {
		b.WriteString("_" + s.Court.String())
	}
	if s.Year > 0 {
		fmt.Fprintf(&b, "_%d", s.Year)
	}
	return b.String()
}

// Filter converts the selection to a case filter.
func (s Selection) Filter() court.CaseFilter {
	f := court.CaseFilter{Category: s.Category, Court: s.Court}
	if s.Year > 0 {
		f.FetchedFrom = time.Date(s.Year, time.January, 1, 0, 0, 0, 0, time.UTC)
		f.FetchedTo = f.FetchedFrom.AddDate(1, 0, 0)
	}
	return f
}

func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Manifest describes a published extract.
type Manifest struct {
	Name      string         `json:"name"`
	Category  court.Category `json:"category"`
	Year      int            `json:"year,omitempty"`
	Court     string         `json:"court,omitempty"`
	URI       string         `json:"uri"`
	Checksum  string         `json:"checksum"`
	ByteSize  int64          `json:"byte_size"`
	Cases     int            `json:"cases"`
	Skipped   int            `json:"skipped"`
	Courts    map[string]int `json:"courts"`
	Files     []string       `json:"files"`
	CreatedAt time.Time      `json:"created_at"`
}

// Result reports one export run.
type Result struct {
	Manifest    Manifest
	ManifestURI string
	MessageID   string
	LocalPath   string
}

// Exporter reads cases and writes extracts.
type Exporter struct {
	cases     court.CaseReader
	blobs     court.BlobStore
	hasher    court.Hasher
	publisher court.Publisher
	names     CourtNames
	clock     court.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Exporter. publisher and names may be nil.
func New(
	cases court.CaseReader,
	blobs court.BlobStore,
	hasher court.Hasher,
	publisher court.Publisher,
	names CourtNames,
	clock court.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Exporter, error) {
	if cases == nil || blobs == nil || hasher == nil || clock == nil {
		return nil, errors.New("case reader, blob store, hasher and clock are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{
		cases:     cases,
		blobs:     blobs,
		hasher:    hasher,
		publisher: publisher,
		names:     names,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("export"),
	}, nil
}

// Export builds, uploads and announces one extract.
func (e *Exporter) Export(ctx context.Context, sel Selection) (Result, error) {
	res, err := e.export(ctx, sel)
	if err != nil {
		metrics.ObserveExport("error")
		return Result{}, err
	}
	metrics.ObserveExport("success")
	return res, nil
}

func (e *Exporter) export(ctx context.Context, sel Selection) (Result, error) {
	if err := sel.Validate(); err != nil {
		return Result{}, err
	}
	name := sel.Name()
	logger := e.logger.With(zap.String("extract", name))

	records, err := e.cases.ListCases(ctx, sel.Filter())
	if err != nil {
		return Result{}, fmt.Errorf("list cases: %w", err)
	}
	tbl, skipped := flatten(records, e.courtName)
	if skipped > 0 {
		logger.Warn("skipped cases with portal errors", zap.Int("skipped", skipped))
	}

	files, err := e.render(name, tbl)
	if err != nil {
		return Result{}, err
	}
	now := e.clock.Now().UTC()
	archive, err := zipFiles(files, now)
	if err != nil {
		return Result{}, err
	}
	checksum, err := e.hasher.Hash(archive)
	if err != nil {
		return Result{}, fmt.Errorf("hash archive: %w", err)
	}

	res := Result{}
	if e.cfg.WorkDir != "" {
		local := filepath.Join(e.cfg.WorkDir, name+".zip")
		if err := os.WriteFile(local, archive, 0o600); err != nil {
			return Result{}, fmt.Errorf("write local archive: %w", err)
		}
		res.LocalPath = local
	}

	uri, err := e.blobs.PutObject(ctx, e.objectPath(name+".zip"), "application/zip", bytes.NewReader(archive))
	if err != nil {
		return Result{}, fmt.Errorf("upload archive: %w", err)
	}

	manifest := Manifest{
		Name:      name,
		Category:  sel.Category,
		Year:      sel.Year,
		URI:       uri,
		Checksum:  "sha256:" + checksum,
		ByteSize:  int64(len(archive)),
		Cases:     len(tbl.rows),
		Skipped:   skipped,
		Courts:    tbl.counts,
		CreatedAt: now,
	}
	if sel.Court > 0 {
		manifest.Court = sel.Court.String()
	}
	for _, f := range files {
		manifest.Files = append(manifest.Files, f.name)
	}
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return Result{}, fmt.Errorf("marshal manifest: %w", err)
	}
	manifestURI, err := e.blobs.PutObject(ctx, e.objectPath(name+".manifest.json"), "application/json", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("upload manifest: %w", err)
	}
	res.Manifest = manifest
	res.ManifestURI = manifestURI

	if e.publisher != nil && e.cfg.Topic != "" {
		id, err := e.publisher.Publish(ctx, e.cfg.Topic, manifest)
		if err != nil {
			return res, fmt.Errorf("publish manifest: %w", err)
		}
		res.MessageID = id
	}

	logger.Info("extract published",
		zap.String("uri", uri),
		zap.Int("cases", manifest.Cases),
		zap.Int64("bytes", manifest.ByteSize),
		zap.String("checksum", manifest.Checksum))
	return res, nil
}

func (e *Exporter) render(name string, tbl *table) ([]archiveFile, error) {
	cases, err := tbl.csv()
	if err != nil {
		return nil, err
	}
	details, err := tbl.detailsCSV()
	if err != nil {
		return nil, err
	}
	files := []archiveFile{
		{name: name + ".csv", data: cases},
		{name: name + "_details.csv", data: details},
	}
	if e.cfg.Parquet {
		pq, err := tbl.parquet()
		if err != nil {
			return nil, err
		}
		files = append(files, archiveFile{name: name + ".parquet", data: pq})
	}
	return files, nil
}

func (e *Exporter) courtName(r court.CaseRecord) string {
	if e.names != nil {
		if name, ok := e.names.Name(r.Category.Family(), r.Court); ok && name != "" {
			return name
		}
	}
	return r.Court.String()
}

func (e *Exporter) objectPath(file string) string {
	if e.cfg.Prefix == "" {
		return file
	}
	return path.Join(e.cfg.Prefix, file)
}
