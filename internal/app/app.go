// Package app initializes and holds long-lived application services, acting as a dependency
// injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/court-crawler/internal/api"
	"github.com/JakeFAU/court-crawler/internal/clock/system"
	"github.com/JakeFAU/court-crawler/internal/config"
	"github.com/JakeFAU/court-crawler/internal/court"
	"github.com/JakeFAU/court-crawler/internal/dispatcher"
	"github.com/JakeFAU/court-crawler/internal/export"
	"github.com/JakeFAU/court-crawler/internal/hash/sha256"
	"github.com/JakeFAU/court-crawler/internal/id/uuid"
	"github.com/JakeFAU/court-crawler/internal/lookup"
	"github.com/JakeFAU/court-crawler/internal/orchestrator"
	"github.com/JakeFAU/court-crawler/internal/planner"
	"github.com/JakeFAU/court-crawler/internal/policy/retry"
	"github.com/JakeFAU/court-crawler/internal/portal"
	collytransport "github.com/JakeFAU/court-crawler/internal/portal/colly"
	"github.com/JakeFAU/court-crawler/internal/portal/dialect"
	headlesstransport "github.com/JakeFAU/court-crawler/internal/portal/headless"
	pubsubpublisher "github.com/JakeFAU/court-crawler/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/court-crawler/internal/queue/memory"
	"github.com/JakeFAU/court-crawler/internal/storage/blob"
	"github.com/JakeFAU/court-crawler/internal/storage/gcs"
	"github.com/JakeFAU/court-crawler/internal/storage/memory"
	"github.com/JakeFAU/court-crawler/internal/storage/postgres"
	"github.com/JakeFAU/court-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/court-crawler/internal/sweeper"
)

// TaskStore is the queue surface every store driver provides.
type TaskStore interface {
	court.TaskQueue
	court.LeaseSweeper
	court.QueueStats
}

// CaseStore is the case surface every store driver provides.
type CaseStore interface {
	court.CaseRepository
	court.CaseReader
}

// App holds the shared, long-lived services. It is built once per command and closed by
// the root command's post-run hook.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock
	ids    court.IDGenerator
	policy retry.Policy

	tasks  TaskStore
	ledger court.Ledger
	cases  CaseStore
	ping   func(ctx context.Context) error

	mu      sync.Mutex
	closers []func() error
	roster  *planner.Roster
}

// New opens the configured store and returns the container.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		policy: retry.New(cfg.Retry),
		ping:   func(context.Context) error { return nil },
	}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Driver),
		zap.String("family", string(cfg.Family())))
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	st := a.cfg.Store
	switch st.Driver {
	case config.DriverMemory:
		a.tasks = queuememory.NewQueue(a.cfg.Crawler.LeaseDuration, a.clock, a.ids)
		a.ledger = memory.NewLedger()
		a.cases = memory.NewCaseStore()
	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, st.DSN)
		if err != nil {
			return err
		}
		a.addCloser(db.Close)
		if st.Migrate {
			if err := db.Migrate(ctx); err != nil {
				return errors.Join(err, a.Close())
			}
		}
		q, err := sqlite.NewQueue(db, sqlite.QueueConfig{
			Lease:        a.cfg.Crawler.LeaseDuration,
			ClaimRetries: a.cfg.Crawler.ClaimRetries,
			Backoff:      a.policy,
			Clock:        a.clock,
			IDs:          a.ids,
		}, a.logger)
		if err != nil {
			return errors.Join(err, a.Close())
		}
		a.tasks = q
		a.ledger = sqlite.NewLedger(db, a.clock)
		a.cases = sqlite.NewCaseStore(db)
		a.ping = db.Ping
	case config.DriverPostgres:
		db, err := postgres.Open(ctx, postgres.Config{DSN: st.DSN, MaxConns: int32(st.MaxConns)})
		if err != nil {
			return err
		}
		a.addCloser(func() error { db.Close(); return nil })
		if st.Migrate {
			if err := db.Migrate(ctx); err != nil {
				return errors.Join(err, a.Close())
			}
		}
		q, err := postgres.NewQueue(db, postgres.QueueConfig{
			Lease:        a.cfg.Crawler.LeaseDuration,
			ClaimRetries: a.cfg.Crawler.ClaimRetries,
			Backoff:      a.policy,
			Clock:        a.clock,
			IDs:          a.ids,
		}, a.logger)
		if err != nil {
			return errors.Join(err, a.Close())
		}
		a.tasks = q
		a.ledger = postgres.NewLedger(db)
		a.cases = postgres.NewCaseStore(db)
		a.ping = db.Ping
	default:
		return fmt.Errorf("unknown store driver %q", st.Driver)
	}
	return nil
}

func (a *App) addCloser(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Config returns the loaded configuration.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Tasks returns the task queue.
func (a *App) Tasks() TaskStore { return a.tasks }

// Ledger returns the search ledger.
func (a *App) Ledger() court.Ledger { return a.ledger }

// Cases returns the case repository.
func (a *App) Cases() CaseStore { return a.cases }

// Ping checks that the store is reachable.
func (a *App) Ping(ctx context.Context) error { return a.ping(ctx) }

// Roster loads the court roster on first use.
func (a *App) Roster() (*planner.Roster, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.roster != nil {
		return a.roster, nil
	}
	if a.cfg.Roster.Path == "" {
		return nil, errors.New("roster.path is not set")
	}
	r, err := planner.LoadRoster(a.cfg.Roster.Path)
	if err != nil {
		return nil, err
	}
	a.roster = r
	return r, nil
}

// Planner returns a planner writing to the task queue.
func (a *App) Planner() *planner.Planner {
	return planner.New(a.tasks, a.logger)
}

// NewSession builds a portal session for family over the configured transport. The session
// is closed with the App.
func (a *App) NewSession(family court.Family) (*portal.Session, error) {
	dcfg, err := a.cfg.Dialect(family)
	if err != nil {
		return nil, err
	}
	sel, err := dialect.New(family, dcfg)
	if err != nil {
		return nil, err
	}
	pc := a.cfg.Portal
	var transport portal.Transport
	switch pc.Transport {
	case config.TransportHeadless:
		transport = headlesstransport.New(headlesstransport.Config{
			UserAgent:         pc.UserAgent,
			NavigationTimeout: pc.NavigationTimeout,
			ExecPath:          pc.ChromePath,
		})
	default:
		t, err := collytransport.New(collytransport.Config{UserAgent: pc.UserAgent, Timeout: pc.RequestTimeout})
		if err != nil {
			return nil, fmt.Errorf("build http transport: %w", err)
		}
		transport = t
	}
	session := portal.NewSession(transport, sel, portal.Config{MinInterval: pc.MinInterval}, a.logger)
	a.addCloser(session.Close)
	return session, nil
}

// Dispatcher builds one orchestrator per configured worker, each with its own session.
func (a *App) Dispatcher() (*dispatcher.Dispatcher, error) {
	family := a.cfg.Family()
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "crawler"
	}
	cc := a.cfg.Crawler
	workers := make([]dispatcher.Runner, 0, cc.Workers)
	for i := 0; i < cc.Workers; i++ {
		session, err := a.NewSession(family)
		if err != nil {
			return nil, err
		}
		o, err := orchestrator.New(a.tasks, a.ledger, a.cases, session, family, a.policy, orchestrator.Config{
			Worker:           fmt.Sprintf("%s-%s-%d", host, family, i),
			IdleBackoffMin:   cc.IdleBackoffMin,
			IdleBackoffMax:   cc.IdleBackoffMax,
			SkipCurrentCases: cc.SkipCurrentCases,
			ExitWhenEmpty:    cc.ExitWhenEmpty,
			Clock:            a.clock,
		}, a.logger)
		if err != nil {
			return nil, err
		}
		workers = append(workers, o)
	}
	return dispatcher.New(a.tasks, workers, a.logger), nil
}

// Sweeper returns a lease sweeper over the task queue.
func (a *App) Sweeper() (*sweeper.Sweeper, error) {
	return sweeper.New(a.tasks, a.clock, a.cfg.Sweeper.Interval, a.logger)
}

// Lookup returns a single-case lookup service with its own session.
func (a *App) Lookup() (*lookup.Service, error) {
	family := a.cfg.Family()
	session, err := a.NewSession(family)
	if err != nil {
		return nil, err
	}
	return lookup.New(session, a.cases, family, a.policy, a.clock, a.logger)
}

// Exporter builds an exporter over the configured bucket and optional Pub/Sub topic.
func (a *App) Exporter(ctx context.Context) (*export.Exporter, error) {
	ec := a.cfg.Export
	var blobs court.BlobStore
	switch {
	case ec.GCSBucket != "":
		s, err := gcs.Open(ctx, gcs.Config{Bucket: ec.GCSBucket, Prefix: ec.Prefix})
		if err != nil {
			return nil, err
		}
		a.addCloser(s.Close)
		blobs = s
	case ec.BucketURL != "":
		s, err := blob.Open(ctx, ec.BucketURL, ec.Prefix)
		if err != nil {
			return nil, err
		}
		a.addCloser(s.Close)
		blobs = s
	default:
		return nil, errors.New("export.bucket_url or export.gcs_bucket must be set")
	}

	var publisher court.Publisher
	ps := a.cfg.PubSub
	if ps.ProjectID != "" && ps.TopicName != "" {
		p, err := pubsubpublisher.Open(ctx, ps.ProjectID, ps.TopicName, a.logger)
		if err != nil {
			return nil, err
		}
		a.addCloser(p.Close)
		publisher = p
	}

	var names export.CourtNames
	if r, err := a.Roster(); err == nil {
		names = r
	} else {
		a.logger.Warn("court roster unavailable; court names fall back to FIPS codes", zap.Error(err))
	}

	return export.New(a.cases, blobs, sha256.New(), publisher, names, a.clock, export.Config{
		Parquet: ec.Parquet,
		Topic:   ps.TopicName,
		WorkDir: ec.WorkDir,
	}, a.logger)
}

// Server builds the HTTP API. Lookups and the roster are optional: failures to build them
// are logged and the matching routes answer 503.
func (a *App) Server() (*api.Server, error) {
	sw, err := a.Sweeper()
	if err != nil {
		return nil, err
	}
	deps := api.Deps{
		Planner: a.Planner(),
		Queue:   a.tasks,
		Cases:   a.cases,
		Sweeper: sw,
		Ready:   a.Ping,
	}
	if r, err := a.Roster(); err == nil {
		deps.Roster = r
	} else {
		a.logger.Warn("court roster unavailable", zap.Error(err))
	}
	if lk, err := a.Lookup(); err == nil {
		deps.Lookup = lk
	} else {
		a.logger.Warn("lookup service unavailable", zap.Error(err))
	}
	return api.NewServer(deps, a.cfg.Server.RequestTimeout, a.logger), nil
}

// Close releases sessions, stores and clients in reverse order of creation.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
