// Package facade is the single entry point external layers use to reach the
// record store. A Facade owns the database, pool and store it builds; it
// initializes on first use and is released with Close or by Run.
package facade

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/config"
	"github.com/roach88/recstore/internal/digest"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/logging"
	"github.com/roach88/recstore/internal/pool"
	"github.com/roach88/recstore/internal/store"
	"github.com/roach88/recstore/internal/telemetry"
	"github.com/roach88/recstore/internal/txn"
)

// Option configures a Facade.
type Option func(*Facade)

// WithLogger sets the base logger. Components log with a component
// attribute derived from it.
func WithLogger(l *slog.Logger) Option {
	return func(f *Facade) { f.logger = l }
}

// WithClock sets the clock assigning claim times.
func WithClock(c store.Clock) Option {
	return func(f *Facade) { f.clock = c }
}

// WithMeter enables metrics recorded through meter.
func WithMeter(m metric.Meter) Option {
	return func(f *Facade) { f.meter = m }
}

// WithDigestService replaces the digest service built from configuration.
// The escalation state of svc is then shared with every holder of it.
func WithDigestService(svc *digest.Service) Option {
	return func(f *Facade) { f.digests = svc }
}

// Facade wraps a lazily built Store. Safe for concurrent use.
type Facade struct {
	cfg     config.Config
	logger  *slog.Logger
	clock   store.Clock
	meter   metric.Meter
	digests *digest.Service

	mu     sync.Mutex
	closed bool
	db     *sql.DB
	pool   *pool.Pool
	store  *store.Store
}

// New returns an uninitialized Facade for cfg. Nothing is opened until
// Initialize or the first operation.
func New(cfg config.Config, opts ...Option) *Facade {
	f := &Facade{cfg: cfg}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = logging.Discard()
	}
	return f
}

// Initialize opens the database, applies the schema and builds the store.
// Calling it again after success is a no-op; after a failure it may be
// retried. It fails with POOL_CLOSED once the Facade is closed.
func (f *Facade) Initialize(ctx context.Context) error {
	_, err := f.ensure(ctx)
	return err
}

func (f *Facade) ensure(ctx context.Context) (*store.Store, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, fault.New(fault.CodePoolClosed, "facade", "facade is closed")
	}
	if f.store != nil {
		return f.store, nil
	}
	if err := f.open(ctx); err != nil {
		return nil, err
	}
	return f.store, nil
}

// open builds every component. Called with f.mu held.
func (f *Facade) open(ctx context.Context) error {
	engine, err := backend.Lookup(f.cfg.Database.Engine)
	if err != nil {
		return fault.Validation("facade.open", "%v", err)
	}

	var metrics *telemetry.Metrics
	if f.meter != nil {
		if metrics, err = telemetry.NewMetrics(f.meter); err != nil {
			return fmt.Errorf("create metrics: %w", err)
		}
	}

	svc := f.digests
	if svc == nil {
		svc, err = digest.NewService(f.cfg.Algorithm(),
			digest.WithLadder(f.cfg.Ladder()...),
			digest.WithLogger(logging.WithComponent(f.logger, "digest")),
			digest.WithEscalationHook(func(ctx context.Context, from, to digest.Algorithm) {
				metrics.RecordEscalation(ctx, string(from), string(to))
			}),
		)
		if err != nil {
			return err
		}
	}

	location := f.cfg.Location()
	if err := prepareLocation(engine, location); err != nil {
		return err
	}
	db, err := engine.Open(ctx, engine.DSN(location))
	if err != nil {
		return fault.Storage("facade.open", err)
	}
	if err := engine.Migrate(ctx, db); err != nil {
		db.Close()
		return fault.Storage("facade.migrate", err)
	}

	p, err := pool.New(db, engine, pool.Config{
		Size:           f.cfg.Pool.Size,
		AcquireTimeout: f.cfg.Pool.AcquireTimeout,
		Logger:         logging.WithComponent(f.logger, "pool"),
		Metrics:        metrics,
	})
	if err != nil {
		db.Close()
		return err
	}

	txns := txn.NewManager(p, logging.WithComponent(f.logger, "txn"), txn.WithMetrics(metrics))
	f.db, f.pool = db, p
	f.store = store.New(p, txns, svc, store.Options{
		Clock:            f.clock,
		MaxContentSize:   f.cfg.Store.MaxContentSize,
		OperationTimeout: f.cfg.Store.OperationTimeout,
		Logger:           logging.WithComponent(f.logger, "store"),
		Metrics:          metrics,
	})
	f.logger.Debug("record store initialized",
		"engine", engine.Name(),
		"algorithm", svc.Active(),
	)
	return nil
}

// prepareLocation creates the parent directory of a SQLite file.
func prepareLocation(engine backend.Engine, location string) error {
	if engine.Name() == "postgres" || strings.HasPrefix(location, "file:") || location == ":memory:" {
		return nil
	}
	dir := filepath.Dir(location)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Storage("facade.open", fmt.Errorf("create %s: %w", dir, err))
	}
	return nil
}

// Close releases the pool and the database. It is safe to call on a Facade
// that was never initialized, and more than once. Every later operation
// fails with POOL_CLOSED.
func (f *Facade) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	if f.store == nil {
		return nil
	}

	err := errors.Join(f.pool.Close(), f.db.Close())
	f.store, f.pool, f.db = nil, nil, nil
	return err
}

// Run opens a Facade for cfg, passes it to fn and closes it on every exit
// path, panics included.
func Run(ctx context.Context, cfg config.Config, fn func(*Facade) error, opts ...Option) (err error) {
	f := New(cfg, opts...)
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			err = errors.Join(err, fmt.Errorf("close: %w", closeErr))
		}
	}()

	if err := f.Initialize(ctx); err != nil {
		return err
	}
	return fn(f)
}

// Active returns the active digest algorithm.
func (f *Facade) Active(ctx context.Context) (digest.Algorithm, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return "", err
	}
	return s.Digests().Active(), nil
}

// NormalizeDigest validates d and returns its canonical lowercase form.
func (f *Facade) NormalizeDigest(ctx context.Context, d string) (string, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return "", err
	}
	return s.Digests().Registry().ValidDigest(d)
}

// Stats reports the connection pool counters.
func (f *Facade) Stats(ctx context.Context) (pool.Stats, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return pool.Stats{}, err
	}
	return s.Stats(), nil
}

// Create stores content. See store.Store.Create.
func (f *Facade) Create(ctx context.Context, content []byte) (store.Record, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return store.Record{}, err
	}
	return s.Create(ctx, content)
}

// CreateText stores the UTF-8 bytes of text.
func (f *Facade) CreateText(ctx context.Context, text string) (store.Record, error) {
	return f.Create(ctx, []byte(text))
}

// Get reads the record stored under digest.
func (f *Facade) Get(ctx context.Context, d string) (store.Record, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return store.Record{}, err
	}
	return s.Get(ctx, d)
}

// Has reports whether a record is stored under digest.
func (f *Facade) Has(ctx context.Context, d string) (bool, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return false, err
	}
	return s.Has(ctx, d)
}

// GetMany reads the records stored under digests.
func (f *Facade) GetMany(ctx context.Context, digests []string) (map[string]store.Record, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return s.GetMany(ctx, digests)
}

// List returns records in a claim-time window.
func (f *Facade) List(ctx context.Context, q store.ListQuery) ([]store.Record, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return s.List(ctx, q)
}

// Page returns one page of a claim-time window.
func (f *Facade) Page(ctx context.Context, q store.PageQuery) (store.Page, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return store.Page{}, err
	}
	return s.Page(ctx, q)
}

// Scan streams the records of q. Initialization happens when iteration
// starts.
func (f *Facade) Scan(ctx context.Context, q store.ListQuery) iter.Seq2[store.Record, error] {
	return func(yield func(store.Record, error) bool) {
		s, err := f.ensure(ctx)
		if err != nil {
			yield(store.Record{}, err)
			return
		}
		for rec, err := range s.Scan(ctx, q) {
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Count returns the number of records claimed within [start, end].
func (f *Facade) Count(ctx context.Context, start, end *time.Time) (int, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return 0, err
	}
	return s.Count(ctx, start, end)
}

// Delete removes the record stored under digest.
func (f *Facade) Delete(ctx context.Context, d string) (bool, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return false, err
	}
	return s.Delete(ctx, d)
}

// DeleteMany removes the records stored under digests.
func (f *Facade) DeleteMany(ctx context.Context, digests []string) (int, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return 0, err
	}
	return s.DeleteMany(ctx, digests)
}

// SaveMany stores a batch of records.
func (f *Facade) SaveMany(ctx context.Context, records []store.Record) (store.BatchResult, error) {
	s, err := f.ensure(ctx)
	if err != nil {
		return store.BatchResult{}, err
	}
	return s.SaveMany(ctx, records)
}

// Do runs fn in a transaction scope.
func (f *Facade) Do(ctx context.Context, fn func(*store.Tx) error) error {
	s, err := f.ensure(ctx)
	if err != nil {
		return err
	}
	return s.Do(ctx, fn)
}
