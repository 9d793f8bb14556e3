// Package pool is a fixed-size pool of prepared database connections.
//
// Slots are filled lazily: a connection is opened and prepared with the
// engine's per-connection pragmas the first time its slot is acquired.
// A connection that fails with an engine error is marked broken and
// discarded at release; its slot refills on the next acquisition. There are
// no background health checks.
//
// Each caller must Release exactly what it Acquires, typically via defer:
//
//	conn, err := p.Acquire(ctx, 0)
//	if err != nil {
//	    return err
//	}
//	defer p.Release(conn)
package pool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/telemetry"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultSize           = 5
	DefaultAcquireTimeout = 5 * time.Second
)

// Config holds the parameters of a Pool.
type Config struct {
	// Size is the number of connections. Fixed for the pool's lifetime.
	Size int

	// AcquireTimeout bounds Acquire calls that pass no timeout.
	AcquireTimeout time.Duration

	// Logger receives pool open/close and discard messages. If nil, a no-op
	// logger is used.
	Logger *slog.Logger

	// Metrics records acquisition waits, timeouts and discards. May be nil.
	Metrics *telemetry.Metrics
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	Size      int
	Idle      int
	InUse     int
	Opened    int64
	Discarded int64
}

// slot holds one pooled connection, or nil until first use.
type slot struct {
	conn *sql.Conn
}

// Pool is safe for concurrent use. Individual connections are not: each
// goroutine must Acquire its own.
type Pool struct {
	db      *sql.DB
	engine  backend.Engine
	size    int
	timeout time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics

	idle chan *slot
	done chan struct{}

	mu     sync.Mutex
	closed bool

	inUse     atomic.Int64
	opened    atomic.Int64
	discarded atomic.Int64
}

// New creates a pool of cfg.Size connections drawn from db. The pool caps
// db's own open connections at the same size.
func New(db *sql.DB, engine backend.Engine, cfg Config) (*Pool, error) {
	if db == nil || engine == nil {
		return nil, fault.Validation("pool.new", "database and engine are required")
	}
	if cfg.Size < 0 {
		return nil, fault.Validation("pool.new", "pool size %d must be positive", cfg.Size)
	}
	if cfg.Size == 0 {
		cfg.Size = DefaultSize
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = DefaultAcquireTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	db.SetMaxOpenConns(cfg.Size)
	db.SetMaxIdleConns(cfg.Size)

	p := &Pool{
		db:      db,
		engine:  engine,
		size:    cfg.Size,
		timeout: cfg.AcquireTimeout,
		logger:  logger,
		metrics: cfg.Metrics,
		idle:    make(chan *slot, cfg.Size),
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.Size; i++ {
		p.idle <- &slot{}
	}

	logger.Info("connection pool opened",
		"engine", engine.Name(),
		"pool_size", cfg.Size,
		"acquire_timeout", cfg.AcquireTimeout,
	)
	return p, nil
}

// Engine returns the engine the pool's connections belong to.
func (p *Pool) Engine() backend.Engine {
	return p.engine
}

// Acquire borrows a connection, waiting up to timeout (the pool default when
// timeout is zero) for one to become idle. It fails with POOL_TIMEOUT when
// the wait elapses or ctx's deadline passes first, and with POOL_CLOSED once
// the pool is closed.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	if p.isClosed() {
		return nil, fault.New(fault.CodePoolClosed, "pool.acquire", "pool is closed")
	}
	if timeout <= 0 {
		timeout = p.timeout
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var s *slot
	select {
	case s = <-p.idle:
	case <-timer.C:
		p.metrics.RecordPoolTimeout(ctx)
		return nil, fault.New(fault.CodePoolTimeout, "pool.acquire",
			"no connection available within %s (size %d)", timeout, p.size)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			p.metrics.RecordPoolTimeout(ctx)
			return nil, fault.Wrap(fault.CodePoolTimeout, "pool.acquire", ctx.Err())
		}
		return nil, ctx.Err()
	case <-p.done:
		return nil, fault.New(fault.CodePoolClosed, "pool.acquire", "pool is closed")
	}

	if p.isClosed() {
		p.closeSlot(s)
		return nil, fault.New(fault.CodePoolClosed, "pool.acquire", "pool is closed")
	}

	if s.conn == nil {
		if err := p.fill(ctx, s); err != nil {
			p.idle <- s
			return nil, err
		}
	}

	p.inUse.Add(1)
	p.metrics.AddInUse(ctx, 1)
	p.metrics.RecordAcquire(ctx, time.Since(start))
	return &Conn{pool: p, slot: s}, nil
}

// fill opens and prepares the connection of an empty slot.
func (p *Pool) fill(ctx context.Context, s *slot) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fault.Storage("pool.connect", err)
	}
	if err := p.engine.Prepare(ctx, conn); err != nil {
		invalidate(conn)
		return fault.Storage("pool.prepare", err)
	}
	s.conn = conn
	p.opened.Add(1)
	return nil
}

// Release returns c to the pool. Broken connections are discarded and
// their slot emptied. Releasing the same Conn twice is a no-op.
func (p *Pool) Release(c *Conn) {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	ctx := context.Background()
	p.inUse.Add(-1)
	p.metrics.AddInUse(ctx, -1)

	s := c.slot
	if c.broken.Load() {
		invalidate(s.conn)
		s.conn = nil
		p.discarded.Add(1)
		p.metrics.RecordDiscard(ctx)
		p.logger.Warn("discarded broken connection",
			"engine", p.engine.Name(),
			"error", c.cause(),
		)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.closeSlot(s)
		return
	}
	p.idle <- s
}

// With acquires a connection with the default timeout, runs fn and releases
// the connection however fn returns.
func (p *Pool) With(ctx context.Context, fn func(*Conn) error) error {
	conn, err := p.Acquire(ctx, 0)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Size:      p.size,
		Idle:      len(p.idle),
		InUse:     int(p.inUse.Load()),
		Opened:    p.opened.Load(),
		Discarded: p.discarded.Load(),
	}
}

// Close closes idle connections and fails subsequent acquisitions with
// POOL_CLOSED. Connections still in use are closed when released. Close is
// idempotent and does not close the underlying *sql.DB.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	var errs []error
drain:
	for {
		select {
		case s := <-p.idle:
			if err := p.closeSlot(s); err != nil {
				errs = append(errs, err)
			}
		default:
			break drain
		}
	}

	p.logger.Info("connection pool closed",
		"engine", p.engine.Name(),
		"opened", p.opened.Load(),
		"discarded", p.discarded.Load(),
	)
	return errors.Join(errs...)
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) closeSlot(s *slot) error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// invalidate closes conn and makes database/sql drop the underlying driver
// connection instead of returning it to its idle list.
func invalidate(conn *sql.Conn) {
	_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = conn.Close()
}
