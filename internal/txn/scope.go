package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/pool"
	"github.com/roach88/recstore/internal/telemetry"
)

// State is the lifecycle state of a Scope.
type State int

const (
	Active State = iota
	Committed
	RolledBack
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Committed:
		return "committed"
	case RolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Manager begins top-level scopes on connections drawn from a pool.
type Manager struct {
	pool    *pool.Pool
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithMetrics records rollbacks on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManager creates a Manager. A nil logger discards output.
func NewManager(p *pool.Pool, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	m := &Manager{pool: p, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin acquires a connection and starts a transaction on it.
func (m *Manager) Begin(ctx context.Context) (*Scope, error) {
	return m.BeginTx(ctx, nil)
}

// BeginTx is Begin with explicit transaction options.
func (m *Manager) BeginTx(ctx context.Context, opts *sql.TxOptions) (*Scope, error) {
	conn, err := m.pool.Acquire(ctx, 0)
	if err != nil {
		return nil, err
	}
	tx, err := conn.BeginTx(ctx, opts)
	if err != nil {
		m.pool.Release(conn)
		return nil, fault.Storage("txn.begin", err)
	}
	return &Scope{mgr: m, conn: conn, tx: tx}, nil
}

// Run executes fn in a new top-level scope, committing when fn returns nil
// and rolling back when it returns an error or panics. Panics are re-raised
// after rollback.
func (m *Manager) Run(ctx context.Context, fn func(*Scope) error) error {
	return m.RunTx(ctx, nil, fn)
}

// RunTx is Run with explicit transaction options.
func (m *Manager) RunTx(ctx context.Context, opts *sql.TxOptions, fn func(*Scope) error) error {
	s, err := m.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	return s.run(fn)
}

// Scope is a unit of work: a transaction, or a savepoint within one.
type Scope struct {
	mgr       *Manager
	conn      *pool.Conn
	tx        *sql.Tx
	parent    *Scope
	child     *Scope
	savepoint string
	depth     int
	state     State
}

var _ backend.Querier = (*Scope)(nil)

// State returns the scope's lifecycle state.
func (s *Scope) State() State { return s.state }

// Depth is 0 for a top-level scope and grows by one per nesting level.
func (s *Scope) Depth() int { return s.depth }

// Savepoint returns the savepoint name of a nested scope, or "".
func (s *Scope) Savepoint() string { return s.savepoint }

// Engine returns the engine of the scope's connection.
func (s *Scope) Engine() backend.Engine { return s.conn.Engine() }

// Nested opens a savepoint scope inside s.
func (s *Scope) Nested(ctx context.Context) (*Scope, error) {
	if s.state != Active {
		return nil, fault.New(fault.CodeScope, "txn.nested", "cannot nest in a %s scope", s.state)
	}
	if s.child != nil && s.child.state == Active {
		return nil, fault.New(fault.CodeScope, "txn.nested", "scope already has an active nested scope")
	}

	name := "sp_" + strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", "")
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		s.conn.Observe(err)
		return nil, fault.Storage("txn.nested", err)
	}

	child := &Scope{
		mgr:       s.mgr,
		conn:      s.conn,
		tx:        s.tx,
		parent:    s,
		savepoint: name,
		depth:     s.depth + 1,
	}
	s.child = child
	return child, nil
}

// RunNested executes fn in a nested scope of s with the commit and rollback
// rules of Manager.Run. s stays active whatever fn does.
func (s *Scope) RunNested(ctx context.Context, fn func(*Scope) error) error {
	child, err := s.Nested(ctx)
	if err != nil {
		return err
	}
	return child.run(fn)
}

// Commit makes the scope's work part of its parent or, for a top-level
// scope, durable. The connection of a top-level scope is released whether
// the commit succeeds or not.
func (s *Scope) Commit() error {
	if s.state != Active {
		return fault.New(fault.CodeScope, "txn.commit", "scope already %s", s.state)
	}
	if s.child != nil && s.child.state == Active {
		return fault.New(fault.CodeScope, "txn.commit", "nested scope %s is still active", s.child.savepoint)
	}

	if s.parent != nil {
		if _, err := s.tx.ExecContext(context.Background(), "RELEASE SAVEPOINT "+s.savepoint); err != nil {
			s.conn.Observe(err)
			return fault.Storage("txn.commit", errors.Join(err, s.Rollback()))
		}
		s.finish(Committed)
		return nil
	}

	err := s.tx.Commit()
	s.conn.Observe(err)
	s.mgr.pool.Release(s.conn)
	if err != nil {
		s.finish(RolledBack)
		return fault.Storage("txn.commit", err)
	}
	s.finish(Committed)
	return nil
}

// Rollback discards the scope's work and that of every active descendant.
// A nested rollback leaves the parent active. Rollback of a finished scope
// is a no-op.
func (s *Scope) Rollback() error {
	if s.state != Active {
		return nil
	}
	for c := s.child; c != nil; c = c.child {
		if c.state == Active {
			c.state = RolledBack
		}
	}

	ctx := context.Background()
	if s.parent != nil {
		s.finish(RolledBack)
		s.mgr.metrics.RecordRollback(ctx, telemetry.ScopeNested)
		s.mgr.logger.Debug("scope rolled back", "kind", telemetry.ScopeNested, "savepoint", s.savepoint, "depth", s.depth)

		if _, err := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+s.savepoint); err != nil {
			s.conn.Observe(err)
			return fault.Storage("txn.rollback", err)
		}
		if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+s.savepoint); err != nil {
			s.conn.Observe(err)
			return fault.Storage("txn.rollback", err)
		}
		return nil
	}

	s.finish(RolledBack)
	s.mgr.metrics.RecordRollback(ctx, telemetry.ScopeTop)
	s.mgr.logger.Debug("scope rolled back", "kind", telemetry.ScopeTop)

	err := s.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		// The transaction's context was cancelled and database/sql already
		// rolled it back.
		err = nil
	}
	s.conn.Observe(err)
	s.mgr.pool.Release(s.conn)
	return fault.Storage("txn.rollback", err)
}

func (s *Scope) finish(state State) {
	s.state = state
	if s.parent != nil && s.parent.child == s {
		s.parent.child = nil
	}
}

func (s *Scope) run(fn func(*Scope) error) error {
	defer func() {
		if r := recover(); r != nil {
			_ = s.Rollback()
			panic(r)
		}
	}()

	if err := fn(s); err != nil {
		if rbErr := s.Rollback(); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if s.state != Active {
		// fn finished the scope itself.
		return nil
	}
	return s.Commit()
}

// Observe marks the scope's connection broken if err is an engine failure.
// Use it for errors surfaced by Rows iteration or Scan.
func (s *Scope) Observe(err error) {
	s.conn.Observe(err)
}

func (s *Scope) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if s.state != Active {
		return nil, fault.New(fault.CodeScope, "txn.exec", "scope already %s", s.state)
	}
	res, err := s.tx.ExecContext(ctx, s.conn.Engine().Rebind(query), args...)
	s.conn.Observe(err)
	return res, err
}

func (s *Scope) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if s.state != Active {
		return nil, fault.New(fault.CodeScope, "txn.query", "scope already %s", s.state)
	}
	rows, err := s.tx.QueryContext(ctx, s.conn.Engine().Rebind(query), args...)
	s.conn.Observe(err)
	return rows, err
}

// QueryRowContext runs on the scope's transaction. Unlike ExecContext it
// does not check the scope state; a finished top-level scope yields
// sql.ErrTxDone at Scan.
func (s *Scope) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	row := s.tx.QueryRowContext(ctx, s.conn.Engine().Rebind(query), args...)
	s.conn.Observe(row.Err())
	return row
}
