package pool

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/roach88/recstore/internal/backend"
)

// Conn is a connection checked out of a Pool. It implements
// backend.Querier, rebinding placeholders for the pool's engine.
type Conn struct {
	pool *Pool
	slot *slot

	released atomic.Bool
	broken   atomic.Bool

	mu    sync.Mutex
	fault error
}

var _ backend.Querier = (*Conn)(nil)

// Engine returns the connection's engine.
func (c *Conn) Engine() backend.Engine {
	return c.pool.engine
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := c.slot.conn.ExecContext(ctx, c.pool.engine.Rebind(query), args...)
	c.Observe(err)
	return res, err
}

func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.slot.conn.QueryContext(ctx, c.pool.engine.Rebind(query), args...)
	c.Observe(err)
	return rows, err
}

func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	row := c.slot.conn.QueryRowContext(ctx, c.pool.engine.Rebind(query), args...)
	c.Observe(row.Err())
	return row
}

// BeginTx starts a transaction on the connection.
func (c *Conn) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := c.slot.conn.BeginTx(ctx, opts)
	c.Observe(err)
	return tx, err
}

// Observe marks the connection broken if err is an engine failure. Errors
// from row iteration and Scan reach the pool through here.
func (c *Conn) Observe(err error) {
	if !backend.Discardable(c.pool.engine, err) {
		return
	}
	c.MarkBroken(err)
}

// MarkBroken forces the connection to be discarded at release.
func (c *Conn) MarkBroken(cause error) {
	c.mu.Lock()
	if c.fault == nil {
		c.fault = cause
	}
	c.mu.Unlock()
	c.broken.Store(true)
}

// Broken reports whether the connection will be discarded at release.
func (c *Conn) Broken() bool {
	return c.broken.Load()
}

// Release returns the connection to its pool.
func (c *Conn) Release() {
	c.pool.Release(c)
}

func (c *Conn) cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}
