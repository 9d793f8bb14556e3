// Package backend abstracts the embedded relational engine behind the
// record store.
//
// An Engine knows how to open a database, prepare each pooled connection,
// apply the schema and translate the store's SQL to its dialect. Three
// engines are provided:
//
//   - "sqlite": github.com/mattn/go-sqlite3 (CGO), the default
//   - "sqlite-purego": modernc.org/sqlite, a CGO-free build of SQLite
//   - "postgres": github.com/jackc/pgx/v5 through database/sql
//
// The store writes portable SQL with "?" placeholders; Rebind converts it.
// Insertion order is exposed through SeqColumn so that listings can break
// claimed_at ties deterministically.
package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Engine is a backing relational engine.
type Engine interface {
	// Name is the configuration key of the engine.
	Name() string

	// DSN builds a data source name from a file path or connection string.
	DSN(location string) string

	// Open opens and pings the database.
	Open(ctx context.Context, dsn string) (*sql.DB, error)

	// Prepare runs once per pooled connection before first use.
	Prepare(ctx context.Context, conn *sql.Conn) error

	// Migrate creates or upgrades the schema. Idempotent.
	Migrate(ctx context.Context, db *sql.DB) error

	// Rebind rewrites "?" placeholders into the engine's syntax.
	Rebind(query string) string

	// SeqColumn is the column holding insertion order.
	SeqColumn() string

	// IsUniqueViolation reports whether err is a primary key or unique
	// constraint failure.
	IsUniqueViolation(err error) bool

	// SnapshotOptions returns the options of a transaction whose statements
	// all read the same snapshot. Nil means the default transaction already
	// does.
	SnapshotOptions() *sql.TxOptions
}

// Querier is the query surface shared by pooled connections and
// transaction scopes.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var engines = map[string]Engine{
	SQLite{}.Name():     SQLite{},
	PureSQLite{}.Name(): PureSQLite{},
	Postgres{}.Name():   Postgres{},
}

// DefaultEngine is the engine used when none is configured.
const DefaultEngine = "sqlite"

// Lookup returns the engine registered under name.
func Lookup(name string) (Engine, error) {
	if name == "" {
		name = DefaultEngine
	}
	e, ok := engines[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown engine %q: must be one of %v", name, Names())
	}
	return e, nil
}

// Names returns the registered engine names, sorted.
func Names() []string {
	names := make([]string, 0, len(engines))
	for name := range engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Discardable reports whether a connection that returned err must be
// discarded rather than returned to the pool. Expected outcomes (no rows,
// finished transactions, constraint conflicts handled by the store, caller
// cancellation) keep the connection. Every other engine failure discards it.
func Discardable(e Engine, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, sql.ErrNoRows), errors.Is(err, sql.ErrTxDone):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case e != nil && e.IsUniqueViolation(err):
		return false
	}
	return true
}

// rebindDollar rewrites "?" placeholders to "$1", "$2", ...
func rebindDollar(query string) string {
	if !strings.Contains(query, "?") {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Placeholders returns "?, ?, ..." with n entries.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
