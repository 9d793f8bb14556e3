package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mattn/go-sqlite3"
)

// pragmas applied to every SQLite connection:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - foreign key enforcement
var sqlitePragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// SQLite is the default engine, backed by github.com/mattn/go-sqlite3.
//
// Transactions begin with BEGIN IMMEDIATE (_txlock=immediate) so writers
// take the database lock up front instead of failing on upgrade.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite" }

func (SQLite) DSN(location string) string {
	return sqliteDSN(location, "_txlock=immediate")
}

func (SQLite) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	return openSQLite(ctx, "sqlite3", dsn)
}

func (SQLite) Prepare(ctx context.Context, conn *sql.Conn) error {
	return prepareSQLite(ctx, conn)
}

func (SQLite) Migrate(ctx context.Context, db *sql.DB) error {
	return migrateSQLite(ctx, db, prepareSQLite)
}

func (SQLite) Rebind(query string) string { return query }

func (SQLite) SeqColumn() string { return "rowid" }

// SnapshotOptions is nil: SQLite transactions are serializable.
func (SQLite) SnapshotOptions() *sql.TxOptions { return nil }

func (SQLite) IsUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// sqliteDSN turns a file path into a URI DSN carrying params. A location
// that is already a URI is used as given.
func sqliteDSN(location, params string) string {
	if strings.HasPrefix(location, "file:") {
		return location
	}
	return "file:" + filepath.ToSlash(location) + "?" + params
}

func openSQLite(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func prepareSQLite(ctx context.Context, conn *sql.Conn) error {
	for _, pragma := range sqlitePragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// migrateSQLite creates the base schema and applies incremental migrations
// tracked in PRAGMA user_version. Idempotent.
func migrateSQLite(ctx context.Context, db *sql.DB, prepare func(context.Context, *sql.Conn) error) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Close()

	if err := prepare(ctx, conn); err != nil {
		return fmt.Errorf("failed to apply pragmas: %w", err)
	}

	schema, err := baseSchema("sqlite")
	if err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := conn.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if _, err := conn.ExecContext(ctx, m.stmt); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
		version = m.version
	}

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion())); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
