package backend

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// PureSQLite is the CGO-free SQLite engine, backed by modernc.org/sqlite.
// It shares the schema, pragmas and migrations of SQLite.
type PureSQLite struct{}

func (PureSQLite) Name() string { return "sqlite-purego" }

func (PureSQLite) DSN(location string) string {
	return sqliteDSN(location, "_txlock=immediate&_pragma=busy_timeout(5000)")
}

func (PureSQLite) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	return openSQLite(ctx, "sqlite", dsn)
}

func (PureSQLite) Prepare(ctx context.Context, conn *sql.Conn) error {
	return prepareSQLite(ctx, conn)
}

func (PureSQLite) Migrate(ctx context.Context, db *sql.DB) error {
	return migrateSQLite(ctx, db, prepareSQLite)
}

func (PureSQLite) Rebind(query string) string { return query }

func (PureSQLite) SeqColumn() string { return "rowid" }

func (PureSQLite) SnapshotOptions() *sql.TxOptions { return nil }

func (PureSQLite) IsUniqueViolation(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		// Primary result code only; extended codes are disabled.
		msg := se.Error()
		return strings.Contains(msg, "UNIQUE constraint failed") ||
			strings.Contains(msg, "PRIMARY KEY constraint failed")
	}
	return false
}
