package backend

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// Postgres stores records in PostgreSQL through pgx's database/sql driver.
// The DSN is a pgx connection string or URL.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) DSN(location string) string { return location }

func (Postgres) Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}

// Prepare is a no-op; PostgreSQL sessions need no per-connection setup.
func (Postgres) Prepare(context.Context, *sql.Conn) error { return nil }

// Migrate creates the base schema and records applied versions in
// schema_version, all in one transaction.
func (Postgres) Migrate(ctx context.Context, db *sql.DB) error {
	schema, err := baseSchema("postgres")
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&version); err != nil {
		return fmt.Errorf("get schema_version: %w", err)
	}

	for _, m := range migrations {
		if version >= m.version {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
			return fmt.Errorf("migrate to v%d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.version); err != nil {
			return fmt.Errorf("record v%d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}

func (Postgres) Rebind(query string) string { return rebindDollar(query) }

func (Postgres) SeqColumn() string { return "seq" }

// SnapshotOptions selects REPEATABLE READ; READ COMMITTED takes a new
// snapshot per statement.
func (Postgres) SnapshotOptions() *sql.TxOptions {
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}

func (Postgres) IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
