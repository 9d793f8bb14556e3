package backend

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// sqliteEngines are exercised by every SQLite test.
var sqliteEngines = []Engine{SQLite{}, PureSQLite{}}

// openTestDB opens and migrates a fresh database for e.
func openTestDB(t *testing.T, e Engine) *sql.DB {
	t.Helper()
	ctx := context.Background()

	var dsn string
	if e.Name() == "postgres" {
		dsn = os.Getenv("RECSTORE_TEST_PG_DSN")
		if dsn == "" {
			t.Skip("RECSTORE_TEST_PG_DSN not set")
		}
	} else {
		dsn = e.DSN(filepath.Join(t.TempDir(), "test.db"))
	}

	db, err := e.Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := e.Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() failed: %v", err)
	}
	if e.Name() == "postgres" {
		if _, err := db.ExecContext(ctx, "TRUNCATE record"); err != nil {
			t.Fatalf("truncate: %v", err)
		}
	}
	return db
}

// verifyPragma checks that a pragma is set to the expected value on conn.
func verifyPragma(t *testing.T, conn *sql.Conn, name, expected string) {
	t.Helper()
	var value string
	if err := conn.QueryRowContext(context.Background(), fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		t.Fatalf("failed to query %s: %v", name, err)
	}
	if value != expected {
		t.Errorf("%s = %q, expected %q", name, value, expected)
	}
}

func TestLookup(t *testing.T) {
	for _, name := range []string{"sqlite", "SQLite", "sqlite-purego", "postgres"} {
		e, err := Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%q) failed: %v", name, err)
		}
		if e == nil {
			t.Fatalf("Lookup(%q) returned nil engine", name)
		}
	}

	e, err := Lookup("")
	if err != nil || e.Name() != DefaultEngine {
		t.Errorf("Lookup(\"\") = %v, %v; want default engine", e, err)
	}

	if _, err := Lookup("oracle"); err == nil {
		t.Error("Lookup(oracle) should fail")
	}
}

func TestNames_Sorted(t *testing.T) {
	got := Names()
	want := []string{"postgres", "sqlite", "sqlite-purego"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestDSN(t *testing.T) {
	if got := (SQLite{}).DSN("/tmp/x.db"); got != "file:/tmp/x.db?_txlock=immediate" {
		t.Errorf("SQLite DSN = %q", got)
	}
	if got := (PureSQLite{}).DSN("/tmp/x.db"); got != "file:/tmp/x.db?_txlock=immediate&_pragma=busy_timeout(5000)" {
		t.Errorf("PureSQLite DSN = %q", got)
	}
	if got := (SQLite{}).DSN("file:other.db?mode=ro"); got != "file:other.db?mode=ro" {
		t.Errorf("URI DSN should pass through, got %q", got)
	}
	if got := (Postgres{}).DSN("postgres://u@h/db"); got != "postgres://u@h/db" {
		t.Errorf("Postgres DSN = %q", got)
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT * FROM record WHERE digest IN (?, ?) AND claimed_at >= ?"

	if got := (SQLite{}).Rebind(q); got != q {
		t.Errorf("SQLite Rebind changed query: %q", got)
	}
	want := "SELECT * FROM record WHERE digest IN ($1, $2) AND claimed_at >= $3"
	if got := (Postgres{}).Rebind(q); got != want {
		t.Errorf("Postgres Rebind = %q, want %q", got, want)
	}
}

func TestSnapshotOptions(t *testing.T) {
	for _, e := range sqliteEngines {
		if opts := e.SnapshotOptions(); opts != nil {
			t.Errorf("%s SnapshotOptions = %+v, want nil", e.Name(), opts)
		}
	}
	opts := (Postgres{}).SnapshotOptions()
	if opts == nil || opts.Isolation != sql.LevelRepeatableRead || !opts.ReadOnly {
		t.Errorf("Postgres SnapshotOptions = %+v", opts)
	}
}

func TestPlaceholders(t *testing.T) {
	tests := map[int]string{0: "", 1: "?", 3: "?, ?, ?"}
	for n, want := range tests {
		if got := Placeholders(n); got != want {
			t.Errorf("Placeholders(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestSQLite_PragmasApplied(t *testing.T) {
	for _, e := range sqliteEngines {
		t.Run(e.Name(), func(t *testing.T) {
			db := openTestDB(t, e)
			ctx := context.Background()

			conn, err := db.Conn(ctx)
			if err != nil {
				t.Fatalf("Conn() failed: %v", err)
			}
			defer conn.Close()
			if err := e.Prepare(ctx, conn); err != nil {
				t.Fatalf("Prepare() failed: %v", err)
			}

			verifyPragma(t, conn, "journal_mode", "wal")
			verifyPragma(t, conn, "synchronous", "1")
			verifyPragma(t, conn, "busy_timeout", "5000")
			verifyPragma(t, conn, "foreign_keys", "1")
		})
	}
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	for _, e := range sqliteEngines {
		t.Run(e.Name(), func(t *testing.T) {
			db := openTestDB(t, e)
			ctx := context.Background()

			for i := 0; i < 3; i++ {
				if err := e.Migrate(ctx, db); err != nil {
					t.Fatalf("Migrate() iteration %d failed: %v", i, err)
				}
			}

			var version int
			if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
				t.Fatalf("user_version: %v", err)
			}
			if version != currentSchemaVersion() {
				t.Errorf("user_version = %d, want %d", version, currentSchemaVersion())
			}

			var name string
			err := db.QueryRowContext(ctx,
				"SELECT name FROM sqlite_master WHERE type='index' AND name=?",
				"idx_record_claimed_at",
			).Scan(&name)
			if err != nil {
				t.Errorf("claimed_at index missing: %v", err)
			}
		})
	}
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	for _, e := range sqliteEngines {
		t.Run(e.Name(), func(t *testing.T) {
			ctx := context.Background()
			dsn := e.DSN(filepath.Join(t.TempDir(), "test.db"))

			db1, err := e.Open(ctx, dsn)
			if err != nil {
				t.Fatalf("first Open() failed: %v", err)
			}
			if err := e.Migrate(ctx, db1); err != nil {
				t.Fatalf("Migrate() failed: %v", err)
			}
			if _, err := db1.ExecContext(ctx,
				"INSERT INTO record (digest, content, claimed_at) VALUES (?, ?, ?)",
				"aa", []byte("x"), "2024-01-01T00:00:00.000000+00:00",
			); err != nil {
				t.Fatalf("insert: %v", err)
			}
			db1.Close()

			db2, err := e.Open(ctx, dsn)
			if err != nil {
				t.Fatalf("second Open() failed: %v", err)
			}
			defer db2.Close()
			if err := e.Migrate(ctx, db2); err != nil {
				t.Fatalf("second Migrate() failed: %v", err)
			}

			var count int
			if err := db2.QueryRowContext(ctx, "SELECT COUNT(*) FROM record").Scan(&count); err != nil {
				t.Fatalf("count: %v", err)
			}
			if count != 1 {
				t.Errorf("count = %d, want 1", count)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	engines := append([]Engine{}, sqliteEngines...)
	engines = append(engines, Postgres{})

	for _, e := range engines {
		t.Run(e.Name(), func(t *testing.T) {
			db := openTestDB(t, e)
			ctx := context.Background()
			insert := e.Rebind("INSERT INTO record (digest, content, claimed_at) VALUES (?, ?, ?)")

			if _, err := db.ExecContext(ctx, insert, "dup", []byte("a"), "2024-01-01T00:00:00.000000+00:00"); err != nil {
				t.Fatalf("first insert: %v", err)
			}
			_, err := db.ExecContext(ctx, insert, "dup", []byte("b"), "2024-01-01T00:00:00.000000+00:00")
			if err == nil {
				t.Fatal("duplicate insert should fail")
			}
			if !e.IsUniqueViolation(err) {
				t.Errorf("IsUniqueViolation(%v) = false", err)
			}
			if e.IsUniqueViolation(errors.New("something else")) {
				t.Error("plain error reported as unique violation")
			}
			if Discardable(e, err) {
				t.Error("unique violation should not discard the connection")
			}
		})
	}
}

func TestPostgres_Migrate(t *testing.T) {
	db := openTestDB(t, Postgres{})
	ctx := context.Background()

	if err := (Postgres{}).Migrate(ctx, db); err != nil {
		t.Fatalf("second Migrate() failed: %v", err)
	}

	var version int
	if err := db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		t.Fatalf("schema_version: %v", err)
	}
	if version != currentSchemaVersion() {
		t.Errorf("schema_version = %d, want %d", version, currentSchemaVersion())
	}
}

func TestDiscardable(t *testing.T) {
	e := SQLite{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"no rows", sql.ErrNoRows, false},
		{"wrapped no rows", fmt.Errorf("get: %w", sql.ErrNoRows), false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), false},
		{"driver failure", errors.New("disk I/O error"), true},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Discardable(e, tc.err); got != tc.want {
				t.Errorf("Discardable(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
