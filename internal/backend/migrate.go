package backend

import (
	"embed"
	"fmt"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// migration is one incremental schema step. Statements must be idempotent so
// a database created by a newer base schema can replay them safely.
type migration struct {
	version int
	name    string
	stmt    string
}

// Schema version tracking:
// 0 - base table only
// 1 - index on record.claimed_at for range scans
var migrations = []migration{
	{
		version: 1,
		name:    "claimed_at index",
		stmt:    `CREATE INDEX IF NOT EXISTS idx_record_claimed_at ON record(claimed_at)`,
	},
}

// currentSchemaVersion is the version a fully migrated database reports.
func currentSchemaVersion() int {
	return migrations[len(migrations)-1].version
}

func baseSchema(dialect string) (string, error) {
	b, err := schemaFS.ReadFile("schema/" + dialect + ".sql")
	if err != nil {
		return "", fmt.Errorf("read %s schema: %w", dialect, err)
	}
	return string(b), nil
}
