package store

import (
	"fmt"
	"time"

	"github.com/roach88/recstore/internal/digest"
)

// TimeLayout is the persisted form of ClaimedAt. Always written in UTC, so
// the offset is always +00:00.
const TimeLayout = "2006-01-02T15:04:05.000000-07:00"

// Record is one stored item.
type Record struct {
	// Digest is the lowercase hex digest of Content. Primary key.
	Digest string

	// Content is the opaque stored bytes.
	Content []byte

	// ClaimedAt is the UTC, microsecond-precision claim time.
	ClaimedAt time.Time
}

// Clock supplies claim times.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns the current time in UTC, truncated to the microsecond.
func (SystemClock) Now() time.Time {
	return normalizeTime(time.Now())
}

func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func formatTime(t time.Time) string {
	return normalizeTime(t).Format(TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse claimed_at %q: %w", s, err)
	}
	return t.UTC(), nil
}

// pending is a record ready to insert, with the algorithm its digest was
// computed under.
type pending struct {
	rec Record
	alg digest.Algorithm
}

// recordColumns is the column list every record query selects.
const recordColumns = "digest, content, claimed_at"

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec       Record
		claimedAt string
	)
	if err := row.Scan(&rec.Digest, &rec.Content, &claimedAt); err != nil {
		return Record{}, err
	}
	t, err := parseTime(claimedAt)
	if err != nil {
		return Record{}, err
	}
	rec.ClaimedAt = t
	if rec.Content == nil {
		rec.Content = []byte{}
	}
	return rec, nil
}
