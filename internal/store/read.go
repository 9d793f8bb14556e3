package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/pool"
	"github.com/roach88/recstore/internal/txn"
)

// getManyChunk bounds the IN list of a single GetMany/DeleteMany query.
const getManyChunk = 500

// ListQuery selects a window of records by claim time. Start and End are
// inclusive; nil leaves that side open.
type ListQuery struct {
	Start  *time.Time
	End    *time.Time
	Limit  int
	Offset int
}

// PageQuery selects a 1-based page of records by claim time.
type PageQuery struct {
	Start    *time.Time
	End      *time.Time
	Page     int
	PageSize int
}

// Page is one page of a listing.
type Page struct {
	Items       []Record
	Total       int
	Page        int
	PageSize    int
	TotalPages  int
	HasNext     bool
	HasPrevious bool
}

// Get returns the record stored under digest.
// Returns a VALIDATION error for a malformed digest and NOT_FOUND when no
// record matches.
func (s *Store) Get(ctx context.Context, d string) (Record, error) {
	norm, err := s.checkDigest("get", d)
	if err != nil {
		return Record{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec Record
	err = s.pool.With(ctx, func(c *pool.Conn) error {
		var found bool
		var err error
		rec, found, err = s.lookup(ctx, c, norm)
		if err != nil {
			return err
		}
		if !found {
			return notFound(norm)
		}
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Has reports whether a record is stored under digest.
func (s *Store) Has(ctx context.Context, d string) (bool, error) {
	norm, err := s.checkDigest("has", d)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var found bool
	err = s.pool.With(ctx, func(c *pool.Conn) error {
		var one int
		err := c.QueryRowContext(ctx, `SELECT 1 FROM record WHERE digest = ?`, norm).Scan(&one)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return nil
		case err != nil:
			c.Observe(err)
			return fault.Storage("has", err)
		}
		found = true
		return nil
	})
	return found, err
}

// GetMany returns the records stored under digests, keyed by digest.
// Missing digests are omitted.
func (s *Store) GetMany(ctx context.Context, digests []string) (map[string]Record, error) {
	keys, err := s.checkDigests("get many", digests)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Record, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	err = s.pool.With(ctx, func(c *pool.Conn) error {
		for chunk := range chunks(keys, getManyChunk) {
			if err := s.getChunk(ctx, c, chunk, out); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) getChunk(ctx context.Context, q backend.Querier, keys []string, out map[string]Record) error {
	args := make([]any, len(keys))
	for i, k := range keys {
		args[i] = k
	}
	rows, err := q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM record WHERE digest IN (`+backend.Placeholders(len(keys))+`)`,
		args...,
	)
	if err != nil {
		return fault.Storage("get many", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			observe(q, err)
			return fault.Storage("get many", fmt.Errorf("scan record: %w", err))
		}
		out[rec.Digest] = rec
	}
	if err := rows.Err(); err != nil {
		observe(q, err)
		return fault.Storage("get many", fmt.Errorf("iterate records: %w", err))
	}
	return nil
}

// List returns records in the claim-time window of q, ordered by
// claimed_at then insertion sequence.
//
// Returns an empty slice (not nil) if nothing matches.
func (s *Store) List(ctx context.Context, q ListQuery) ([]Record, error) {
	if err := checkWindow("list", q.Start, q.End); err != nil {
		return nil, err
	}
	if q.Limit < 1 || q.Limit > MaxListLimit {
		return nil, fault.Validation("list", "limit %d outside 1..%d", q.Limit, MaxListLimit)
	}
	if q.Offset < 0 {
		return nil, fault.Validation("list", "offset %d is negative", q.Offset)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var out []Record
	err := s.pool.With(ctx, func(c *pool.Conn) error {
		var err error
		out, err = s.list(ctx, c, q)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) list(ctx context.Context, q backend.Querier, l ListQuery) ([]Record, error) {
	where, args := rangeClause(l.Start, l.End)
	args = append(args, l.Limit, l.Offset)

	rows, err := q.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM record`+where+s.orderBy()+` LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, fault.Storage("list", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			observe(q, err)
			return nil, fault.Storage("list", fmt.Errorf("scan record: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		observe(q, err)
		return nil, fault.Storage("list", fmt.Errorf("iterate records: %w", err))
	}
	return records, nil
}

// Scan streams the records of q lazily, in List order. A connection is held
// only while the sequence is being iterated; iterating again re-runs the
// query. A zero Limit streams every match.
//
// The per-operation timeout bounds connection acquisition only; the stream
// itself lives as long as ctx.
func (s *Store) Scan(ctx context.Context, q ListQuery) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := checkWindow("scan", q.Start, q.End); err != nil {
			yield(Record{}, err)
			return
		}
		if q.Limit < 0 || q.Offset < 0 {
			yield(Record{}, fault.Validation("scan", "limit and offset must not be negative"))
			return
		}

		acquireCtx, cancel := s.withTimeout(ctx)
		c, err := s.pool.Acquire(acquireCtx, 0)
		cancel()
		if err != nil {
			yield(Record{}, err)
			return
		}
		defer s.pool.Release(c)

		where, args := rangeClause(q.Start, q.End)
		query := `SELECT ` + recordColumns + ` FROM record` + where + s.orderBy()
		if q.Limit > 0 {
			query += ` LIMIT ? OFFSET ?`
			args = append(args, q.Limit, q.Offset)
		}

		rows, err := c.QueryContext(ctx, query, args...)
		if err != nil {
			yield(Record{}, fault.Storage("scan", err))
			return
		}
		defer rows.Close()

		skip := 0
		if q.Limit == 0 {
			skip = q.Offset
		}
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				c.Observe(err)
				yield(Record{}, fault.Storage("scan", fmt.Errorf("scan record: %w", err)))
				return
			}
			if skip > 0 {
				skip--
				continue
			}
			if !yield(rec, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			c.Observe(err)
			yield(Record{}, fault.Storage("scan", fmt.Errorf("iterate records: %w", err)))
		}
	}
}

// Page returns page q.Page (1-based) of the window, with totals.
func (s *Store) Page(ctx context.Context, q PageQuery) (Page, error) {
	if err := checkWindow("page", q.Start, q.End); err != nil {
		return Page{}, err
	}
	if q.Page < 1 {
		return Page{}, fault.Validation("page", "page %d must be at least 1", q.Page)
	}
	if q.PageSize < 1 || q.PageSize > MaxListLimit {
		return Page{}, fault.Validation("page", "page size %d outside 1..%d", q.PageSize, MaxListLimit)
	}
	if q.Page-1 > math.MaxInt/q.PageSize {
		return Page{}, fault.Validation("page", "page %d of size %d is out of range", q.Page, q.PageSize)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	// Count and list read one snapshot so the totals describe the items.
	var page Page
	err := s.txns.RunTx(ctx, s.engine.SnapshotOptions(), func(scope *txn.Scope) error {
		total, err := s.count(ctx, scope, q.Start, q.End)
		if err != nil {
			return err
		}
		totalPages := (total + q.PageSize - 1) / q.PageSize

		items := []Record{}
		if q.Page <= totalPages {
			items, err = s.list(ctx, scope, ListQuery{
				Start:  q.Start,
				End:    q.End,
				Limit:  q.PageSize,
				Offset: (q.Page - 1) * q.PageSize,
			})
			if err != nil {
				return err
			}
		}

		page = Page{
			Items:       items,
			Total:       total,
			Page:        q.Page,
			PageSize:    q.PageSize,
			TotalPages:  totalPages,
			HasNext:     q.Page < totalPages,
			HasPrevious: q.Page > 1,
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

// Count returns the number of records claimed within [start, end].
func (s *Store) Count(ctx context.Context, start, end *time.Time) (int, error) {
	if err := checkWindow("count", start, end); err != nil {
		return 0, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err := s.pool.With(ctx, func(c *pool.Conn) error {
		var err error
		n, err = s.count(ctx, c, start, end)
		return err
	})
	return n, err
}

func (s *Store) count(ctx context.Context, q backend.Querier, start, end *time.Time) (int, error) {
	where, args := rangeClause(start, end)
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM record`+where, args...).Scan(&n); err != nil {
		observe(q, err)
		return 0, fault.Storage("count", err)
	}
	return n, nil
}

// lookup reads one record by normalized digest.
func (s *Store) lookup(ctx context.Context, q backend.Querier, d string) (Record, bool, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM record WHERE digest = ?`, d))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Record{}, false, nil
	case err != nil:
		observe(q, err)
		return Record{}, false, fault.Storage("read record", err)
	}
	return rec, true, nil
}

func (s *Store) orderBy() string {
	return ` ORDER BY claimed_at ASC, ` + s.engine.SeqColumn() + ` ASC`
}

func (s *Store) checkDigests(op string, digests []string) ([]string, error) {
	seen := make(map[string]struct{}, len(digests))
	keys := make([]string, 0, len(digests))
	for _, d := range digests {
		norm, err := s.checkDigest(op, d)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[norm]; dup {
			continue
		}
		seen[norm] = struct{}{}
		keys = append(keys, norm)
	}
	return keys, nil
}

func checkWindow(op string, start, end *time.Time) error {
	if start != nil && end != nil && start.After(*end) {
		return fault.Validation(op, "start %s is after end %s", start.Format(time.RFC3339Nano), end.Format(time.RFC3339Nano))
	}
	return nil
}

// rangeClause builds the WHERE clause of an inclusive claim-time window.
// Claim times are stored at microsecond precision, so a start bound with a
// sub-microsecond remainder rounds up and an end bound rounds down.
func rangeClause(start, end *time.Time) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if start != nil {
		conds = append(conds, "claimed_at >= ?")
		args = append(args, formatTime(ceilMicro(*start)))
	}
	if end != nil {
		conds = append(conds, "claimed_at <= ?")
		args = append(args, formatTime(*end))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func ceilMicro(t time.Time) time.Time {
	if tr := t.Truncate(time.Microsecond); tr.Before(t) {
		return tr.Add(time.Microsecond)
	}
	return t
}

// chunks yields consecutive slices of at most size elements.
func chunks[T any](items []T, size int) iter.Seq[[]T] {
	return func(yield func([]T) bool) {
		for start := 0; start < len(items); start += size {
			end := min(start+size, len(items))
			if !yield(items[start:end]) {
				return
			}
		}
	}
}

func notFound(d string) error {
	return fault.New(fault.CodeNotFound, "get", "no record with digest %s", d)
}
