package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/roach88/recstore/internal/backend"
	"github.com/roach88/recstore/internal/digest"
	"github.com/roach88/recstore/internal/fault"
	"github.com/roach88/recstore/internal/telemetry"
	"github.com/roach88/recstore/internal/txn"
)

// maxInsertRaces bounds re-reads after losing an insert race to a
// concurrent writer that then deleted its row.
const maxInsertRaces = 3

// BatchResult reports the outcome of SaveMany.
type BatchResult struct {
	// Saved counts newly inserted records.
	Saved int

	// Skipped counts items whose identical content was already stored.
	Skipped int

	// Records holds the stored form of every processed item, in input order.
	Records []Record
}

// Create stores content and returns its record. Storing content that is
// already present returns the stored record unchanged.
//
// If the digest is taken by different content, the active algorithm is
// escalated once and the insert retried; a DIGEST_COLLISION error is
// returned when no stronger algorithm exists or the retry collides again.
func (s *Store) Create(ctx context.Context, content []byte) (Record, error) {
	p, err := s.newPending(content)
	if err != nil {
		return Record{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var rec Record
	err = s.txns.Run(ctx, func(scope *txn.Scope) error {
		var err error
		rec, _, err = s.save(ctx, scope, p)
		return err
	})
	if err != nil {
		s.metrics.RecordWrite(ctx, telemetry.OutcomeFailed)
		return Record{}, err
	}
	return rec, nil
}

// save inserts p within scope, applying collision remediation. It returns
// the stored record and the write outcome.
func (s *Store) save(ctx context.Context, scope *txn.Scope, p pending) (Record, string, error) {
	rec, alg := p.rec, p.alg
	escalated := false

	for races := 0; ; {
		existing, found, err := s.lookup(ctx, scope, rec.Digest)
		if err != nil {
			return Record{}, "", err
		}

		if found {
			if bytes.Equal(existing.Content, rec.Content) {
				s.metrics.RecordWrite(ctx, telemetry.OutcomeExisting)
				return existing, telemetry.OutcomeExisting, nil
			}

			s.logCollision(ctx, alg, rec, existing, escalated)
			if escalated {
				return Record{}, "", fault.New(fault.CodeDigestCollision, "create",
					"digest %s still collides after escalation to %s", rec.Digest, alg)
			}

			next, err := s.digests.Escalate(ctx, alg)
			if err != nil {
				return Record{}, "", fault.New(fault.CodeDigestCollision, "create",
					"digest %s collides under %s: %v", rec.Digest, alg, err)
			}
			d, err := s.digests.ComputeWith(rec.Content, next)
			if err != nil {
				return Record{}, "", err
			}
			rec.Digest, alg, escalated = d, next, true
			continue
		}

		inserted, err := s.insert(ctx, scope, rec)
		if err != nil {
			return Record{}, "", err
		}
		if !inserted {
			// A concurrent writer stored this digest first: re-read it.
			races++
			if races > maxInsertRaces {
				return Record{}, "", fault.New(fault.CodeStorage, "create",
					"digest %s kept changing under concurrent writers", rec.Digest)
			}
			continue
		}

		outcome := telemetry.OutcomeCreated
		if escalated {
			outcome = telemetry.OutcomeRemediated
		}
		s.metrics.RecordWrite(ctx, outcome)
		return rec, outcome, nil
	}
}

// insert writes rec inside a savepoint so a unique violation leaves scope
// usable. It reports false when the digest already exists.
func (s *Store) insert(ctx context.Context, scope *txn.Scope, rec Record) (bool, error) {
	sp, err := scope.Nested(ctx)
	if err != nil {
		return false, err
	}
	_, err = sp.ExecContext(ctx,
		`INSERT INTO record (digest, content, claimed_at) VALUES (?, ?, ?)`,
		rec.Digest, rec.Content, formatTime(rec.ClaimedAt),
	)
	if err != nil {
		rbErr := sp.Rollback()
		if s.engine.IsUniqueViolation(err) && rbErr == nil {
			return false, nil
		}
		return false, fault.Storage("insert", errors.Join(err, rbErr))
	}
	if err := sp.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) logCollision(ctx context.Context, alg digest.Algorithm, incoming, stored Record, retry bool) {
	s.metrics.RecordCollision(ctx, string(alg))
	s.logger.Warn("digest collision",
		"algorithm", alg,
		"digest", incoming.Digest,
		"incoming", digest.Fingerprint(incoming.Content),
		"stored", digest.Fingerprint(stored.Content),
		"retry", retry,
	)
}

// Delete removes the record stored under digest and reports whether one
// existed.
func (s *Store) Delete(ctx context.Context, d string) (bool, error) {
	norm, err := s.checkDigest("delete", d)
	if err != nil {
		return false, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var deleted bool
	err = s.txns.Run(ctx, func(scope *txn.Scope) error {
		n, err := s.deleteKeys(ctx, scope, []string{norm})
		deleted = n > 0
		return err
	})
	return deleted, err
}

// DeleteMany removes the records stored under digests in one scope and
// returns how many existed. Duplicates count once; missing digests are
// ignored.
func (s *Store) DeleteMany(ctx context.Context, digests []string) (int, error) {
	keys, err := s.checkDigests("delete many", digests)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int
	err = s.txns.Run(ctx, func(scope *txn.Scope) error {
		var err error
		n, err = s.deleteKeys(ctx, scope, keys)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Store) deleteKeys(ctx context.Context, q backend.Querier, keys []string) (int, error) {
	total := 0
	for chunk := range chunks(keys, getManyChunk) {
		args := make([]any, len(chunk))
		for i, k := range chunk {
			args[i] = k
		}
		res, err := q.ExecContext(ctx,
			`DELETE FROM record WHERE digest IN (`+backend.Placeholders(len(chunk))+`)`,
			args...,
		)
		if err != nil {
			return 0, fault.Storage("delete", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, fault.Storage("delete", err)
		}
		total += int(n)
	}
	return total, nil
}

// SaveMany stores records in one scope, each item in its own nested scope.
//
// Items with an empty Digest get one under the active algorithm; a given
// Digest must match the content under a registered algorithm of that
// length. Items with a zero ClaimedAt get one from the clock. The whole
// batch is validated before anything is written.
//
// Identical content already stored is skipped. A collision that survives
// remediation stops the batch: items saved so far are committed and the
// partial result is returned with the DIGEST_COLLISION error. Any other
// failure rolls back the whole batch.
func (s *Store) SaveMany(ctx context.Context, records []Record) (BatchResult, error) {
	items, err := s.prepareBatch(records)
	if err != nil {
		return BatchResult{}, err
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	scope, err := s.txns.Begin(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	defer scope.Rollback() // No-op if committed

	result, err := s.saveBatch(ctx, scope, items)
	if err != nil && !fault.IsDigestCollision(err) {
		return BatchResult{}, err
	}
	if commitErr := scope.Commit(); commitErr != nil {
		return BatchResult{}, commitErr
	}
	return result, err
}

// saveBatch runs each item in a nested scope of scope. On a fatal collision
// it returns the items processed before it along with the error.
func (s *Store) saveBatch(ctx context.Context, scope *txn.Scope, items []pending) (BatchResult, error) {
	result := BatchResult{Records: make([]Record, 0, len(items))}
	for _, item := range items {
		var (
			rec     Record
			outcome string
		)
		err := scope.RunNested(ctx, func(n *txn.Scope) error {
			var err error
			rec, outcome, err = s.save(ctx, n, item)
			return err
		})
		if err != nil {
			return result, err
		}

		if outcome == telemetry.OutcomeExisting {
			result.Skipped++
		} else {
			result.Saved++
		}
		result.Records = append(result.Records, rec)
	}
	return result, nil
}

// prepareBatch validates every record and completes missing digests and
// claim times.
func (s *Store) prepareBatch(records []Record) ([]pending, error) {
	items := make([]pending, 0, len(records))
	for i, rec := range records {
		if problem := s.contentProblem(rec.Content); problem != "" {
			return nil, fault.Validation("save many", "item %d: %s", i, problem)
		}

		var alg digest.Algorithm
		if rec.Digest == "" {
			rec.Digest, alg = s.digests.Compute(rec.Content)
		} else {
			var err error
			rec.Digest, alg, err = s.matchDigest(rec)
			if err != nil {
				return nil, fmt.Errorf("save many: item %d: %w", i, err)
			}
		}

		rec.Content = bytes.Clone(rec.Content)
		if rec.ClaimedAt.IsZero() {
			rec.ClaimedAt = s.clock.Now()
		}
		rec.ClaimedAt = normalizeTime(rec.ClaimedAt)
		items = append(items, pending{rec: rec, alg: alg})
	}
	return items, nil
}

// matchDigest finds the algorithm under which rec.Content hashes to
// rec.Digest.
func (s *Store) matchDigest(rec Record) (string, digest.Algorithm, error) {
	registry := s.digests.Registry()
	norm, err := registry.ValidDigest(rec.Digest)
	if err != nil {
		return "", "", err
	}
	for _, alg := range registry.MatchLength(len(norm)) {
		d, err := registry.Compute(rec.Content, alg)
		if err != nil {
			return "", "", err
		}
		if d == norm {
			return norm, alg, nil
		}
	}
	return "", "", fault.Validation("save many", "digest %s does not match content", norm)
}
