package store

import (
	"context"

	"github.com/roach88/recstore/internal/txn"
)

// Tx exposes store operations inside a caller-controlled scope. Work done
// through a Tx commits or rolls back with the scope that produced it.
type Tx struct {
	s     *Store
	scope *txn.Scope
}

// Do runs fn in a new top-level scope. The scope commits when fn returns
// nil and rolls back when it returns an error or panics.
func (s *Store) Do(ctx context.Context, fn func(*Tx) error) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.txns.Run(ctx, func(scope *txn.Scope) error {
		return fn(&Tx{s: s, scope: scope})
	})
}

// Scope returns the transaction scope backing tx.
func (tx *Tx) Scope() *txn.Scope {
	return tx.scope
}

// Create stores content within the scope, with the same semantics as
// Store.Create.
func (tx *Tx) Create(ctx context.Context, content []byte) (Record, error) {
	p, err := tx.s.newPending(content)
	if err != nil {
		return Record{}, err
	}
	rec, _, err := tx.s.save(ctx, tx.scope, p)
	return rec, err
}

// Get reads a record within the scope, seeing the scope's own writes.
func (tx *Tx) Get(ctx context.Context, d string) (Record, error) {
	norm, err := tx.s.checkDigest("get", d)
	if err != nil {
		return Record{}, err
	}
	rec, found, err := tx.s.lookup(ctx, tx.scope, norm)
	if err != nil {
		return Record{}, err
	}
	if !found {
		return Record{}, notFound(norm)
	}
	return rec, nil
}

// Delete removes a record within the scope.
func (tx *Tx) Delete(ctx context.Context, d string) (bool, error) {
	norm, err := tx.s.checkDigest("delete", d)
	if err != nil {
		return false, err
	}
	n, err := tx.s.deleteKeys(ctx, tx.scope, []string{norm})
	return n > 0, err
}

// SaveMany stores records within the scope, each in a nested scope. On a
// fatal collision the partial result is returned with the error and the
// caller decides whether its scope commits.
func (tx *Tx) SaveMany(ctx context.Context, records []Record) (BatchResult, error) {
	items, err := tx.s.prepareBatch(records)
	if err != nil {
		return BatchResult{}, err
	}
	return tx.s.saveBatch(ctx, tx.scope, items)
}

// Nested runs fn in a savepoint scope. If fn fails only its own work is
// rolled back.
func (tx *Tx) Nested(ctx context.Context, fn func(*Tx) error) error {
	return tx.scope.RunNested(ctx, func(n *txn.Scope) error {
		return fn(&Tx{s: tx.s, scope: n})
	})
}
