// Package txn manages transaction scopes over pooled connections.
//
// A top-level Scope owns a connection and a database transaction. Nested
// scopes are savepoints on the same connection, so work done in a nested
// scope can be rolled back without disturbing its parent, and is durable
// only once every ancestor commits.
//
// Scopes form a single chain: a scope has at most one active child. Rolling
// back a scope also finishes every active descendant. Rollback of a finished
// scope is a no-op, which makes the usual pattern safe:
//
//	scope, err := mgr.Begin(ctx)
//	if err != nil {
//	    return err
//	}
//	defer scope.Rollback() // No-op if committed
//
// A Scope is not safe for concurrent use.
package txn
