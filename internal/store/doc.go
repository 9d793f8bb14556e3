// Package store provides durable, content-addressed record storage.
//
// Each record is keyed by the digest of its content under the active
// algorithm of a digest.Service and carries a microsecond claim time:
//   - Records are created or deleted, never updated
//   - Identical content under the same algorithm is stored once
//   - A digest shared by different content is a collision; the store
//     escalates the algorithm once and retries, and reports DIGEST_COLLISION
//     if that fails
//
// # Ordering
//
// Listings are ordered by claimed_at, ties broken by insertion sequence
// (rowid on SQLite, seq on PostgreSQL). claimed_at is stored as fixed-width
// RFC 3339 text in UTC so that lexical order is chronological order.
//
// # Transactions
//
// Every write runs in a txn scope. Batch items run in nested scopes so one
// failing item never disturbs the items saved before it. Reads use a pooled
// connection directly.
package store
