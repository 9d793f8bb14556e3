// Package digest computes the content digests that identify records.
//
// A Registry maps algorithm names to hash constructors ranked by strength.
// The built-in set is md5, sha1, sha256 (default), sha384 and sha512, plus
// blake3 registered as a custom algorithm. Further algorithms can be
// registered by name and output length.
//
// A Service holds the active algorithm for a store and the escalation
// ladder walked when a collision is detected:
//
//	md5 -> sha1 -> sha256 -> sha512
//
// The active algorithm only ever moves up the ladder. It is swapped with a
// compare-and-swap, so concurrent collisions converge on the same final
// algorithm instead of racing past each other. Escalation never rehashes
// records already stored; they keep the digest computed when they were
// inserted.
//
// Digests are lowercase hex of the raw hash output, with no algorithm
// prefix and no domain separation: the digest of a record is exactly the
// hash of its content bytes.
package digest
