// Package state abstracts cluster-wide room membership bookkeeping.
//
// The Memory adapter serves single-instance deployments and tests. The Redis
// adapter shares membership across a fleet using sets and per-namespace
// refcount hashes, degrading to last-known counts when Redis is unreachable.
package state
