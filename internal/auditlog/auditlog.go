// Package auditlog implements a hash-chained audit log for the node's
// registry events: agent registrations and removals, reputation votes on
// agents, and reputation votes on peers.
//
// The chain starts from a well-known genesis entry whose Hash equals
// GenesisHash (64 hex zeros). Every later entry records the SHA-256 of its
// predecessor, so any rewrite of history is detectable via Verify.
//
// Two implementations of the Ledger interface are provided:
//   - Memory: in-process, for tests and memory-backed nodes.
//   - Postgres: durable, sharing the node's connection pool.
package auditlog
