// Package catalog is the persistent system of record for builds and
// workers.
//
// All state lives in a single BoltDB file. The catalog is the only
// writer; every other component either calls through it or works on
// the copies it returns. Lifecycle transitions, their build log lines,
// and their journal entries share one write transaction, so the
// database never holds a transition without its audit trail.
//
// # Buckets
//
//	builds      build id -> JSON build record
//	workers     worker id -> JSON worker record
//	pending     zero-padded sequence -> build id (the queue)
//	logs        per-build nested buckets of log entries
//	telemetry   per-build nested buckets of cpu snapshots
//	journal     hash-chained lifecycle entries (see package journal)
//
// # The Claim Path
//
// ClaimNextPending is the heart of the dispatch model. BoltDB admits a
// single write transaction at a time, which serializes concurrent
// claims for free: the queue scan, the pending->assigned transition,
// the queue removal, and the journal append all commit together or not
// at all. Two workers polling simultaneously can never be handed the
// same build.
//
// The pending bucket is keyed by the build's creation sequence, padded
// to fixed width so BoltDB's lexicographic key order is submission
// order. A requeued build is re-inserted under its original sequence
// and therefore re-enters the queue at its original position.
//
// # Tokens
//
// The catalog persists only sealed (AES-GCM encrypted) access tokens.
// Plaintext tokens exist in three places: the response that issued
// them, the holder's memory, and nowhere else. Worker tokens rotate on
// every authenticated call via RotateWorkerToken.
package catalog
