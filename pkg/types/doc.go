/*
Package types defines the core data structures used throughout Foundry.

This package contains the fundamental types that represent the build mesh's
domain model: builds, workers, log entries, telemetry samples, and the error
taxonomy shared by every other package. It has no dependencies beyond the
standard library so that any package may import it.

# Core Types

Build lifecycle:
  - Build: a submitted unit of work (source archive + optional signing
    material + target platform) with its full transition history
  - BuildStatus: pending, assigned, building, completed, failed
  - Platform: ios or android
  - BuildLogEntry: append-only log line attached to a build
  - CpuSnapshot: best-effort telemetry sample attached to a build

Worker registry:
  - Worker: an external build executor with a short-TTL rotating token
  - WorkerStatus: idle, building, offline

# State Machine

Build status transitions form a small directed graph:

	pending ──► assigned ──► building ──► completed
	   ▲            │            │
	   │            ├────────────┼──────► failed
	   └────────────┴────────────┘
	     (liveness timeout only)

The only reverse edge, {assigned, building} → pending, belongs exclusively
to the liveness monitor when a worker stops heartbeating. Completed and
failed are terminal.

Field invariants the catalog maintains:

  - pending      ⇔ WorkerID == "" && AssignedAt == nil
  - assigned+    ⇒ WorkerID != "" && AssignedAt != nil
  - completed    ⇒ ResultRef != "" && CompletedAt != nil
  - failed       ⇒ ErrorMessage != "" && CompletedAt != nil
  - at most one build per worker is in {assigned, building}

# Error Taxonomy

Error carries an ErrorKind so callers branch on classification instead of
message text. The HTTP layer maps kinds to status codes:

	KindAuth            → 401
	KindForbidden       → 403
	KindSecurity        → 403
	KindNotFound        → 404
	KindValidation      → 400
	KindStateConflict   → 400
	KindPayloadTooLarge → 413
	KindTransient       → 503
	KindInternal        → 500

Usage:

	if err := store.CancelBuild(id); err != nil {
		if types.IsKind(err, types.KindStateConflict) {
			// build already finished
		}
	}

# Copy Semantics

BoltDB values are only valid during the transaction that read them, so the
catalog returns Clone()d builds and workers. Callers own the copies and may
retain them freely.
*/
package types
