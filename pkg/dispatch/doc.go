/*
Package dispatch tracks which worker holds which build and mediates build
pickup.

The dispatch engine sits between the HTTP poll path and the catalog. The
catalog is authoritative for every assignment; the engine adds an in-memory
busy index (worker id -> build id) for O(1) is-busy checks and queue/active
counts without a storage scan.

# Architecture

	┌───────────────────────────────────────────────────────┐
	│                    Dispatch Engine                    │
	│                                                       │
	│   Poll path            Busy index        Event bus    │
	│   PollNext ──────────► worker→build ◄──── subscriber  │
	│      │                     ▲                  │       │
	│      ▼                     │                  │       │
	│   catalog.Claim        Restore()          completed/  │
	│   NextPending          (startup)          cancelled/  │
	│                                           timeout/    │
	│                                           offline     │
	└───────────────────────────────────────────────────────┘

# Index Consistency

The index is a view, never a source of truth. Three paths keep it current:

  - PollNext updates the entry with the claim result.
  - Restore rebuilds it from the catalog at startup, after requeueing
    builds whose worker record vanished between runs.
  - The bus subscription clears entries on transitions that bypass the
    poll path: completion, failure, cancellation, liveness requeue, and
    worker-offline events.

A stale or missing entry can only cost an extra catalog read on the next
poll. It can never cause a double assignment, because claims happen inside
a single catalog transaction.

# Startup Recovery

Restore runs before the HTTP listener accepts traffic:

  - pending builds stay queued in their original submission order;
  - assigned and building builds are re-bound to their workers;
  - builds held by a worker with no catalog record are returned to the
    queue with an explanatory log entry.

# Usage

	engine := dispatch.NewEngine(store, broker)
	if err := engine.Restore(); err != nil {
		return err
	}
	engine.Start()
	defer engine.Stop()

	build, err := engine.PollNext(workerID, time.Now())

# Integration Points

This package integrates with:

  - pkg/catalog: ClaimNextPending, ResetOrphanedAssignments, list scans
  - pkg/events: lifecycle subscription keeping the index in sync
  - pkg/api: poll handler and health/stats counts
*/
package dispatch
