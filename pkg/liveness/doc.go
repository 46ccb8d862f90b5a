/*
Package liveness provides failure detection for builds and workers.

Workers run outside the controller's failure domain: a worker can lose power,
lose its network path, or hang inside a build without ever reporting an
error. The liveness monitor detects these silent failures by sweeping the
catalog on a fixed interval and acting on anything that has gone quiet for
too long.

# Architecture

The monitor runs one sweep every 5 seconds (configurable):

	┌────────────────────────────────────────────────────────────┐
	│                      Liveness Sweep                        │
	│                    (Every 5 seconds)                       │
	└────────────────┬───────────────────────────────────────────┘
	                 │
	    ┌────────────┴────────────┐
	    │                         │
	    ▼                         ▼
	┌─────────────────┐   ┌──────────────────┐
	│  Sweep Builds   │   │  Sweep Workers   │
	└─────┬───────────┘   └──────┬───────────┘
	      │                      │
	      ▼                      ▼
	  Heartbeat age         Token expiry,
	  > timeout?            last-seen age
	      │                      │
	      ▼                      ▼
	  Requeue build,        Mark worker
	  worker offline        offline

# Failure Detection

## Build Heartbeat Timeout

Workers heartbeat every build they hold. If an assigned or building build
receives no heartbeat for longer than the timeout (default 120 seconds),
the sweep returns it to the pending queue at its original position, records
an error log entry on the build, and marks the unresponsive worker offline.
The heartbeat reference is the last heartbeat, falling back to the
assignment time for builds whose worker never reported at all.

A completed or failed build can race the sweep; the catalog rejects the
requeue with a state conflict and the sweep moves on.

## Worker Token Expiry

Worker access tokens rotate on every authenticated call and carry a short
TTL. A worker whose token has expired has, by construction, not called in
for at least one full TTL, so the sweep marks it offline. Any build it
holds is left alone here and falls to the heartbeat timeout on a later
sweep, which keeps requeueing a single-path operation.

## Stale Workers

Independently of token expiry, a worker not seen for longer than the stale
threshold (default 120 seconds) is marked offline. This covers deployments
running with long token TTLs.

# Recovery

Offline is not a tombstone. A worker that comes back and presents a valid
token is revived to idle by the token rotation path, and a re-registration
always restores it. The sweep only ever narrows worker state; it never
deletes anything.

# Usage

	monitor := liveness.NewMonitor(store, liveness.Config{
		Interval:     cfg.SweepInterval,
		BuildTimeout: cfg.HeartbeatTimeout,
		StaleAfter:   cfg.HeartbeatTimeout,
	})
	monitor.Start()
	defer monitor.Stop()

Sweep is exported for direct invocation with an explicit clock, which is
how the tests drive it.

# Integration Points

This package integrates with:

  - pkg/catalog: ListActiveBuilds, RequeueBuild, ListWorkers, MarkWorkerOffline
  - pkg/metrics: sweep duration histogram
  - pkg/controller: lifecycle management (Start/Stop)
*/
package liveness
