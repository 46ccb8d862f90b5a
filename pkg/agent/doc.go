/*
Package agent implements the generic Foundry build worker.

The agent is the reference implementation of the worker contract: it
registers with the controller, polls for assigned builds, fetches their
inputs, runs an operator-supplied build command, and reports the
outcome. Platform-specific workers (macOS signing hosts, containerized
Android farms) speak the same protocol through pkg/client; the agent
exists so any machine with a shell can join the mesh.

# Architecture

	┌─────────────────────── WORKER HOST ──────────────────────────┐
	│                                                               │
	│  ┌──────────────────────────────────────────────┐             │
	│  │                Agent                         │             │
	│  │  - HTTP client to controller                 │             │
	│  │  - Poll loop (30s, drains on hit)            │             │
	│  │  - Heartbeat loop per build (10s)            │             │
	│  │  - Output forwarding to build log            │             │
	│  └──────┬──────────────────────────┬────────────┘             │
	│         │                          │                          │
	│  ┌──────▼───────┐          ┌──────▼──────────────┐            │
	│  │  Workspace   │          │  Build Command      │            │
	│  │  <work>/<id> │          │  /bin/sh -c "..."   │            │
	│  │  source.zip  │          │  FOUNDRY_* env      │            │
	│  │  certs.zip   │          │  writes OUTPUT      │            │
	│  │  result.ipa  │          └─────────────────────┘            │
	│  └──────────────┘                                             │
	└───────────────────────────────────────────────────────────────┘

# Build Command Contract

The command runs via /bin/sh -c inside the per-build workspace with:

	FOUNDRY_BUILD_ID   assigned build ID
	FOUNDRY_PLATFORM   ios or android
	FOUNDRY_SOURCE     path to the downloaded source archive
	FOUNDRY_CERTS      path to the certificate bundle, or empty
	FOUNDRY_OUTPUT     path the artifact must be written to

Exit 0 with FOUNDRY_OUTPUT written marks the build completed and
uploads the artifact. A non-zero exit reports the build failed with the
exit error. Stdout lines become info-level build log entries on the
controller, stderr lines error-level, so the owner can follow the build
remotely.

# Lifecycle

	1. Register (idempotent when WorkerID is pinned)
	2. Poll; on miss sleep PollInterval, on hit run the job
	3. Download source (and certs when present) into the workspace
	4. Start the heartbeat goroutine, then the build command
	5. Upload the result or report the failure
	6. Remove the workspace and poll again immediately

# Teardown

The heartbeat response is the cancellation channel. When the controller
answers cancelled (400) or unknown (404), the agent kills the build
command, skips reporting, and moves on; the controller has already
settled the build's fate. On agent shutdown mid-build nothing is
reported either: the missed heartbeats let the liveness monitor requeue
the build on another worker instead of failing it permanently.

# Usage

	a, err := agent.New(agent.Config{
		ControllerURL: "http://controller:8080",
		APIKey:        apiKey,
		Name:          "mac-mini-1",
		Capabilities:  map[string]string{"platform": "ios"},
		BuildCommand:  "./scripts/build-ios.sh",
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}

# Integration Points

This package integrates with:

  - pkg/client: all controller communication
  - pkg/log: structured logging
  - cmd/foundry: the agent subcommand
*/
package agent
