/*
Package client provides a Go client library for the Foundry HTTP API.

The client wraps the controller's REST endpoints with an idiomatic Go
interface: one method per operation, streaming transfers for archives,
typed results, and transparent handling of the rotating worker token.

# Architecture

	┌──────────────────── APPLICATION CODE ──────────────────────┐
	│                                                             │
	│  import "github.com/foundrymesh/foundry/pkg/client"        │
	│                                                             │
	│  c := client.NewClient("http://controller:8080", apiKey)   │
	│  result, err := c.SubmitBuild(ctx, "ios", src, certs)      │
	│                                                             │
	└──────────────────┬──────────────────────────────────────────┘
	                   │
	┌──────────────────▼──── pkg/client ─────────────────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐           │
	│  │           Client Wrapper                     │           │
	│  │  - Method per endpoint                       │           │
	│  │  - Credential headers per scope              │           │
	│  │  - Rotated token adoption                    │           │
	│  │  - Error body → types.Error                  │           │
	│  └──────────────────┬───────────────────────────┘           │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐           │
	│  │            net/http Client                   │           │
	│  │  - Streamed multipart uploads (io.Pipe)      │           │
	│  │  - Streamed artifact downloads               │           │
	│  └──────────────────┬───────────────────────────┘           │
	└─────────────────────┼───────────────────────────────────────┘
	                      │ HTTP/JSON
	                      ▼
	              Foundry Controller

# Credential Scopes

Methods map onto the controller's three credential scopes:

Admin (X-API-Key):
  - SubmitBuild, RegisterWorker, ActiveBuilds, Events

Build owner (X-Build-Token, falls back to the API key when empty):
  - BuildStatus, BuildLogs, DownloadResult, CancelBuild, RetryBuild

Worker (X-Worker-Id + X-Access-Token):
  - Poll, Heartbeat, AppendLog, Telemetry, DownloadSource,
    DownloadCerts, FetchSecureCerts, UploadResult, ReportFailure

Anonymous:
  - Health, Stats

# Token Rotation

Every worker-scope response carries a fresh access token in the
X-Access-Token header, and the presented token dies the moment the
controller validates it. The client adopts the rotated token from every
response before inspecting the status code, so a 403 or 404 never
strands the worker on a spent credential. RegisterWorker stores the
initial credentials automatically; SetWorkerCredentials restores them
from persisted state.

# Usage

Submitting a build:

	c := client.NewClient("http://controller:8080", apiKey)

	src, _ := os.Open("app-source.zip")
	defer src.Close()

	result, err := c.SubmitBuild(ctx, "ios", src, nil)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("build %s queued, token %s\n", result.ID, result.AccessToken)

Watching a build as its owner:

	build, err := c.BuildStatus(ctx, result.ID, result.AccessToken)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("status: %s\n", build.Status)

Downloading the artifact:

	rc, size, err := c.DownloadResult(ctx, result.ID, result.AccessToken)
	if err != nil {
		log.Fatal(err)
	}
	defer rc.Close()
	_ = size
	io.Copy(out, rc)

Running the worker loop:

	reg, err := c.RegisterWorker(ctx, "", "mac-mini-1", map[string]string{"platform": "ios"})
	if err != nil {
		log.Fatal(err)
	}
	_ = reg

	for {
		job, err := c.Poll(ctx)
		if err != nil || job == nil {
			time.Sleep(30 * time.Second)
			continue
		}
		src, _, err := c.DownloadSource(ctx, job.ID)
		// ... build, heartbeat, upload ...
	}

Reporting outcomes:

	artifact, _ := os.Open("result.ipa")
	defer artifact.Close()
	_, err = c.UploadResult(ctx, job.ID, artifact)

	// or on failure
	_, err = c.ReportFailure(ctx, job.ID, "xcodebuild exited 65")

# Error Handling

Non-2xx responses come back as *types.Error reconstructed from the
response body, so callers branch on kinds instead of strings:

	_, err := c.BuildStatus(ctx, id, token)
	if types.IsKind(err, types.KindNotFound) {
		// build does not exist
	}

Heartbeat is special: the controller answers 400 for a cancelled build
and 404 for an unknown one, and the worker must react to both rather
than treat them as failures. Heartbeat folds the status into its
return value (HeartbeatOK, HeartbeatCancelled, HeartbeatUnknown).

# Timeouts

Plain JSON calls run under a 15 second per-call timeout layered on the
caller's context. Streaming methods (SubmitBuild, DownloadResult,
DownloadSource, DownloadCerts, UploadResult) run on the caller's
context alone, since archive transfers legitimately take minutes.

# Thread Safety

The client is safe for concurrent use. Worker credentials sit behind a
mutex because the poll loop and the heartbeat goroutine share the
rotating token.

# Integration Points

This package integrates with:

  - pkg/api: consumes the HTTP API
  - pkg/auth: header names shared with the server
  - pkg/types: build, worker, and error types
  - pkg/agent: the worker agent is built on this client
  - cmd/foundry: CLI subcommands are built on this client
*/
package client
