/*
Package metrics provides Prometheus metrics collection and exposition for Foundry.

The metrics package defines and registers all Foundry metrics using the
Prometheus client library, providing observability into build queue depth,
worker fleet health, claim throughput, payload transfer volume, and API
performance. Metrics are exposed via HTTP endpoint for scraping by
Prometheus servers.

# Architecture

Foundry's metrics system combines three update paths:

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │          Prometheus Registry                │           │
	│  │  - Global DefaultRegistry                   │           │
	│  │  - MustRegister at package init             │           │
	│  │  - Automatic Go runtime metrics             │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Update Paths                   │           │
	│  │                                              │           │
	│  │  Collector poll: gauges from catalog scans  │           │
	│  │  Event bus: counters from committed events  │           │
	│  │  Inline: latency/bytes at the call site     │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │           Metric Categories                 │           │
	│  │                                              │           │
	│  │  Builds: counts by status, queue depth      │           │
	│  │  Workers: fleet by status, registrations    │           │
	│  │  Claims: poll outcomes, claim latency       │           │
	│  │  Transfers: upload/download bytes by bucket │           │
	│  │  API: request count, duration               │           │
	│  │  Liveness: sweep duration                   │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          HTTP Metrics Endpoint              │           │
	│  │  - Path: /metrics                           │           │
	│  │  - Format: Prometheus text exposition       │           │
	│  │  - Handler: promhttp.Handler()              │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

Counters move only when the collector sees a committed event on the bus, so
they reflect persisted state transitions rather than attempted ones. Gauges
are rebuilt from catalog scans every 15 seconds, so they self-correct after
restarts. Latency and byte counters are observed inline where the work
happens.

# Metrics Catalog

Build Metrics:

foundry_builds{status}:
  - Type: Gauge
  - Description: Builds by status (pending/assigned/building/completed/failed/cancelled)
  - Example: foundry_builds{status="pending"} 4

foundry_builds_pending:
  - Type: Gauge
  - Description: Builds waiting in the queue

foundry_builds_active:
  - Type: Gauge
  - Description: Builds currently assigned or building

foundry_builds_submitted_total:
  - Type: Counter
  - Description: Total builds accepted for processing

foundry_builds_completed_total:
  - Type: Counter
  - Description: Total builds that finished successfully

foundry_builds_failed_total:
  - Type: Counter
  - Description: Total builds reported as failed by workers

foundry_builds_cancelled_total:
  - Type: Counter
  - Description: Total builds cancelled by operators or owners

foundry_build_timeouts_total:
  - Type: Counter
  - Description: Total builds returned to the queue after heartbeat timeout

foundry_build_duration_seconds:
  - Type: Histogram
  - Description: Wall time from build start to completion
  - Buckets: exponential, 1s to ~2.3h

Worker Metrics:

foundry_workers{status}:
  - Type: Gauge
  - Description: Workers by status (idle/building/offline)

foundry_workers_registered_total:
  - Type: Counter
  - Description: Total worker registrations including re-registrations

foundry_workers_offline_total:
  - Type: Counter
  - Description: Total transitions to offline status

Claim Metrics:

foundry_claims_total{outcome}:
  - Type: Counter
  - Description: Poll outcomes (hit = build assigned, miss = empty queue)

foundry_claim_latency_seconds:
  - Type: Histogram
  - Description: Time to resolve a worker poll against the queue

Transfer Metrics:

foundry_upload_bytes_total{bucket}:
  - Type: Counter
  - Description: Bytes accepted into storage by bucket (source/certs/results)

foundry_download_bytes_total{bucket}:
  - Type: Counter
  - Description: Bytes served from storage by bucket

API Metrics:

foundry_api_requests_total{method, status}:
  - Type: Counter
  - Description: Total API requests by method and response status

foundry_api_request_duration_seconds{method}:
  - Type: Histogram
  - Description: API request duration in seconds

Liveness Metrics:

foundry_liveness_sweep_duration_seconds:
  - Type: Histogram
  - Description: Duration of one heartbeat/staleness sweep

# Usage

Recording Counter and Gauge Updates:

	import "github.com/foundrymesh/foundry/pkg/metrics"

	metrics.BuildsPending.Set(4)
	metrics.ClaimsTotal.WithLabelValues("hit").Inc()
	metrics.UploadBytesTotal.WithLabelValues("results").Add(float64(size))

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... perform operation ...
	timer.ObserveDuration(metrics.ClaimLatency)

	timer = metrics.NewTimer()
	// ... handle request ...
	timer.ObserveDurationVec(metrics.APIRequestDuration, "submit")

Running the Collector:

	collector := metrics.NewCollector(store, broker)
	collector.Start()
	defer collector.Stop()

Exposing Metrics:

	http.Handle("/metrics", metrics.Handler())

# Health Checking

The package also tracks component health for readiness probes. Components
register at startup and update their status as conditions change:

	metrics.SetVersion("1.2.0")
	metrics.RegisterComponent("catalog", true, "")
	metrics.UpdateComponent("objectstore", false, "disk full")

Readiness requires every critical component (catalog, objectstore, api) to
be registered and healthy; liveness only requires the process to respond.
ReadyHandler and LivenessHandler serve these as HTTP endpoints.

# Integration Points

This package integrates with:

  - pkg/catalog: CountBuilds and ListWorkers feed the collector's gauges
  - pkg/events: committed lifecycle events drive the counters
  - pkg/dispatch: claim outcomes and latency observed at the poll path
  - pkg/liveness: sweep duration observed per cycle
  - pkg/api: request instrumentation and /metrics, /ready, /live endpoints
  - Prometheus: scrapes the /metrics endpoint

# Design Patterns

Package Init Registration:
  - All metrics registered in init() function
  - MustRegister panics on duplicate registration
  - Ensures metrics available before main()

Label Discipline:
  - Bounded label values only (status, outcome, bucket, method)
  - Build and worker IDs never appear as labels
  - High-cardinality detail belongs in logs and the journal

Commit-Driven Counters:
  - Counters increment when the collector sees the committed event
  - A rejected or rolled-back operation never moves a counter
  - Gauges resync from storage each poll, surviving process restarts

# Monitoring

Prometheus Queries (PromQL):

Queue Health:
  - Queue depth: foundry_builds_pending
  - Queue growth: deriv(foundry_builds_pending[10m])
  - Throughput: rate(foundry_builds_completed_total[5m])
  - Failure rate: rate(foundry_builds_failed_total[5m])

Worker Fleet:
  - Online workers: sum(foundry_workers{status!="offline"})
  - Offline transitions: rate(foundry_workers_offline_total[10m])
  - Poll hit ratio: rate(foundry_claims_total{outcome="hit"}[5m]) / rate(foundry_claims_total[5m])

API Performance:
  - Request rate: rate(foundry_api_requests_total[1m])
  - Error rate: rate(foundry_api_requests_total{status=~"5.."}[1m])
  - p95 latency: histogram_quantile(0.95, foundry_api_request_duration_seconds_bucket)

Build Duration:
  - p50 build time: histogram_quantile(0.50, foundry_build_duration_seconds_bucket)
  - Timeout rate: rate(foundry_build_timeouts_total[15m])

# See Also

  - Prometheus client library: https://github.com/prometheus/client_golang
  - Histogram best practices: https://prometheus.io/docs/practices/histograms/
*/
package metrics
