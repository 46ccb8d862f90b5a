package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Build metrics
	BuildsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_builds",
			Help: "Number of builds by status",
		},
		[]string{"status"},
	)

	BuildsPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_builds_pending",
			Help: "Builds waiting in the queue",
		},
	)

	BuildsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "foundry_builds_active",
			Help: "Builds currently held by a worker (assigned or building)",
		},
	)

	BuildsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_builds_submitted_total",
			Help: "Total builds submitted",
		},
	)

	BuildsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_builds_completed_total",
			Help: "Total builds completed successfully",
		},
	)

	BuildsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_builds_failed_total",
			Help: "Total builds that ended in failure, cancellations excluded",
		},
	)

	BuildsCancelledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_builds_cancelled_total",
			Help: "Total builds cancelled by their owner",
		},
	)

	BuildTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_build_timeouts_total",
			Help: "Total builds returned to the queue after heartbeat timeout",
		},
	)

	BuildDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_build_duration_seconds",
			Help:    "Wall time from build start to completion",
			Buckets: prometheus.ExponentialBuckets(1, 2, 13), // 1s .. ~2h16m
		},
	)

	// Worker metrics
	WorkersByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "foundry_workers",
			Help: "Number of workers by status",
		},
		[]string{"status"},
	)

	WorkersRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_workers_registered_total",
			Help: "Total worker registrations, re-registrations included",
		},
	)

	WorkersOfflineTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "foundry_workers_offline_total",
			Help: "Total times a worker was marked offline",
		},
	)

	// Dispatch metrics
	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_claims_total",
			Help: "Total poll requests by outcome",
		},
		[]string{"outcome"}, // hit, miss
	)

	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_claim_latency_seconds",
			Help:    "Time to resolve a worker poll against the catalog",
			Buckets: prometheus.DefBuckets,
		},
	)

	SweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "foundry_liveness_sweep_duration_seconds",
			Help:    "Duration of one liveness monitor sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Transfer metrics
	UploadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_upload_bytes_total",
			Help: "Bytes accepted into the object store by bucket",
		},
		[]string{"bucket"},
	)

	DownloadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_download_bytes_total",
			Help: "Bytes served from the object store by bucket",
		},
		[]string{"bucket"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "foundry_api_requests_total",
			Help: "Total API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "foundry_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	prometheus.MustRegister(BuildsByStatus)
	prometheus.MustRegister(BuildsPending)
	prometheus.MustRegister(BuildsActive)
	prometheus.MustRegister(BuildsSubmittedTotal)
	prometheus.MustRegister(BuildsCompletedTotal)
	prometheus.MustRegister(BuildsFailedTotal)
	prometheus.MustRegister(BuildsCancelledTotal)
	prometheus.MustRegister(BuildTimeoutsTotal)
	prometheus.MustRegister(BuildDuration)
	prometheus.MustRegister(WorkersByStatus)
	prometheus.MustRegister(WorkersRegisteredTotal)
	prometheus.MustRegister(WorkersOfflineTotal)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(ClaimLatency)
	prometheus.MustRegister(SweepDuration)
	prometheus.MustRegister(UploadBytesTotal)
	prometheus.MustRegister(DownloadBytesTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
