package liveness

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/log"
	"github.com/foundrymesh/foundry/pkg/metrics"
	"github.com/foundrymesh/foundry/pkg/types"
)

// RequeueReason is the log message recorded on builds returned to the
// queue after a heartbeat timeout.
const RequeueReason = "Worker stopped responding; build returned to queue"

// Config controls sweep cadence and thresholds.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// BuildTimeout is how long an active build may go without a
	// heartbeat before it is requeued. The reference instant is the last
	// heartbeat, falling back to the assignment time for builds whose
	// worker never reported.
	BuildTimeout time.Duration

	// StaleAfter is how long a worker may go without any authenticated
	// call before it is marked offline.
	StaleAfter time.Duration
}

// DefaultConfig returns the standard sweep configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     5 * time.Second,
		BuildTimeout: 120 * time.Second,
		StaleAfter:   120 * time.Second,
	}
}

// Result summarizes the actions taken by one sweep.
type Result struct {
	RequeuedBuilds int
	ExpiredWorkers int
	StaleWorkers   int
}

// Total returns the number of state changes the sweep made.
func (r Result) Total() int {
	return r.RequeuedBuilds + r.ExpiredWorkers + r.StaleWorkers
}

// Monitor runs the liveness sweep on a fixed interval.
type Monitor struct {
	store  catalog.Store
	cfg    Config
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewMonitor creates a monitor over the given catalog. Zero config fields
// fall back to defaults.
func NewMonitor(store catalog.Store, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BuildTimeout <= 0 {
		cfg.BuildTimeout = def.BuildTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	return &Monitor{
		store:  store,
		cfg:    cfg,
		logger: log.WithComponent("liveness"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (m *Monitor) Start() {
	go m.run()
}

// Stop stops the sweep loop.
func (m *Monitor) Stop() {
	close(m.stopCh)
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			result := m.Sweep(time.Now().UTC())
			if result.Total() > 0 {
				m.logger.Info().
					Int("requeued_builds", result.RequeuedBuilds).
					Int("expired_workers", result.ExpiredWorkers).
					Int("stale_workers", result.StaleWorkers).
					Msg("liveness sweep acted")
			}
		case <-m.stopCh:
			return
		}
	}
}

// Sweep performs one liveness pass at the given instant and reports what
// it changed. Errors on individual builds or workers are logged and do
// not stop the rest of the sweep.
func (m *Monitor) Sweep(now time.Time) Result {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SweepDuration)

	var result Result
	result.RequeuedBuilds = m.sweepBuilds(now)

	expired, stale := m.sweepWorkers(now)
	result.ExpiredWorkers = expired
	result.StaleWorkers = stale
	return result
}

// sweepBuilds requeues active builds whose heartbeat has gone quiet. The
// catalog requeue also marks the unresponsive worker offline.
func (m *Monitor) sweepBuilds(now time.Time) int {
	builds, err := m.store.ListActiveBuilds()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list active builds")
		return 0
	}

	requeued := 0
	for _, build := range builds {
		age := now.Sub(build.HeartbeatReference())
		if age <= m.cfg.BuildTimeout {
			continue
		}
		if _, err := m.store.RequeueBuild(build.ID, RequeueReason); err != nil {
			// A completion can race the sweep; conflicts are not failures.
			if types.IsKind(err, types.KindStateConflict) {
				continue
			}
			m.logger.Error().Err(err).Str("build_id", build.ID).Msg("failed to requeue timed-out build")
			continue
		}
		m.logger.Warn().
			Str("build_id", build.ID).
			Str("worker_id", build.WorkerID).
			Dur("heartbeat_age", age).
			Msg("build heartbeat timed out")
		requeued++
	}
	return requeued
}

// sweepWorkers marks workers offline when their token has expired or they
// have not been seen within the stale threshold. Builds held by a worker
// that goes offline here are requeued by a later sweep once their own
// heartbeat window lapses.
func (m *Monitor) sweepWorkers(now time.Time) (expired, stale int) {
	workers, err := m.store.ListWorkers()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list workers")
		return 0, 0
	}

	for _, worker := range workers {
		if worker.Status == types.WorkerOffline {
			continue
		}

		switch {
		case !worker.TokenValid(now):
			if err := m.store.MarkWorkerOffline(worker.ID); err != nil {
				m.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to mark worker offline")
				continue
			}
			m.logger.Warn().
				Str("worker_id", worker.ID).
				Str("worker_name", worker.Name).
				Time("token_expired_at", worker.AccessTokenExpiresAt).
				Msg("worker token expired")
			expired++

		case now.Sub(worker.LastSeenAt) > m.cfg.StaleAfter:
			if err := m.store.MarkWorkerOffline(worker.ID); err != nil {
				m.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to mark worker offline")
				continue
			}
			m.logger.Warn().
				Str("worker_id", worker.ID).
				Str("worker_name", worker.Name).
				Dur("last_seen_age", now.Sub(worker.LastSeenAt)).
				Msg("worker went stale")
			stale++
		}
	}
	return expired, stale
}
