package metrics

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/events"
	"github.com/foundrymesh/foundry/pkg/log"
	"github.com/foundrymesh/foundry/pkg/types"
)

const collectInterval = 15 * time.Second

// Collector keeps the Prometheus gauges in step with the catalog and
// turns committed lifecycle events into counters. Gauges refresh on a
// 15 s ticker; counters follow the event bus so they reflect commits,
// not attempts.
type Collector struct {
	store  catalog.Store
	broker *events.Broker
	sub    events.Subscriber
	logger zerolog.Logger
	stopCh chan struct{}
}

// NewCollector creates a metrics collector. The broker may be nil, in
// which case only the gauges are maintained.
func NewCollector(store catalog.Store, broker *events.Broker) *Collector {
	return &Collector{
		store:  store,
		broker: broker,
		logger: log.WithComponent("metrics"),
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	if c.broker != nil {
		c.sub = c.broker.Subscribe()
	}
	go c.run()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	if c.broker != nil && c.sub != nil {
		c.broker.Unsubscribe(c.sub)
	}
}

func (c *Collector) run() {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	// Collect immediately on start
	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case ev, ok := <-c.sub:
			if !ok {
				return
			}
			c.count(ev)
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect() {
	c.collectBuildMetrics()
	c.collectWorkerMetrics()
}

func (c *Collector) collectBuildMetrics() {
	counts, err := c.store.CountBuilds()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to collect build metrics")
		return
	}

	for _, status := range []types.BuildStatus{
		types.BuildPending, types.BuildAssigned, types.BuildBuilding,
		types.BuildCompleted, types.BuildFailed,
	} {
		BuildsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	BuildsPending.Set(float64(counts[types.BuildPending]))
	BuildsActive.Set(float64(counts[types.BuildAssigned] + counts[types.BuildBuilding]))
}

func (c *Collector) collectWorkerMetrics() {
	workers, err := c.store.ListWorkers()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to collect worker metrics")
		return
	}

	statusCounts := make(map[types.WorkerStatus]int)
	for _, w := range workers {
		statusCounts[w.Status]++
	}
	for _, status := range []types.WorkerStatus{
		types.WorkerIdle, types.WorkerBuilding, types.WorkerOffline,
	} {
		WorkersByStatus.WithLabelValues(string(status)).Set(float64(statusCounts[status]))
	}
}

// count translates one committed lifecycle event into counter bumps.
func (c *Collector) count(ev *events.Event) {
	switch ev.Type {
	case events.EventBuildSubmitted:
		BuildsSubmittedTotal.Inc()
	case events.EventBuildCompleted:
		BuildsCompletedTotal.Inc()
		c.observeBuildDuration(ev.BuildID)
	case events.EventBuildFailed:
		BuildsFailedTotal.Inc()
	case events.EventBuildCancelled:
		BuildsCancelledTotal.Inc()
	case events.EventBuildTimeout:
		BuildTimeoutsTotal.Inc()
	case events.EventWorkerRegistered:
		WorkersRegisteredTotal.Inc()
	case events.EventWorkerOffline:
		WorkersOfflineTotal.Inc()
	}
}

func (c *Collector) observeBuildDuration(buildID string) {
	build, err := c.store.GetBuild(buildID)
	if err != nil || build.CompletedAt == nil {
		return
	}
	start := build.SubmittedAt
	if build.StartedAt != nil {
		start = *build.StartedAt
	} else if build.AssignedAt != nil {
		start = *build.AssignedAt
	}
	BuildDuration.Observe(build.CompletedAt.Sub(start).Seconds())
}
