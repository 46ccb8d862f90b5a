package dispatch

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/events"
	"github.com/foundrymesh/foundry/pkg/log"
	"github.com/foundrymesh/foundry/pkg/types"
)

// OrphanRequeueReason is logged against builds whose worker vanished
// between controller runs.
const OrphanRequeueReason = "Assigned worker no longer registered; returned to queue"

// Engine mediates build pickup between the HTTP layer and the catalog.
type Engine struct {
	store  catalog.Store
	broker *events.Broker
	logger zerolog.Logger

	mu   sync.RWMutex
	busy map[string]string // worker id -> build id

	sub    events.Subscriber
	stopCh chan struct{}
}

// NewEngine creates a dispatch engine. The broker may be nil; the
// index then relies solely on the poll path.
func NewEngine(store catalog.Store, broker *events.Broker) *Engine {
	return &Engine{
		store:  store,
		broker: broker,
		logger: log.WithComponent("dispatch"),
		busy:   make(map[string]string),
		stopCh: make(chan struct{}),
	}
}

// Restore rebuilds dispatch state from the catalog after a controller
// restart: pending builds stay queued in submission order, active
// builds are re-bound to their workers, and builds whose worker is no
// longer registered go back to the queue. Runs before the HTTP
// listener starts.
func (e *Engine) Restore() error {
	requeued, err := e.store.ResetOrphanedAssignments(OrphanRequeueReason)
	if err != nil {
		return err
	}

	pending, err := e.store.ListPendingOrdered()
	if err != nil {
		return err
	}
	active, err := e.store.ListActiveBuilds()
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.busy = make(map[string]string, len(active))
	for _, build := range active {
		e.busy[build.WorkerID] = build.ID
	}
	e.mu.Unlock()

	e.logger.Info().
		Int("pending", len(pending)).
		Int("active", len(active)).
		Int("orphans_requeued", len(requeued)).
		Msg("dispatch state restored")
	return nil
}

// Start begins consuming lifecycle events to keep the busy index in
// sync with transitions that bypass the poll path (cancellation,
// liveness requeues).
func (e *Engine) Start() {
	if e.broker == nil {
		return
	}
	e.sub = e.broker.Subscribe()
	go e.run()
}

// Stop halts event consumption.
func (e *Engine) Stop() {
	close(e.stopCh)
	if e.broker != nil && e.sub != nil {
		e.broker.Unsubscribe(e.sub)
	}
}

func (e *Engine) run() {
	for {
		select {
		case ev, ok := <-e.sub:
			if !ok {
				return
			}
			e.apply(ev)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) apply(ev *events.Event) {
	switch ev.Type {
	case events.EventBuildAssigned:
		if ev.WorkerID != "" && ev.BuildID != "" {
			e.mu.Lock()
			e.busy[ev.WorkerID] = ev.BuildID
			e.mu.Unlock()
		}
	case events.EventBuildCompleted, events.EventBuildFailed,
		events.EventBuildCancelled, events.EventBuildTimeout:
		if ev.WorkerID == "" {
			return
		}
		e.mu.Lock()
		if e.busy[ev.WorkerID] == ev.BuildID {
			delete(e.busy, ev.WorkerID)
		}
		e.mu.Unlock()
	case events.EventWorkerOffline:
		if ev.WorkerID != "" {
			e.mu.Lock()
			delete(e.busy, ev.WorkerID)
			e.mu.Unlock()
		}
	}
}

// PollNext hands the worker its next build: the one it already holds
// on a re-poll, otherwise the oldest pending build, otherwise nil.
func (e *Engine) PollNext(workerID string, now time.Time) (*types.Build, error) {
	build, err := e.store.ClaimNextPending(workerID, now)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if build != nil {
		e.busy[workerID] = build.ID
	} else {
		delete(e.busy, workerID)
	}
	e.mu.Unlock()
	return build, nil
}

// Release drops the worker's busy entry after it reported a result.
func (e *Engine) Release(workerID string) {
	e.mu.Lock()
	delete(e.busy, workerID)
	e.mu.Unlock()
}

// Busy returns the build the index believes the worker holds.
func (e *Engine) Busy(workerID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.busy[workerID]
	return id, ok
}

// Counts reports queue depth and the number of busy workers. Pending
// comes from the catalog (cheap index scan); active from the in-memory
// view.
func (e *Engine) Counts() (pending, active int) {
	if builds, err := e.store.ListPendingOrdered(); err == nil {
		pending = len(builds)
	} else {
		e.logger.Error().Err(err).Msg("failed to count pending builds")
	}
	e.mu.RLock()
	active = len(e.busy)
	e.mu.RUnlock()
	return pending, active
}
