package api

import (
	"net/http"
	"strconv"

	"github.com/foundrymesh/foundry/pkg/journal"
	"github.com/foundrymesh/foundry/pkg/metrics"
	"github.com/foundrymesh/foundry/pkg/objectstore"
	"github.com/foundrymesh/foundry/pkg/types"
)

const (
	defaultEventsLimit = 100
	maxEventsLimit     = 1000
)

type healthResponse struct {
	Status  string        `json:"status"`
	Queue   queueCounts   `json:"queue"`
	Storage storageHealth `json:"storage"`
}

type queueCounts struct {
	Pending int `json:"pending"`
	Active  int `json:"active"`
}

type storageHealth struct {
	Root    string                             `json:"root"`
	Buckets map[string]objectstore.BucketStats `json:"buckets,omitempty"`
}

type statsResponse struct {
	Builds        map[string]int `json:"builds"`
	Workers       workerCounts   `json:"workers"`
	UptimeSeconds int64          `json:"uptime_seconds"`
}

type workerCounts struct {
	Registered int `json:"registered"`
	Online     int `json:"online"`
	Building   int `json:"building"`
}

type eventsResponse struct {
	Events []*journal.Entry `json:"events"`
}

// handleHealth reports queue depth and storage state. Anonymous: load
// balancers and uptime probes hit this without credentials.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	pending, active := s.engine.Counts()

	resp := healthResponse{
		Status:  "ok",
		Queue:   queueCounts{Pending: pending, Active: active},
		Storage: storageHealth{Root: s.objects.Root()},
	}

	buckets, err := s.objects.Stats()
	if err != nil {
		resp.Status = "degraded"
		s.logger.Error().Err(err).Msg("storage stats unavailable")
	} else {
		resp.Storage.Buckets = buckets
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleStats serves aggregate counters for dashboards. Nothing here
// identifies a build or a caller, so it stays anonymous.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountBuilds()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	builds := make(map[string]int, len(counts))
	for status, n := range counts {
		builds[string(status)] = n
	}

	workers, err := s.store.ListWorkers()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var wc workerCounts
	wc.Registered = len(workers)
	for _, worker := range workers {
		if worker.Status != types.WorkerOffline {
			wc.Online++
		}
		if worker.Status == types.WorkerBuilding {
			wc.Building++
		}
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Builds:        builds,
		Workers:       wc,
		UptimeSeconds: int64(metrics.Uptime().Seconds()),
	})
}

// handleEvents pages through the journal. Admin only: entries carry
// build and worker identifiers.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizer.RequireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	var after uint64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			s.writeError(w, r, types.NewValidation("after must be a non-negative integer", err.Error()))
			return
		}
		after = n
	}

	limit := defaultEventsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, types.NewValidation("limit must be a positive integer", ""))
			return
		}
		if n > maxEventsLimit {
			n = maxEventsLimit
		}
		limit = n
	}

	// after is exclusive: callers page by passing the last sequence
	// they saw. Sequences start at 1, so after=0 returns everything.
	entries, err := s.store.JournalEntries(after+1, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{Events: entries})
}
