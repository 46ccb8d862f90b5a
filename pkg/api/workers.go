package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/metrics"
	"github.com/foundrymesh/foundry/pkg/objectstore"
	"github.com/foundrymesh/foundry/pkg/types"
)

type registerWorkerRequest struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Capabilities map[string]string `json:"capabilities"`
}

type registerWorkerResponse struct {
	ID                   string    `json:"id"`
	Status               string    `json:"status"`
	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
}

// pollJob is the assignment handed to a polling worker. The worker
// fetches inputs through the URLs rather than receiving refs it could
// aim at arbitrary paths.
type pollJob struct {
	ID        string         `json:"id"`
	Platform  types.Platform `json:"platform"`
	SourceURL string         `json:"source_url"`
	CertsURL  *string        `json:"certs_url"`
}

type pollResponse struct {
	Job   *pollJob `json:"job"`
	Token string   `json:"token,omitempty"`
}

type heartbeatRequest struct {
	Progress *int `json:"progress"`
}

type telemetryRequest struct {
	Type      string         `json:"type"`
	Timestamp flexTime       `json:"timestamp"`
	Data      *telemetryData `json:"data"`
}

type telemetryData struct {
	CPUPercent *float64 `json:"cpu_percent"`
	MemoryMB   *float64 `json:"memory_mb"`
}

type telemetryResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
}

type uploadResponse struct {
	Status      string `json:"status"`
	BuildID     string `json:"build_id"`
	BuildStatus string `json:"build_status"`
}

// handleRegisterWorker creates or refreshes a worker. Registration is
// admin-scoped: workers join the mesh with the operator key, then live
// on their rotating token.
func (s *Server) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizer.RequireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req registerWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	worker, token, reregistered, err := s.store.RegisterWorker(req.ID, req.Name, req.Capabilities)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	status := "registered"
	if reregistered {
		status = "re-registered"
	}
	writeJSON(w, http.StatusOK, registerWorkerResponse{
		ID:                   worker.ID,
		Status:               status,
		AccessToken:          token,
		AccessTokenExpiresAt: worker.AccessTokenExpiresAt,
	})
}

// handlePoll hands the worker its next build, or {job: null} when the
// queue is empty. Every poll rotates the worker token; the fresh token
// rides both the response header and, when a job is assigned, the body.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	wa, err := s.authorizer.RequireWorker(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(auth.HeaderAccessToken, wa.NewToken)

	if err := auth.MatchWorkerQuery(r, wa.Worker); err != nil {
		s.writeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	if err := s.store.TouchWorkerPoll(wa.Worker.ID, now); err != nil {
		s.writeError(w, r, err)
		return
	}

	timer := metrics.NewTimer()
	build, err := s.engine.PollNext(wa.Worker.ID, now)
	timer.ObserveDuration(metrics.ClaimLatency)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if build == nil {
		metrics.ClaimsTotal.WithLabelValues("miss").Inc()
		writeJSON(w, http.StatusOK, pollResponse{Job: nil})
		return
	}

	metrics.ClaimsTotal.WithLabelValues("hit").Inc()
	job := &pollJob{
		ID:        build.ID,
		Platform:  build.Platform,
		SourceURL: fmt.Sprintf("/api/builds/%s/source", build.ID),
	}
	if build.CertsRef != "" {
		certsURL := fmt.Sprintf("/api/builds/%s/certs", build.ID)
		job.CertsURL = &certsURL
	}
	writeJSON(w, http.StatusOK, pollResponse{Job: job, Token: wa.NewToken})
}

// handleHeartbeat refreshes the liveness clock of the worker's build.
// The response distinguishes three outcomes so the worker knows whether
// to keep going, tear the job down, or treat it as gone: ok, cancelled
// (400), and unknown build (404).
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	wa, err := s.authorizer.RequireWorker(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(auth.HeaderAccessToken, wa.NewToken)

	if err := auth.MatchWorkerQuery(r, wa.Worker); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	buildID := chi.URLParam(r, "buildID")
	if _, err := s.store.RecordHeartbeat(buildID, wa.Worker.ID, time.Now().UTC()); err != nil {
		if types.IsKind(err, types.KindNotFound) {
			writeJSON(w, http.StatusNotFound, errorBody{Error: "Build not found"})
			return
		}
		s.writeError(w, r, err)
		return
	}

	if req.Progress != nil {
		entry := types.BuildLogEntry{
			Level:   types.LogInfo,
			Message: fmt.Sprintf("Progress: %d%%", *req.Progress),
		}
		if err := s.store.AppendLogs(buildID, []types.BuildLogEntry{entry}); err != nil {
			s.logger.Warn().Err(err).Str("build_id", buildID).Msg("failed to append progress log")
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleTelemetry ingests resource samples from the assigned worker.
// Any well-formed call refreshes the heartbeat even when the payload
// carries no usable sample, so telemetry alone keeps a build alive.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	wa, err := s.authorizer.RequireWorker(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(auth.HeaderAccessToken, wa.NewToken)

	buildID := chi.URLParam(r, "buildID")
	if err := auth.RequireBuildIDHeader(r, buildID); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req telemetryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.store.RecordHeartbeat(buildID, wa.Worker.ID, time.Now().UTC()); err != nil {
		s.writeError(w, r, err)
		return
	}

	accepted := 0
	if req.Data != nil && (req.Data.CPUPercent != nil || req.Data.MemoryMB != nil) {
		sample := types.CpuSnapshot{Timestamp: req.Timestamp.Time}
		if req.Data.CPUPercent != nil {
			sample.CPUPercent = *req.Data.CPUPercent
		}
		if req.Data.MemoryMB != nil {
			sample.MemoryMB = *req.Data.MemoryMB
		}
		accepted, err = s.store.AppendSnapshots(buildID, []types.CpuSnapshot{sample})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, telemetryResponse{Status: "ok", Accepted: accepted})
}

// handleUpload receives the build outcome as a multipart form. Field
// parts identify the build and verdict; on success the result archive
// streams into the object store before the catalog transition, so a
// completed build always has its artifact. Field parts must precede
// the result part or the upload is rejected.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	wa, err := s.authorizer.RequireWorker(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(auth.HeaderAccessToken, wa.NewToken)

	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, types.NewValidation("multipart form required", err.Error()))
		return
	}

	var buildID, workerID, errorMessage string
	var success, successSet bool
	var resultRef string
	var resultBytes int64
	var build *types.Build

	cleanup := func() {
		if resultRef != "" {
			s.objects.Delete(resultRef)
		}
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			cleanup()
			s.writeError(w, r, types.NewValidation("malformed multipart form", err.Error()))
			return
		}

		switch part.FormName() {
		case "build_id":
			v, err := readFormValue(part)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			buildID = v
		case "worker_id":
			v, err := readFormValue(part)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			workerID = v
		case "success":
			v, err := readFormValue(part)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			success = v == "true"
			successSet = true
		case "error_message":
			v, err := readFormValue(part)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			errorMessage = v
		case "result":
			if buildID == "" {
				s.writeError(w, r, types.NewValidation("build_id must precede result", ""))
				return
			}
			// Authorize against the catalog before accepting a
			// potentially multi-gigabyte stream.
			build, err = s.store.GetBuild(buildID)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			if err := auth.RequireWorkerForBuild(wa.Worker, build); err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			name := objectstore.ResultName(buildID, build.Platform)
			resultRef, resultBytes, err = s.objects.Put(objectstore.BucketResult, name, part, s.cfg.MaxResultBytes)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
		}
	}

	if buildID == "" {
		cleanup()
		s.writeError(w, r, types.NewValidation("build_id required", ""))
		return
	}
	if !successSet {
		cleanup()
		s.writeError(w, r, types.NewValidation("success field required", ""))
		return
	}
	if workerID != "" && workerID != wa.Worker.ID {
		cleanup()
		s.writeError(w, r, types.NewForbidden("worker_id does not match credentials"))
		return
	}

	if build == nil {
		build, err = s.store.GetBuild(buildID)
		if err != nil {
			cleanup()
			s.writeError(w, r, err)
			return
		}
		if err := auth.RequireWorkerForBuild(wa.Worker, build); err != nil {
			cleanup()
			s.writeError(w, r, err)
			return
		}
	}

	var final *types.Build
	switch {
	case success && resultRef == "":
		s.writeError(w, r, types.NewValidation("result archive required", ""))
		return
	case success:
		final, err = s.store.CompleteBuild(buildID, wa.Worker.ID, resultRef)
		if err != nil {
			cleanup()
			s.writeError(w, r, err)
			return
		}
		metrics.UploadBytesTotal.WithLabelValues(string(objectstore.BucketResult)).Add(float64(resultBytes))
	case resultRef != "":
		cleanup()
		s.writeError(w, r, types.NewValidation("result archive not allowed on failure", ""))
		return
	default:
		final, err = s.store.FailBuild(buildID, wa.Worker.ID, errorMessage)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.engine.Release(wa.Worker.ID)
	writeJSON(w, http.StatusOK, uploadResponse{
		Status:      "ok",
		BuildID:     final.ID,
		BuildStatus: string(final.Status),
	})
}
