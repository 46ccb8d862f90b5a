package api

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/metrics"
	"github.com/foundrymesh/foundry/pkg/objectstore"
	"github.com/foundrymesh/foundry/pkg/types"
)

// maxFormValueBytes caps non-file multipart fields.
const maxFormValueBytes = 4 << 10

type submitResponse struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	AccessToken string    `json:"access_token"`
}

type retryResponse struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	AccessToken     string `json:"access_token"`
	OriginalBuildID string `json:"original_build_id"`
}

type logsResponse struct {
	BuildID string                `json:"build_id"`
	Logs    []types.BuildLogEntry `json:"logs"`
}

type appendLogsRequest struct {
	Level     types.LogLevel  `json:"level"`
	Message   string          `json:"message"`
	Timestamp flexTime        `json:"timestamp"`
	Logs      []logEntryInput `json:"logs"`
}

type logEntryInput struct {
	Level     types.LogLevel `json:"level"`
	Message   string         `json:"message"`
	Timestamp flexTime       `json:"timestamp"`
}

type appendLogsResponse struct {
	Status   string `json:"status"`
	Appended int    `json:"appended"`
}

type activeBuildsResponse struct {
	Builds []*types.Build `json:"builds"`
}

// buildView strips the sealed token before a build record goes on the
// wire. The ciphertext is useless to clients and has no business there.
func buildView(b *types.Build) *types.Build {
	v := b.Clone()
	v.SealedAccessToken = ""
	return v
}

// handleSubmit accepts a multipart build submission: a platform field,
// a source archive, and optionally a certs bundle. File parts stream
// straight into the object store under the new build's ID; nothing is
// buffered in memory. Partial writes are removed on any failure.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizer.RequireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	reader, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, types.NewValidation("multipart form required", err.Error()))
		return
	}

	buildID := catalog.NewBuildID()
	var platform types.Platform
	var sourceRef, certsRef string
	var sourceBytes, certsBytes int64

	cleanup := func() {
		if sourceRef != "" {
			s.objects.Delete(sourceRef)
		}
		if certsRef != "" {
			s.objects.Delete(certsRef)
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
		case "platform":
			v, err := readFormValue(part)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			platform = types.Platform(v)
		case "source":
			ref, n, err := s.objects.Put(objectstore.BucketSource, objectstore.SourceName(buildID), part, s.cfg.MaxSourceBytes)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			sourceRef, sourceBytes = ref, n
		case "certs":
			ref, n, err := s.objects.Put(objectstore.BucketCerts, objectstore.CertsName(buildID), part, s.cfg.MaxCertsBytes)
			if err != nil {
				cleanup()
				s.writeError(w, r, err)
				return
			}
			certsRef, certsBytes = ref, n
		}
	}

	if sourceRef == "" {
		cleanup()
		s.writeError(w, r, types.NewValidation("source archive required", ""))
		return
	}

	build, token, err := s.store.CreateBuild(buildID, platform, sourceRef, certsRef)
	if err != nil {
		cleanup()
		s.writeError(w, r, err)
		return
	}

	metrics.UploadBytesTotal.WithLabelValues(string(objectstore.BucketSource)).Add(float64(sourceBytes))
	if certsRef != "" {
		metrics.UploadBytesTotal.WithLabelValues(string(objectstore.BucketCerts)).Add(float64(certsBytes))
	}

	writeJSON(w, http.StatusOK, submitResponse{
		ID:          build.ID,
		Status:      string(build.Status),
		SubmittedAt: build.SubmittedAt,
		AccessToken: token,
	})
}

// handleBuildStatus returns the build record to its owner or an admin.
func (s *Server) handleBuildStatus(w http.ResponseWriter, r *http.Request) {
	build, err := s.ownerBuild(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buildView(build))
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	build, err := s.ownerBuild(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	logs, err := s.store.GetLogs(build.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, logsResponse{BuildID: build.ID, Logs: logs})
}

// handleAppendLogs lets the assigned worker attach log lines to its
// build. A single entry is validated strictly; a batch drops invalid
// entries and stores the rest.
func (s *Server) handleAppendLogs(w http.ResponseWriter, r *http.Request) {
	wa, err := s.authorizer.RequireWorker(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set(auth.HeaderAccessToken, wa.NewToken)

	build, err := s.store.GetBuild(chi.URLParam(r, "buildID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := auth.RequireWorkerForBuild(wa.Worker, build); err != nil {
		s.writeError(w, r, err)
		return
	}

	var req appendLogsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	var entries []types.BuildLogEntry
	if len(req.Logs) > 0 {
		for _, in := range req.Logs {
			if !types.ValidLogLevel(in.Level) || in.Message == "" {
				continue
			}
			entries = append(entries, types.BuildLogEntry{
				Timestamp: in.Timestamp.Time,
				Level:     in.Level,
				Message:   in.Message,
			})
		}
	} else {
		entries = []types.BuildLogEntry{{
			Timestamp: req.Timestamp.Time,
			Level:     req.Level,
			Message:   req.Message,
		}}
	}

	if err := s.store.AppendLogs(build.ID, entries); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, appendLogsResponse{Status: "ok", Appended: len(entries)})
}

// handleDownload streams a completed build's result artifact.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	build, err := s.ownerBuild(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if build.Status != types.BuildCompleted {
		s.writeError(w, r, types.NewStateConflict("Build is not completed"))
		return
	}

	s.streamArtifact(w, r, build.ResultRef, objectstore.ResultName(build.ID, build.Platform), objectstore.BucketResult)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	build, err := s.ownerBuild(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	cancelled, err := s.store.CancelBuild(build.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buildView(cancelled))
}

// handleRetry creates a new pending build reusing the original's stored
// source and certs. The artifacts must still exist: an operator can
// reclaim disk out-of-band, and a retry pointing at nothing helps
// nobody.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	build, err := s.ownerBuild(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if !s.objects.Exists(build.SourceRef) {
		s.writeError(w, r, types.NewValidation("Original build source no longer available", ""))
		return
	}
	if build.CertsRef != "" && !s.objects.Exists(build.CertsRef) {
		s.writeError(w, r, types.NewValidation("Original build certificates no longer available", ""))
		return
	}

	retried, token, err := s.store.RetryBuild(build.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, retryResponse{
		ID:              retried.ID,
		Status:          string(retried.Status),
		AccessToken:     token,
		OriginalBuildID: build.ID,
	})
}

func (s *Server) handleActiveBuilds(w http.ResponseWriter, r *http.Request) {
	if err := s.authorizer.RequireAdmin(r); err != nil {
		s.writeError(w, r, err)
		return
	}

	active, err := s.store.ListActiveBuilds()
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]*types.Build, 0, len(active))
	for _, b := range active {
		views = append(views, buildView(b))
	}
	writeJSON(w, http.StatusOK, activeBuildsResponse{Builds: views})
}

// ownerBuild loads the build from the URL and authorizes the caller as
// its owner or an admin.
func (s *Server) ownerBuild(r *http.Request) (*types.Build, error) {
	build, err := s.store.GetBuild(chi.URLParam(r, "buildID"))
	if err != nil {
		return nil, err
	}
	if err := s.authorizer.RequireBuildOwner(r, build); err != nil {
		return nil, err
	}
	return build, nil
}

// readFormValue reads a small multipart field.
func readFormValue(part io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFormValueBytes))
	if err != nil {
		return "", types.NewValidation("failed to read form field", err.Error())
	}
	return string(data), nil
}
