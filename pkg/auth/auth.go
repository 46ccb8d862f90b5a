package auth

import (
	"net/http"
	"time"

	"github.com/foundrymesh/foundry/pkg/types"
)

// Request headers carrying credentials.
const (
	HeaderAPIKey      = "X-API-Key"
	HeaderBuildToken  = "X-Build-Token"
	HeaderWorkerID    = "X-Worker-Id"
	HeaderAccessToken = "X-Access-Token"
	HeaderBuildID     = "X-Build-Id"
)

// WorkerRegistry is the subset of the catalog the authorizer needs:
// worker lookup and token rotation.
type WorkerRegistry interface {
	GetWorker(id string) (*types.Worker, error)
	RotateWorkerToken(id string, now time.Time) (*types.Worker, string, error)
}

// WorkerAuth is the result of a successful worker authentication. The
// presented token has already been invalidated; NewToken must reach
// the worker in the response or it is locked out until re-registration.
type WorkerAuth struct {
	Worker   *types.Worker
	NewToken string
}

// Authorizer checks the three credential scopes: admin key,
// per-build owner token, and rotating worker token.
type Authorizer struct {
	apiKey   string
	sealer   *Sealer
	registry WorkerRegistry
	now      func() time.Time
}

// NewAuthorizer creates an authorizer for the given admin key.
func NewAuthorizer(apiKey string, sealer *Sealer, registry WorkerRegistry) *Authorizer {
	return &Authorizer{
		apiKey:   apiKey,
		sealer:   sealer,
		registry: registry,
		now:      time.Now,
	}
}

// IsAdmin reports whether the request carries a valid admin key.
func (a *Authorizer) IsAdmin(r *http.Request) bool {
	key := r.Header.Get(HeaderAPIKey)
	return key != "" && Equal(key, a.apiKey)
}

// RequireAdmin authorizes admin-only endpoints.
func (a *Authorizer) RequireAdmin(r *http.Request) error {
	if !a.IsAdmin(r) {
		return types.NewAuth("invalid or missing API key")
	}
	return nil
}

// RequireBuildOwner authorizes build-scoped endpoints: the admin key
// or the build's own access token.
func (a *Authorizer) RequireBuildOwner(r *http.Request, build *types.Build) error {
	if a.IsAdmin(r) {
		return nil
	}

	token := r.Header.Get(HeaderBuildToken)
	if token == "" {
		return types.NewAuth("missing credentials")
	}

	own, err := a.sealer.Open(build.SealedAccessToken)
	if err != nil {
		return types.NewAuth("invalid build token")
	}
	if !Equal(token, own) {
		return types.NewForbidden("token does not match build")
	}
	return nil
}

// RequireWorker authenticates the worker header pair and rotates the
// token. Validation and rotation are one step: after a successful
// return the presented token is no longer valid.
func (a *Authorizer) RequireWorker(r *http.Request) (*WorkerAuth, error) {
	workerID := r.Header.Get(HeaderWorkerID)
	token := r.Header.Get(HeaderAccessToken)
	if workerID == "" || token == "" {
		return nil, types.NewAuth("missing worker credentials")
	}

	worker, err := a.registry.GetWorker(workerID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, types.NewAuth("invalid worker credentials")
		}
		return nil, err
	}

	now := a.now()
	if !worker.TokenValid(now) {
		return nil, types.NewAuth("worker token expired")
	}

	current, err := a.sealer.Open(worker.SealedAccessToken)
	if err != nil {
		return nil, types.NewAuth("invalid worker credentials")
	}
	if !Equal(token, current) {
		return nil, types.NewAuth("invalid worker credentials")
	}

	rotated, newToken, err := a.registry.RotateWorkerToken(workerID, now)
	if err != nil {
		return nil, err
	}

	return &WorkerAuth{Worker: rotated, NewToken: newToken}, nil
}

// RequireWorkerForBuild verifies the build is bound to the
// authenticated worker. Workers never see builds held by others.
func RequireWorkerForBuild(worker *types.Worker, build *types.Build) error {
	if build.WorkerID == "" || build.WorkerID != worker.ID {
		return types.NewForbidden("build is not assigned to this worker")
	}
	return nil
}

// RequireBuildIDHeader verifies the X-Build-Id header matches the
// build named in the URL path. Cert egress and telemetry trust the
// deliberately supplied header over the path.
func RequireBuildIDHeader(r *http.Request, buildID string) error {
	header := r.Header.Get(HeaderBuildID)
	if header == "" {
		return types.NewSecurity("missing " + HeaderBuildID + " header")
	}
	if header != buildID {
		return types.NewSecurity(HeaderBuildID + " header does not match request path")
	}
	return nil
}

// MatchWorkerQuery verifies that a worker_id query parameter, when
// present, names the authenticated worker.
func MatchWorkerQuery(r *http.Request, worker *types.Worker) error {
	q := r.URL.Query().Get("worker_id")
	if q != "" && q != worker.ID {
		return types.NewForbidden("worker_id does not match credentials")
	}
	return nil
}
