package auth

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundrymesh/foundry/pkg/types"
)

const testKey = "kkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkk"

// fakeRegistry implements WorkerRegistry against an in-memory map.
type fakeRegistry struct {
	sealer   *Sealer
	workers  map[string]*types.Worker
	rotated  int
	tokenTTL time.Duration
}

func newFakeRegistry(t *testing.T, sealer *Sealer) *fakeRegistry {
	t.Helper()
	return &fakeRegistry{
		sealer:   sealer,
		workers:  make(map[string]*types.Worker),
		tokenTTL: 90 * time.Second,
	}
}

// add registers a worker with a fresh token and returns its plaintext.
func (f *fakeRegistry) add(t *testing.T, id string, expiresAt time.Time) string {
	t.Helper()
	token, err := GenerateToken()
	require.NoError(t, err)
	sealed, err := f.sealer.Seal(token)
	require.NoError(t, err)
	f.workers[id] = &types.Worker{
		ID:                   id,
		Name:                 id,
		Status:               types.WorkerIdle,
		SealedAccessToken:    sealed,
		AccessTokenExpiresAt: expiresAt,
	}
	return token
}

func (f *fakeRegistry) GetWorker(id string) (*types.Worker, error) {
	w, ok := f.workers[id]
	if !ok {
		return nil, types.NewNotFound("worker %s not found", id)
	}
	clone := *w
	return &clone, nil
}

func (f *fakeRegistry) RotateWorkerToken(id string, now time.Time) (*types.Worker, string, error) {
	w, ok := f.workers[id]
	if !ok {
		return nil, "", types.NewNotFound("worker %s not found", id)
	}
	token, err := GenerateToken()
	if err != nil {
		return nil, "", err
	}
	sealed, err := f.sealer.Seal(token)
	if err != nil {
		return nil, "", err
	}
	w.SealedAccessToken = sealed
	w.AccessTokenExpiresAt = now.Add(f.tokenTTL)
	f.rotated++
	clone := *w
	return &clone, token, nil
}

func newTestAuthorizer(t *testing.T) (*Authorizer, *fakeRegistry) {
	t.Helper()
	sealer, err := NewSealerFromKey(testKey)
	require.NoError(t, err)
	registry := newFakeRegistry(t, sealer)
	return NewAuthorizer(testKey, sealer, registry), registry
}

func TestGenerateToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, err := GenerateToken()
		require.NoError(t, err)
		require.False(t, seen[token], "token collision")
		seen[token] = true

		raw, err := base64.RawURLEncoding.DecodeString(token)
		require.NoError(t, err)
		assert.Len(t, raw, TokenBytes)
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("abc", "abc"))
	assert.False(t, Equal("abc", "abd"))
	assert.False(t, Equal("abc", "abcd"))
	assert.True(t, Equal("", ""))
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealerFromKey(testKey)
	require.NoError(t, err)

	token, err := GenerateToken()
	require.NoError(t, err)

	sealed, err := sealer.Seal(token)
	require.NoError(t, err)
	assert.NotEqual(t, token, sealed)

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, token, opened)

	// GCM nonces make sealing non-deterministic.
	sealed2, err := sealer.Seal(token)
	require.NoError(t, err)
	assert.NotEqual(t, sealed, sealed2)
}

func TestSealerWrongKey(t *testing.T) {
	a, err := NewSealerFromKey(testKey)
	require.NoError(t, err)
	b, err := NewSealerFromKey("a-completely-different-admin-key")
	require.NoError(t, err)

	sealed, err := a.Seal("secret")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestSealerRejectsBadInput(t *testing.T) {
	sealer, err := NewSealerFromKey(testKey)
	require.NoError(t, err)

	_, err = sealer.Seal("")
	assert.Error(t, err)

	_, err = sealer.Open("")
	assert.Error(t, err)

	_, err = sealer.Open("!!! not base64 !!!")
	assert.Error(t, err)

	_, err = sealer.Open(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestNewSealerKeyLength(t *testing.T) {
	_, err := NewSealer(make([]byte, 16))
	assert.Error(t, err)

	_, err = NewSealer(make([]byte, 32))
	assert.NoError(t, err)
}

func TestRequireAdmin(t *testing.T) {
	authorizer, _ := newTestAuthorizer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, testKey)
	assert.NoError(t, authorizer.RequireAdmin(req))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, "wrong")
	err := authorizer.RequireAdmin(req)
	assert.True(t, types.IsKind(err, types.KindAuth))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	err = authorizer.RequireAdmin(req)
	assert.True(t, types.IsKind(err, types.KindAuth))
}

func TestRequireBuildOwner(t *testing.T) {
	authorizer, _ := newTestAuthorizer(t)
	sealer, err := NewSealerFromKey(testKey)
	require.NoError(t, err)

	token, err := GenerateToken()
	require.NoError(t, err)
	sealed, err := sealer.Seal(token)
	require.NoError(t, err)
	build := &types.Build{ID: "bld-1", SealedAccessToken: sealed}

	// Owner token.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderBuildToken, token)
	assert.NoError(t, authorizer.RequireBuildOwner(req, build))

	// Admin key overrides.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderAPIKey, testKey)
	assert.NoError(t, authorizer.RequireBuildOwner(req, build))

	// Wrong token is forbidden, not unauthenticated.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderBuildToken, "someone-elses-token")
	err = authorizer.RequireBuildOwner(req, build)
	assert.True(t, types.IsKind(err, types.KindForbidden))

	// No credentials at all.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	err = authorizer.RequireBuildOwner(req, build)
	assert.True(t, types.IsKind(err, types.KindAuth))
}

func TestRequireWorkerRotates(t *testing.T) {
	authorizer, registry := newTestAuthorizer(t)
	token := registry.add(t, "w1", time.Now().Add(time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderWorkerID, "w1")
	req.Header.Set(HeaderAccessToken, token)

	wa, err := authorizer.RequireWorker(req)
	require.NoError(t, err)
	assert.Equal(t, "w1", wa.Worker.ID)
	assert.NotEmpty(t, wa.NewToken)
	assert.NotEqual(t, token, wa.NewToken)
	assert.Equal(t, 1, registry.rotated)

	// The spent token fails; the rotated one succeeds.
	_, err = authorizer.RequireWorker(req)
	assert.True(t, types.IsKind(err, types.KindAuth))

	req.Header.Set(HeaderAccessToken, wa.NewToken)
	_, err = authorizer.RequireWorker(req)
	assert.NoError(t, err)
}

func TestRequireWorkerRejections(t *testing.T) {
	authorizer, registry := newTestAuthorizer(t)
	registry.add(t, "w1", time.Now().Add(time.Minute))
	expired := registry.add(t, "w2", time.Now().Add(-time.Second))

	// Missing headers.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := authorizer.RequireWorker(req)
	assert.True(t, types.IsKind(err, types.KindAuth))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderWorkerID, "w1")
	_, err = authorizer.RequireWorker(req)
	assert.True(t, types.IsKind(err, types.KindAuth))

	// Unknown worker.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderWorkerID, "ghost")
	req.Header.Set(HeaderAccessToken, "anything")
	_, err = authorizer.RequireWorker(req)
	assert.True(t, types.IsKind(err, types.KindAuth))

	// Wrong token.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderWorkerID, "w1")
	req.Header.Set(HeaderAccessToken, "forged")
	_, err = authorizer.RequireWorker(req)
	assert.True(t, types.IsKind(err, types.KindAuth))

	// Expired token, even when it matches.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderWorkerID, "w2")
	req.Header.Set(HeaderAccessToken, expired)
	_, err = authorizer.RequireWorker(req)
	assert.True(t, types.IsKind(err, types.KindAuth))

	// None of the rejections consumed a rotation.
	assert.Equal(t, 0, registry.rotated)
}

func TestRequireWorkerForBuild(t *testing.T) {
	worker := &types.Worker{ID: "w1"}

	assert.NoError(t, RequireWorkerForBuild(worker, &types.Build{ID: "b1", WorkerID: "w1"}))

	err := RequireWorkerForBuild(worker, &types.Build{ID: "b1", WorkerID: "w2"})
	assert.True(t, types.IsKind(err, types.KindForbidden))

	err = RequireWorkerForBuild(worker, &types.Build{ID: "b1"})
	assert.True(t, types.IsKind(err, types.KindForbidden))
}

func TestRequireBuildIDHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderBuildID, "b1")
	assert.NoError(t, RequireBuildIDHeader(req, "b1"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderBuildID, "b2")
	err := RequireBuildIDHeader(req, "b1")
	assert.True(t, types.IsKind(err, types.KindSecurity))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	err = RequireBuildIDHeader(req, "b1")
	assert.True(t, types.IsKind(err, types.KindSecurity))
}

func TestMatchWorkerQuery(t *testing.T) {
	worker := &types.Worker{ID: "w1"}

	req := httptest.NewRequest(http.MethodGet, "/poll?worker_id=w1", nil)
	assert.NoError(t, MatchWorkerQuery(req, worker))

	req = httptest.NewRequest(http.MethodGet, "/poll", nil)
	assert.NoError(t, MatchWorkerQuery(req, worker))

	req = httptest.NewRequest(http.MethodGet, "/poll?worker_id=w2", nil)
	err := MatchWorkerQuery(req, worker)
	assert.True(t, types.IsKind(err, types.KindForbidden))
}
