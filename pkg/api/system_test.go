package api

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthAnonymous(t *testing.T) {
	h := newHarness(t)
	h.mustSubmit("ios", []byte("source"), nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Queue.Pending)
	assert.Equal(t, 0, resp.Queue.Active)
	assert.NotEmpty(t, resp.Storage.Root)
	require.Contains(t, resp.Storage.Buckets, "source")
	assert.Equal(t, 1, resp.Storage.Buckets["source"].Files)
}

func TestLivenessAnonymous(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/live", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.mustSubmit("ios", []byte("source"), nil)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "foundry_")
}

func TestStatsAnonymous(t *testing.T) {
	h := newHarness(t)
	id, _ := h.mustSubmit("ios", []byte("source"), nil)
	h.mustSubmit("android", []byte("source2"), nil)
	workerID, token := h.registerWorker("mac-mini-01")
	h.registerWorker("mac-mini-02")
	h.mustAssign(workerID, token, id)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := h.do(req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	decodeBody(t, rec, &resp)
	assert.Equal(t, 1, resp.Builds["pending"])
	assert.Equal(t, 1, resp.Builds["assigned"])
	assert.Equal(t, 2, resp.Workers.Registered)
	assert.Equal(t, 2, resp.Workers.Online)
	assert.Equal(t, 1, resp.Workers.Building)
	assert.GreaterOrEqual(t, resp.UptimeSeconds, int64(0))

	// No tokens or credentials anywhere in an anonymous response.
	assert.NotContains(t, rec.Body.String(), "token")
	assert.NotContains(t, rec.Body.String(), "sealed")
}

func TestEventsRequiresAdmin(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/events", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestEventsListsJournal(t *testing.T) {
	h := newHarness(t)
	id, _ := h.mustSubmit("ios", []byte("source"), nil)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	rec := h.do(h.asAdmin(req))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp eventsResponse
	decodeBody(t, rec, &resp)
	require.NotEmpty(t, resp.Events)
	first := resp.Events[0]
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, "build:submitted", first.Type)
	assert.Equal(t, id, first.BuildID)
	assert.NotEmpty(t, first.Hash)
}

func TestEventsPaging(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.mustSubmit("ios", []byte{byte(i)}, nil)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=2", nil)
	rec := h.do(h.asAdmin(req))
	require.Equal(t, http.StatusOK, rec.Code)

	var page eventsResponse
	decodeBody(t, rec, &page)
	require.Len(t, page.Events, 2)
	lastSeq := page.Events[1].Sequence

	req = httptest.NewRequest(http.MethodGet, "/api/events?after="+strconv.FormatUint(lastSeq, 10)+"&limit=2", nil)
	rec = h.do(h.asAdmin(req))
	require.Equal(t, http.StatusOK, rec.Code)

	var next eventsResponse
	decodeBody(t, rec, &next)
	require.Len(t, next.Events, 2)
	assert.Equal(t, lastSeq+1, next.Events[0].Sequence)
}

func TestEventsRejectsBadQuery(t *testing.T) {
	h := newHarness(t)

	req := httptest.NewRequest(http.MethodGet, "/api/events?after=minus-one", nil)
	rec := h.do(h.asAdmin(req))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/events?limit=0", nil)
	rec = h.do(h.asAdmin(req))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownRouteNotFound(t *testing.T) {
	h := newHarness(t)

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalErrorBodyOpaque(t *testing.T) {
	h := newHarness(t)

	// Closing the catalog under the server forces an internal failure
	// on the next read.
	require.NoError(t, h.store.Close())

	req := httptest.NewRequest(http.MethodGet, "/api/builds/some-id/status", nil)
	rec := h.do(h.asAdmin(req))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", errorMessageOf(t, rec))
}
