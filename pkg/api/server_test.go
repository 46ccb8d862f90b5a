package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/config"
	"github.com/foundrymesh/foundry/pkg/dispatch"
	"github.com/foundrymesh/foundry/pkg/objectstore"
)

const testAPIKey = "kkkkkkkkkkkkkkkkkkkkkkkkkkkkkkkk"

// harness wires a full server against a temp catalog and object store
// and serves requests in-process through the router.
type harness struct {
	t       *testing.T
	router  http.Handler
	store   catalog.Store
	objects *objectstore.Store
	engine  *dispatch.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.APIKey = testAPIKey
	return newHarnessWithConfig(t, cfg)
}

// newHarnessWithCaps builds a harness with tiny upload caps so size
// limit tests do not need large payloads.
func newHarnessWithCaps(t *testing.T, source, certs, result int64) *harness {
	t.Helper()

	cfg := config.Default()
	cfg.APIKey = testAPIKey
	cfg.MaxSourceBytes = source
	cfg.MaxCertsBytes = certs
	cfg.MaxResultBytes = result
	return newHarnessWithConfig(t, cfg)
}

func newHarnessWithConfig(t *testing.T, cfg config.Config) *harness {
	t.Helper()

	sealer, err := auth.NewSealerFromKey(testAPIKey)
	require.NoError(t, err)

	store, err := catalog.NewBoltStore(catalog.Options{
		Path:   filepath.Join(t.TempDir(), "catalog.db"),
		Sealer: sealer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	objects, err := objectstore.New(filepath.Join(t.TempDir(), "storage"))
	require.NoError(t, err)

	engine := dispatch.NewEngine(store, nil)
	srv := NewServer(cfg, store, engine, objects, auth.NewAuthorizer(testAPIKey, sealer, store))

	return &harness{
		t:       t,
		router:  srv.Router(),
		store:   store,
		objects: objects,
		engine:  engine,
	}
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	return rec
}

func (h *harness) asAdmin(req *http.Request) *http.Request {
	req.Header.Set(auth.HeaderAPIKey, testAPIKey)
	return req
}

func (h *harness) asWorker(req *http.Request, workerID, token string) *http.Request {
	req.Header.Set(auth.HeaderWorkerID, workerID)
	req.Header.Set(auth.HeaderAccessToken, token)
	return req
}

// submit posts a multipart build submission with the admin key and
// returns the response.
func (h *harness) submit(platform string, source, certs []byte) *httptest.ResponseRecorder {
	h.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(h.t, mw.WriteField("platform", platform))
	if source != nil {
		fw, err := mw.CreateFormFile("source", "app.zip")
		require.NoError(h.t, err)
		_, err = fw.Write(source)
		require.NoError(h.t, err)
	}
	if certs != nil {
		fw, err := mw.CreateFormFile("certs", "certs.zip")
		require.NoError(h.t, err)
		_, err = fw.Write(certs)
		require.NoError(h.t, err)
	}
	require.NoError(h.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/builds/submit", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return h.do(h.asAdmin(req))
}

// mustSubmit submits a build and returns its ID and owner token.
func (h *harness) mustSubmit(platform string, source, certs []byte) (string, string) {
	h.t.Helper()

	rec := h.submit(platform, source, certs)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())

	var resp submitResponse
	decodeBody(h.t, rec, &resp)
	require.NotEmpty(h.t, resp.ID)
	require.NotEmpty(h.t, resp.AccessToken)
	return resp.ID, resp.AccessToken
}

// registerWorker registers a worker via the API and returns its ID and
// initial access token.
func (h *harness) registerWorker(name string) (string, string) {
	h.t.Helper()

	body := fmt.Sprintf(`{"name":%q}`, name)
	req := httptest.NewRequest(http.MethodPost, "/api/workers/register", strings.NewReader(body))
	rec := h.do(h.asAdmin(req))
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())

	var resp registerWorkerResponse
	decodeBody(h.t, rec, &resp)
	require.NotEmpty(h.t, resp.ID)
	require.NotEmpty(h.t, resp.AccessToken)
	return resp.ID, resp.AccessToken
}

// poll performs a worker poll. It returns the response and the rotated
// token from the response header.
func (h *harness) poll(workerID, token string) (*httptest.ResponseRecorder, string) {
	h.t.Helper()

	req := httptest.NewRequest(http.MethodGet, "/api/workers/poll?worker_id="+workerID, nil)
	rec := h.do(h.asWorker(req, workerID, token))
	return rec, rec.Header().Get(auth.HeaderAccessToken)
}

// mustAssign polls until the worker holds the given build and returns
// the rotated token.
func (h *harness) mustAssign(workerID, token, buildID string) string {
	h.t.Helper()

	rec, next := h.poll(workerID, token)
	require.Equal(h.t, http.StatusOK, rec.Code, rec.Body.String())

	var resp pollResponse
	decodeBody(h.t, rec, &resp)
	require.NotNil(h.t, resp.Job)
	require.Equal(h.t, buildID, resp.Job.ID)
	return next
}

// upload posts a multipart result upload with worker credentials and
// returns the response and rotated token.
func (h *harness) upload(workerID, token, buildID string, success bool, result []byte, errorMessage string) (*httptest.ResponseRecorder, string) {
	h.t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(h.t, mw.WriteField("build_id", buildID))
	require.NoError(h.t, mw.WriteField("worker_id", workerID))
	require.NoError(h.t, mw.WriteField("success", strconv.FormatBool(success)))
	if errorMessage != "" {
		require.NoError(h.t, mw.WriteField("error_message", errorMessage))
	}
	if result != nil {
		fw, err := mw.CreateFormFile("result", "out.ipa")
		require.NoError(h.t, err)
		_, err = fw.Write(result)
		require.NoError(h.t, err)
	}
	require.NoError(h.t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/workers/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := h.do(h.asWorker(req, workerID, token))
	return rec, rec.Header().Get(auth.HeaderAccessToken)
}

// heartbeat posts a heartbeat for the build with worker credentials.
func (h *harness) heartbeat(buildID, workerID, token, body string) (*httptest.ResponseRecorder, string) {
	h.t.Helper()

	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/builds/"+buildID+"/heartbeat?worker_id="+workerID, r)
	rec := h.do(h.asWorker(req, workerID, token))
	return rec, rec.Header().Get(auth.HeaderAccessToken)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorMessageOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errorBody
	decodeBody(t, rec, &body)
	return body.Error
}
