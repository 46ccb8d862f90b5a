package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/journal"
	"github.com/foundrymesh/foundry/pkg/types"
)

// opTimeout bounds plain JSON calls. Streaming transfers run on the
// caller's context alone.
const opTimeout = 15 * time.Second

// Client talks to a foundry controller. The zero value is not usable;
// create one with NewClient. Worker credentials, once set or obtained
// from registration, rotate automatically: every response's
// X-Access-Token header replaces the stored token.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client

	mu          sync.Mutex
	workerID    string
	accessToken string
}

// NewClient creates a client for the controller at baseURL. The API key
// may be empty for owner-token and worker-only use.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc:   &http.Client{},
	}
}

// SetWorkerCredentials primes the worker identity, e.g. restored from
// an agent state file.
func (c *Client) SetWorkerCredentials(workerID, accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workerID = workerID
	c.accessToken = accessToken
}

// WorkerCredentials returns the current worker identity and token.
func (c *Client) WorkerCredentials() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.workerID, c.accessToken
}

// SubmitResult is the response to a build submission.
type SubmitResult struct {
	ID          string    `json:"id"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
	AccessToken string    `json:"access_token"`
}

// RetryResult is the response to a retry request.
type RetryResult struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	AccessToken     string `json:"access_token"`
	OriginalBuildID string `json:"original_build_id"`
}

// RegisterResult is the response to worker registration.
type RegisterResult struct {
	ID                   string    `json:"id"`
	Status               string    `json:"status"`
	AccessToken          string    `json:"access_token"`
	AccessTokenExpiresAt time.Time `json:"access_token_expires_at"`
}

// Job is a build assignment handed out by poll.
type Job struct {
	ID        string         `json:"id"`
	Platform  types.Platform `json:"platform"`
	SourceURL string         `json:"source_url"`
	CertsURL  *string        `json:"certs_url"`
}

// SecureCerts is the unpacked signing material from certs-secure.
type SecureCerts struct {
	P12                  string   `json:"p12"`
	P12Password          string   `json:"p12Password"`
	KeychainPassword     string   `json:"keychainPassword"`
	ProvisioningProfiles []string `json:"provisioningProfiles"`
}

// UploadResult is the response to a result upload.
type UploadResult struct {
	Status      string `json:"status"`
	BuildID     string `json:"build_id"`
	BuildStatus string `json:"build_status"`
}

// HeartbeatStatus distinguishes the three heartbeat outcomes the
// worker reacts to.
type HeartbeatStatus string

const (
	// HeartbeatOK means keep building.
	HeartbeatOK HeartbeatStatus = "ok"
	// HeartbeatCancelled means the owner cancelled; tear the job down.
	HeartbeatCancelled HeartbeatStatus = "cancelled"
	// HeartbeatUnknown means the controller no longer knows the build.
	HeartbeatUnknown HeartbeatStatus = "unknown"
)

// Health mirrors the /health response.
type Health struct {
	Status string `json:"status"`
	Queue  struct {
		Pending int `json:"pending"`
		Active  int `json:"active"`
	} `json:"queue"`
	Storage struct {
		Root    string                     `json:"root"`
		Buckets map[string]json.RawMessage `json:"buckets"`
	} `json:"storage"`
}

// Stats mirrors the /api/stats response.
type Stats struct {
	Builds  map[string]int `json:"builds"`
	Workers struct {
		Registered int `json:"registered"`
		Online     int `json:"online"`
		Building   int `json:"building"`
	} `json:"workers"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

// SubmitBuild streams a multipart submission. certs may be nil.
func (c *Client) SubmitBuild(ctx context.Context, platform string, source, certs io.Reader) (*SubmitResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()
		if err = mw.WriteField("platform", platform); err != nil {
			return
		}
		var fw io.Writer
		if fw, err = mw.CreateFormFile("source", "source.zip"); err != nil {
			return
		}
		if _, err = io.Copy(fw, source); err != nil {
			return
		}
		if certs != nil {
			if fw, err = mw.CreateFormFile("certs", "certs.zip"); err != nil {
				return
			}
			if _, err = io.Copy(fw, certs); err != nil {
				return
			}
		}
		err = mw.Close()
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/builds/submit", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(auth.HeaderAPIKey, c.apiKey)

	var result SubmitResult
	if err := c.doJSON(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// BuildStatus fetches the build record. buildToken may be empty when
// the client carries the admin key.
func (c *Client) BuildStatus(ctx context.Context, buildID, buildToken string) (*types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := c.ownerRequest(ctx, http.MethodGet, "/api/builds/"+buildID+"/status", buildToken, nil)
	if err != nil {
		return nil, err
	}
	var build types.Build
	if err := c.doJSON(req, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// BuildLogs fetches the build's log entries.
func (c *Client) BuildLogs(ctx context.Context, buildID, buildToken string) ([]types.BuildLogEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := c.ownerRequest(ctx, http.MethodGet, "/api/builds/"+buildID+"/logs", buildToken, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Logs []types.BuildLogEntry `json:"logs"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return resp.Logs, nil
}

// DownloadResult streams the completed build's artifact. The caller
// must close the reader.
func (c *Client) DownloadResult(ctx context.Context, buildID, buildToken string) (io.ReadCloser, int64, error) {
	req, err := c.ownerRequest(ctx, http.MethodGet, "/api/builds/"+buildID+"/download", buildToken, nil)
	if err != nil {
		return nil, 0, err
	}
	return c.doStream(req)
}

// CancelBuild cancels a pending or active build.
func (c *Client) CancelBuild(ctx context.Context, buildID, buildToken string) (*types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := c.ownerRequest(ctx, http.MethodPost, "/api/builds/"+buildID+"/cancel", buildToken, nil)
	if err != nil {
		return nil, err
	}
	var build types.Build
	if err := c.doJSON(req, &build); err != nil {
		return nil, err
	}
	return &build, nil
}

// RetryBuild submits a new build reusing the original's artifacts.
func (c *Client) RetryBuild(ctx context.Context, buildID, buildToken string) (*RetryResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := c.ownerRequest(ctx, http.MethodPost, "/api/builds/"+buildID+"/retry", buildToken, nil)
	if err != nil {
		return nil, err
	}
	var result RetryResult
	if err := c.doJSON(req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ActiveBuilds lists builds currently assigned or building. Admin.
func (c *Client) ActiveBuilds(ctx context.Context) ([]*types.Build, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := c.adminRequest(ctx, http.MethodGet, "/api/builds/active", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Builds []*types.Build `json:"builds"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return resp.Builds, nil
}

// RegisterWorker registers (or re-registers) a worker and stores the
// returned credentials on the client.
func (c *Client) RegisterWorker(ctx context.Context, id, name string, capabilities map[string]string) (*RegisterResult, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{
		"id":           id,
		"name":         name,
		"capabilities": capabilities,
	})
	if err != nil {
		return nil, err
	}
	req, err := c.adminRequest(ctx, http.MethodPost, "/api/workers/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var result RegisterResult
	if err := c.doJSON(req, &result); err != nil {
		return nil, err
	}
	c.SetWorkerCredentials(result.ID, result.AccessToken)
	return &result, nil
}

// Poll asks for the next build. Returns nil when the queue is empty.
func (c *Client) Poll(ctx context.Context) (*Job, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	workerID, _ := c.WorkerCredentials()
	req, err := c.workerRequest(ctx, http.MethodGet, "/api/workers/poll?worker_id="+url.QueryEscape(workerID), "", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Job   *Job   `json:"job"`
		Token string `json:"token"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return resp.Job, nil
}

// Heartbeat reports liveness for the build. progress may be nil.
func (c *Client) Heartbeat(ctx context.Context, buildID string, progress *int) (HeartbeatStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var body io.Reader
	if progress != nil {
		payload, err := json.Marshal(map[string]int{"progress": *progress})
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(payload)
	}

	workerID, _ := c.WorkerCredentials()
	req, err := c.workerRequest(ctx, http.MethodPost, "/api/builds/"+buildID+"/heartbeat?worker_id="+url.QueryEscape(workerID), "", body)
	if err != nil {
		return "", err
	}

	resp, err := c.do(req)
	if err != nil {
		return "", err
	}
	defer drainClose(resp)

	switch resp.StatusCode {
	case http.StatusOK:
		return HeartbeatOK, nil
	case http.StatusBadRequest:
		return HeartbeatCancelled, nil
	case http.StatusNotFound:
		return HeartbeatUnknown, nil
	default:
		return "", c.apiError(resp)
	}
}

// AppendLog attaches one log entry to the worker's build.
func (c *Client) AppendLog(ctx context.Context, buildID string, level types.LogLevel, message string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{
		"level":   string(level),
		"message": message,
	})
	if err != nil {
		return err
	}
	req, err := c.workerRequest(ctx, http.MethodPost, "/api/builds/"+buildID+"/logs", "", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// Telemetry reports a resource sample for the build. Doubles as a
// heartbeat on the controller side.
func (c *Client) Telemetry(ctx context.Context, buildID string, cpuPercent, memoryMB float64) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]interface{}{
		"type":      "resource",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]float64{
			"cpu_percent": cpuPercent,
			"memory_mb":   memoryMB,
		},
	})
	if err != nil {
		return err
	}
	req, err := c.workerRequest(ctx, http.MethodPost, "/api/builds/"+buildID+"/telemetry", buildID, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	return c.doJSON(req, nil)
}

// DownloadSource streams the build's source archive. Worker scope.
func (c *Client) DownloadSource(ctx context.Context, buildID string) (io.ReadCloser, int64, error) {
	req, err := c.workerRequest(ctx, http.MethodGet, "/api/builds/"+buildID+"/source", "", nil)
	if err != nil {
		return nil, 0, err
	}
	return c.doStream(req)
}

// DownloadCerts streams the build's certificate bundle. Worker scope.
func (c *Client) DownloadCerts(ctx context.Context, buildID string) (io.ReadCloser, int64, error) {
	req, err := c.workerRequest(ctx, http.MethodGet, "/api/builds/"+buildID+"/certs", "", nil)
	if err != nil {
		return nil, 0, err
	}
	return c.doStream(req)
}

// FetchSecureCerts retrieves the unpacked signing material.
func (c *Client) FetchSecureCerts(ctx context.Context, buildID string) (*SecureCerts, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := c.workerRequest(ctx, http.MethodGet, "/api/builds/"+buildID+"/certs-secure", buildID, nil)
	if err != nil {
		return nil, err
	}
	var certs SecureCerts
	if err := c.doJSON(req, &certs); err != nil {
		return nil, err
	}
	return &certs, nil
}

// UploadResult streams a successful build's artifact to the controller.
func (c *Client) UploadResult(ctx context.Context, buildID string, result io.Reader) (*UploadResult, error) {
	return c.upload(ctx, buildID, true, result, "")
}

// ReportFailure reports a failed build with the worker's reason.
func (c *Client) ReportFailure(ctx context.Context, buildID, errorMessage string) (*UploadResult, error) {
	return c.upload(ctx, buildID, false, nil, errorMessage)
}

func (c *Client) upload(ctx context.Context, buildID string, success bool, result io.Reader, errorMessage string) (*UploadResult, error) {
	workerID, _ := c.WorkerCredentials()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		var err error
		defer func() { pw.CloseWithError(err) }()
		if err = mw.WriteField("build_id", buildID); err != nil {
			return
		}
		if err = mw.WriteField("worker_id", workerID); err != nil {
			return
		}
		if err = mw.WriteField("success", strconv.FormatBool(success)); err != nil {
			return
		}
		if errorMessage != "" {
			if err = mw.WriteField("error_message", errorMessage); err != nil {
				return
			}
		}
		if result != nil {
			var fw io.Writer
			if fw, err = mw.CreateFormFile("result", "result.bin"); err != nil {
				return
			}
			if _, err = io.Copy(fw, result); err != nil {
				return
			}
		}
		err = mw.Close()
	}()

	req, err := c.workerRequest(ctx, http.MethodPost, "/api/workers/upload", "", pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out UploadResult
	if err := c.doJSON(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health fetches the controller health snapshot.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	var health Health
	if err := c.doJSON(req, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Stats fetches aggregate counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stats", nil)
	if err != nil {
		return nil, err
	}
	var stats Stats
	if err := c.doJSON(req, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Events pages through the audit journal, returning entries with a
// sequence greater than after. Zero after starts from the beginning;
// zero limit takes the server default. Admin.
func (c *Client) Events(ctx context.Context, after uint64, limit int) ([]*journal.Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	q := url.Values{}
	if after > 0 {
		q.Set("after", strconv.FormatUint(after, 10))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/events"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	req, err := c.adminRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Events []*journal.Entry `json:"events"`
	}
	if err := c.doJSON(req, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) adminRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.HeaderAPIKey, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ownerRequest builds a request with the owner token, or the admin key
// when the token is empty.
func (c *Client) ownerRequest(ctx context.Context, method, path, buildToken string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if buildToken != "" {
		req.Header.Set(auth.HeaderBuildToken, buildToken)
	} else {
		req.Header.Set(auth.HeaderAPIKey, c.apiKey)
	}
	return req, nil
}

// workerRequest builds a request with the stored worker credentials.
// buildIDHeader, when non-empty, adds the X-Build-Id binding header.
func (c *Client) workerRequest(ctx context.Context, method, path, buildIDHeader string, body io.Reader) (*http.Request, error) {
	workerID, token := c.WorkerCredentials()
	if workerID == "" || token == "" {
		return nil, types.NewAuth("no worker credentials; register first")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(auth.HeaderWorkerID, workerID)
	req.Header.Set(auth.HeaderAccessToken, token)
	if buildIDHeader != "" {
		req.Header.Set(auth.HeaderBuildID, buildIDHeader)
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// do executes the request and adopts any rotated worker token before
// anything can fail. Skipping adoption on an error response would lock
// the worker out: the controller already burned the old token.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, err
	}
	if rotated := resp.Header.Get(auth.HeaderAccessToken); rotated != "" {
		c.mu.Lock()
		c.accessToken = rotated
		c.mu.Unlock()
	}
	return resp, nil
}

// doJSON executes the request and decodes a 2xx response into out
// (which may be nil to discard).
func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.do(req)
	if err != nil {
		return err
	}
	defer drainClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// doStream executes the request and hands back the body for 2xx.
func (c *Client) doStream(req *http.Request) (io.ReadCloser, int64, error) {
	resp, err := c.do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer drainClose(resp)
		return nil, 0, c.apiError(resp)
	}
	return resp.Body, resp.ContentLength, nil
}

// apiError reconstructs a domain error from an error response.
func (c *Client) apiError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = fmt.Sprintf("http %d", resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return types.NewAuth(body.Error)
	case http.StatusForbidden:
		return types.NewForbidden(body.Error)
	case http.StatusNotFound:
		return types.NewNotFound("%s", body.Error)
	case http.StatusBadRequest:
		return types.NewValidation(body.Error, body.Details)
	case http.StatusRequestEntityTooLarge:
		return types.NewPayloadTooLarge(body.Error)
	case http.StatusServiceUnavailable:
		return types.NewTransient(body.Error)
	default:
		return types.NewInternal(body.Error)
	}
}

func drainClose(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	resp.Body.Close()
}
