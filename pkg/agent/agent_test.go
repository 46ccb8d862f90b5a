package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundrymesh/foundry/pkg/api"
	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/client"
	"github.com/foundrymesh/foundry/pkg/config"
	"github.com/foundrymesh/foundry/pkg/dispatch"
	"github.com/foundrymesh/foundry/pkg/objectstore"
	"github.com/foundrymesh/foundry/pkg/types"
)

const testAPIKey = "gggggggggggggggggggggggggggggggg"

// newTestController serves a full controller API from temp storage and
// returns its URL plus an admin client.
func newTestController(t *testing.T) (string, *client.Client) {
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

	cfg := config.Default()
	cfg.APIKey = testAPIKey
	srv := api.NewServer(cfg, store, dispatch.NewEngine(store, nil), objects, auth.NewAuthorizer(testAPIKey, sealer, store))

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts.URL, client.NewClient(ts.URL, testAPIKey)
}

// startAgent runs the agent in the background until test cleanup.
func startAgent(t *testing.T, cfg Config) {
	t.Helper()

	a, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if !errors.Is(err, context.Canceled) {
				t.Errorf("agent returned unexpected error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
}

func testConfig(t *testing.T, url, buildCommand string) Config {
	t.Helper()
	return Config{
		ControllerURL:     url,
		APIKey:            testAPIKey,
		Name:              "test-agent",
		Capabilities:      map[string]string{"platform": "any"},
		BuildCommand:      buildCommand,
		WorkDir:           t.TempDir(),
		PollInterval:      25 * time.Millisecond,
		HeartbeatInterval: 25 * time.Millisecond,
	}
}

// waitForStatus polls the build until it reaches the wanted status.
func waitForStatus(t *testing.T, admin *client.Client, buildID string, want types.BuildStatus) *types.Build {
	t.Helper()

	var build *types.Build
	require.Eventually(t, func() bool {
		var err error
		build, err = admin.BuildStatus(context.Background(), buildID, "")
		return err == nil && build.Status == want
	}, 10*time.Second, 20*time.Millisecond, "build never reached %s", want)
	return build
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Name: "x", BuildCommand: "true"})
	assert.Error(t, err)

	_, err = New(Config{ControllerURL: "http://x", BuildCommand: "true"})
	assert.Error(t, err)

	_, err = New(Config{ControllerURL: "http://x", Name: "x"})
	assert.Error(t, err)

	a, err := New(Config{ControllerURL: "http://x", Name: "x", BuildCommand: "true"})
	require.NoError(t, err)
	assert.Equal(t, defaultPollInterval, a.cfg.PollInterval)
	assert.Equal(t, defaultHeartbeatInterval, a.cfg.HeartbeatInterval)
	assert.NotEmpty(t, a.cfg.WorkDir)
}

func TestAgentCompletesBuild(t *testing.T) {
	url, admin := newTestController(t)
	startAgent(t, testConfig(t, url, `cp "$FOUNDRY_SOURCE" "$FOUNDRY_OUTPUT"`))

	source := bytes.Repeat([]byte{0xC3, 0x3C}, 4096)
	submitted, err := admin.SubmitBuild(context.Background(), "ios", bytes.NewReader(source), nil)
	require.NoError(t, err)

	waitForStatus(t, admin, submitted.ID, types.BuildCompleted)

	rc, _, err := admin.DownloadResult(context.Background(), submitted.ID, submitted.AccessToken)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, source, got)
}

func TestAgentReportsFailure(t *testing.T) {
	url, admin := newTestController(t)
	startAgent(t, testConfig(t, url, `echo "no sdk found" >&2; exit 3`))

	submitted, err := admin.SubmitBuild(context.Background(), "android", bytes.NewReader([]byte("src")), nil)
	require.NoError(t, err)

	build := waitForStatus(t, admin, submitted.ID, types.BuildFailed)
	assert.Contains(t, build.ErrorMessage, "exit status 3")

	// Stderr lines land in the build log at error level.
	require.Eventually(t, func() bool {
		logs, err := admin.BuildLogs(context.Background(), submitted.ID, submitted.AccessToken)
		if err != nil {
			return false
		}
		for _, entry := range logs {
			if entry.Message == "no sdk found" && entry.Level == types.LogError {
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAgentForwardsOutput(t *testing.T) {
	url, admin := newTestController(t)
	startAgent(t, testConfig(t, url, `echo "compiling step one"; cp "$FOUNDRY_SOURCE" "$FOUNDRY_OUTPUT"`))

	submitted, err := admin.SubmitBuild(context.Background(), "ios", bytes.NewReader([]byte("src")), nil)
	require.NoError(t, err)

	waitForStatus(t, admin, submitted.ID, types.BuildCompleted)

	logs, err := admin.BuildLogs(context.Background(), submitted.ID, submitted.AccessToken)
	require.NoError(t, err)
	var found bool
	for _, entry := range logs {
		if entry.Message == "compiling step one" && entry.Level == types.LogInfo {
			found = true
		}
	}
	assert.True(t, found, "command output missing from build log")
}

func TestAgentEnvContract(t *testing.T) {
	url, admin := newTestController(t)
	startAgent(t, testConfig(t, url, `printf '%s' "$FOUNDRY_PLATFORM:$FOUNDRY_BUILD_ID" > "$FOUNDRY_OUTPUT"`))

	submitted, err := admin.SubmitBuild(context.Background(), "android", bytes.NewReader([]byte("src")), nil)
	require.NoError(t, err)

	waitForStatus(t, admin, submitted.ID, types.BuildCompleted)

	rc, _, err := admin.DownloadResult(context.Background(), submitted.ID, submitted.AccessToken)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "android:"+submitted.ID, string(got))
}

func TestAgentDownloadsCerts(t *testing.T) {
	url, admin := newTestController(t)
	startAgent(t, testConfig(t, url, `cp "$FOUNDRY_CERTS" "$FOUNDRY_OUTPUT"`))

	certs := bytes.Repeat([]byte{0x11, 0x22}, 2048)
	submitted, err := admin.SubmitBuild(context.Background(), "ios", bytes.NewReader([]byte("src")), bytes.NewReader(certs))
	require.NoError(t, err)

	waitForStatus(t, admin, submitted.ID, types.BuildCompleted)

	rc, _, err := admin.DownloadResult(context.Background(), submitted.ID, submitted.AccessToken)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, certs, got)
}

func TestAgentTearsDownCancelledBuild(t *testing.T) {
	url, admin := newTestController(t)
	cfg := testConfig(t, url, `sleep 30`)
	startAgent(t, cfg)

	submitted, err := admin.SubmitBuild(context.Background(), "ios", bytes.NewReader([]byte("src")), nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		build, err := admin.BuildStatus(context.Background(), submitted.ID, "")
		return err == nil && build.Status.IsActive()
	}, 10*time.Second, 20*time.Millisecond, "build never assigned")

	workspace := filepath.Join(cfg.WorkDir, submitted.ID)
	require.Eventually(t, func() bool {
		_, err := os.Stat(workspace)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond, "workspace never appeared")

	_, err = admin.CancelBuild(context.Background(), submitted.ID, submitted.AccessToken)
	require.NoError(t, err)

	// The next heartbeat reports the cancellation; the agent must kill
	// the command and clean the workspace well before sleep exits.
	require.Eventually(t, func() bool {
		_, err := os.Stat(workspace)
		return os.IsNotExist(err)
	}, 5*time.Second, 20*time.Millisecond, "workspace never cleaned up")

	build, err := admin.BuildStatus(context.Background(), submitted.ID, "")
	require.NoError(t, err)
	assert.Equal(t, types.BuildFailed, build.Status)
	assert.Equal(t, catalog.MsgCancelledByUser, build.ErrorMessage)
}
