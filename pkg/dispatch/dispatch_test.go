package dispatch

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/events"
	"github.com/foundrymesh/foundry/pkg/types"
)

func newTestCatalog(t *testing.T, broker *events.Broker) catalog.Store {
	t.Helper()
	sealer, err := auth.NewSealerFromKey("test-admin-key-0123456789abcdef")
	require.NoError(t, err)

	store, err := catalog.NewBoltStore(catalog.Options{
		Path:     filepath.Join(t.TempDir(), "catalog.db"),
		Sealer:   sealer,
		Broker:   broker,
		TokenTTL: 90 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestPollNextUpdatesIndex(t *testing.T) {
	store := newTestCatalog(t, nil)
	engine := NewEngine(store, nil)

	build, _, err := store.CreateBuild(catalog.NewBuildID(), types.PlatformIOS, "builds/a.zip", "")
	require.NoError(t, err)
	worker, _, _, err := store.RegisterWorker("", "mac-mini-01", nil)
	require.NoError(t, err)

	claimed, err := engine.PollNext(worker.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, build.ID, claimed.ID)

	id, busy := engine.Busy(worker.ID)
	assert.True(t, busy)
	assert.Equal(t, build.ID, id)

	pending, active := engine.Counts()
	assert.Equal(t, 0, pending)
	assert.Equal(t, 1, active)
}

func TestPollNextEmptyQueueClearsIndex(t *testing.T) {
	store := newTestCatalog(t, nil)
	engine := NewEngine(store, nil)

	worker, _, _, err := store.RegisterWorker("", "mac-mini-01", nil)
	require.NoError(t, err)

	claimed, err := engine.PollNext(worker.ID, time.Now())
	require.NoError(t, err)
	assert.Nil(t, claimed)

	_, busy := engine.Busy(worker.ID)
	assert.False(t, busy)
}

func TestReleaseFreesWorker(t *testing.T) {
	store := newTestCatalog(t, nil)
	engine := NewEngine(store, nil)

	build, _, err := store.CreateBuild(catalog.NewBuildID(), types.PlatformIOS, "builds/a.zip", "")
	require.NoError(t, err)
	worker, _, _, err := store.RegisterWorker("", "mac-mini-01", nil)
	require.NoError(t, err)

	_, err = engine.PollNext(worker.ID, time.Now())
	require.NoError(t, err)
	_, err = store.CompleteBuild(build.ID, worker.ID, "results/a.ipa")
	require.NoError(t, err)
	engine.Release(worker.ID)

	_, busy := engine.Busy(worker.ID)
	assert.False(t, busy)
	_, active := engine.Counts()
	assert.Equal(t, 0, active)
}

func TestRestoreRebindsActiveBuilds(t *testing.T) {
	store := newTestCatalog(t, nil)

	build, _, err := store.CreateBuild(catalog.NewBuildID(), types.PlatformIOS, "builds/a.zip", "")
	require.NoError(t, err)
	store.CreateBuild(catalog.NewBuildID(), types.PlatformAndroid, "builds/b.zip", "")
	worker, _, _, err := store.RegisterWorker("", "mac-mini-01", nil)
	require.NoError(t, err)
	_, err = store.ClaimNextPending(worker.ID, time.Now())
	require.NoError(t, err)

	// A fresh engine (controller restart) learns the binding from the
	// catalog alone.
	engine := NewEngine(store, nil)
	require.NoError(t, engine.Restore())

	id, busy := engine.Busy(worker.ID)
	assert.True(t, busy)
	assert.Equal(t, build.ID, id)

	pending, active := engine.Counts()
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, active)
}

func TestBusIndexSync(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	store := newTestCatalog(t, broker)
	engine := NewEngine(store, broker)
	engine.Start()
	defer engine.Stop()

	build, _, err := store.CreateBuild(catalog.NewBuildID(), types.PlatformIOS, "builds/a.zip", "")
	require.NoError(t, err)
	worker, _, _, err := store.RegisterWorker("", "mac-mini-01", nil)
	require.NoError(t, err)
	_, err = engine.PollNext(worker.ID, time.Now())
	require.NoError(t, err)

	// Cancellation happens outside the poll path; the bus event must
	// clear the index entry.
	_, err = store.CancelBuild(build.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, busy := engine.Busy(worker.ID)
		return !busy
	}, 2*time.Second, 10*time.Millisecond, "cancel event should release the worker")
}

func TestRepollKeepsSameBuild(t *testing.T) {
	store := newTestCatalog(t, nil)
	engine := NewEngine(store, nil)

	build, _, err := store.CreateBuild(catalog.NewBuildID(), types.PlatformIOS, "builds/a.zip", "")
	require.NoError(t, err)
	store.CreateBuild(catalog.NewBuildID(), types.PlatformIOS, "builds/b.zip", "")
	worker, _, _, err := store.RegisterWorker("", "mac-mini-01", nil)
	require.NoError(t, err)

	first, err := engine.PollNext(worker.ID, time.Now())
	require.NoError(t, err)
	second, err := engine.PollNext(worker.ID, time.Now())
	require.NoError(t, err)
	assert.Equal(t, build.ID, first.ID)
	assert.Equal(t, first.ID, second.ID)
}
