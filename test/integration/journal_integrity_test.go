package integration

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/journal"
	"github.com/foundrymesh/foundry/pkg/types"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

const testAPIKey = "integration-key-0123456789abcdef"

func openStore(t *testing.T, path string) *catalog.BoltStore {
	t.Helper()

	sealer, err := auth.NewSealerFromKey(testAPIKey)
	require.NoError(t, err)

	store, err := catalog.NewBoltStore(catalog.Options{Path: path, Sealer: sealer})
	require.NoError(t, err)
	return store
}

// runBuild pushes one build through submit, claim, and complete,
// leaving journal entries behind.
func runBuild(t *testing.T, store *catalog.BoltStore, workerID string) string {
	t.Helper()

	id := catalog.NewBuildID()
	_, _, err := store.CreateBuild(id, types.PlatformIOS, "source/"+id, "")
	require.NoError(t, err)

	claimed, err := store.ClaimNextPending(workerID, time.Now())
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	_, err = store.CompleteBuild(id, workerID, "results/"+id)
	require.NoError(t, err)
	return id
}

// TestJournalSurvivesReopen closes the catalog mid-history and checks
// that the chain picks up where it left off.
func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")

	store := openStore(t, path)
	worker, _, _, err := store.RegisterWorker("", "integration-1", nil)
	require.NoError(t, err)
	runBuild(t, store, worker.ID)

	report, err := store.VerifyJournal()
	require.NoError(t, err)
	require.True(t, report.Intact)
	require.NotZero(t, report.Entries)
	lastHash := report.LastHash

	entriesBefore := report.Entries
	require.NoError(t, store.Close())

	// Second process lifetime on the same file.
	store = openStore(t, path)
	defer store.Close()

	runBuild(t, store, worker.ID)

	report, err = store.VerifyJournal()
	require.NoError(t, err)
	require.True(t, report.Intact, "chain broken at %d: %s", report.BrokenAt, report.Reason)
	require.Greater(t, report.Entries, entriesBefore)

	// The first entry written after the reopen links to the last hash
	// from before it.
	entries, err := store.JournalEntries(uint64(entriesBefore)+1, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, lastHash, entries[0].PrevHash)
}

// TestJournalDetectsTampering edits the closed catalog file directly
// and checks that verification names the damaged sequence.
func TestJournalDetectsTampering(t *testing.T) {
	t.Run("RewrittenEntry", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.db")

		store := openStore(t, path)
		worker, _, _, err := store.RegisterWorker("", "integration-1", nil)
		require.NoError(t, err)
		runBuild(t, store, worker.ID)
		require.NoError(t, store.Close())

		// Rewrite the message of entry 2 without touching its hash.
		db, err := bolt.Open(path, 0600, nil)
		require.NoError(t, err)
		err = db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(journal.BucketName)
			key := []byte(fmt.Sprintf("%020d", 2))

			var entry journal.Entry
			require.NoError(t, json.Unmarshal(b.Get(key), &entry))
			entry.Message = "history rewritten"

			data, err := json.Marshal(&entry)
			require.NoError(t, err)
			return b.Put(key, data)
		})
		require.NoError(t, err)

		report, err := journal.VerifyDB(db)
		require.NoError(t, err)
		require.False(t, report.Intact)
		require.Equal(t, uint64(2), report.BrokenAt)
		require.Contains(t, report.Reason, "hash")
		require.NoError(t, db.Close())
	})

	t.Run("DeletedEntry", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "catalog.db")

		store := openStore(t, path)
		worker, _, _, err := store.RegisterWorker("", "integration-1", nil)
		require.NoError(t, err)
		runBuild(t, store, worker.ID)
		require.NoError(t, store.Close())

		db, err := bolt.Open(path, 0600, nil)
		require.NoError(t, err)
		err = db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(journal.BucketName).Delete([]byte(fmt.Sprintf("%020d", 2)))
		})
		require.NoError(t, err)

		report, err := journal.VerifyDB(db)
		require.NoError(t, err)
		require.False(t, report.Intact)
		require.Equal(t, uint64(3), report.BrokenAt)
		require.Contains(t, report.Reason, "sequence gap")
		require.NoError(t, db.Close())
	})
}
