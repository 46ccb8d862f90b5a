package objectstore

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundrymesh/foundry/pkg/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestNewCreatesBucketDirs(t *testing.T) {
	root := t.TempDir()
	store, err := New(filepath.Join(root, "storage"))
	require.NoError(t, err)

	for _, dir := range []string{"builds", "certs", "results"} {
		info, err := os.Stat(filepath.Join(store.Root(), dir))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}

func TestPutAndOpen(t *testing.T) {
	store := newTestStore(t)
	payload := []byte("source archive bytes")

	ref, size, err := store.Put(BucketSource, "bld1.zip", bytes.NewReader(payload), 1<<20)
	require.NoError(t, err)
	assert.Equal(t, "builds/bld1.zip", ref)
	assert.Equal(t, int64(len(payload)), size)

	rc, err := store.Open(ref)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPutEnforcesLimit(t *testing.T) {
	store := newTestStore(t)
	payload := bytes.Repeat([]byte("x"), 100)

	// Exactly at the limit is accepted.
	ref, size, err := store.Put(BucketSource, "exact.zip", bytes.NewReader(payload), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(100), size)
	assert.True(t, store.Exists(ref))

	// One byte over is rejected and nothing is left behind.
	_, _, err = store.Put(BucketSource, "over.zip", bytes.NewReader(payload), 99)
	require.Error(t, err)
	assert.Equal(t, types.KindPayloadTooLarge, types.KindOf(err))
	assert.False(t, store.Exists("builds/over.zip"))
}

func TestPutCleansUpTempFiles(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Put(BucketSource, "big.zip", bytes.NewReader(bytes.Repeat([]byte("y"), 200)), 50)
	require.Error(t, err)

	entries, err := os.ReadDir(filepath.Join(store.Root(), "builds"))
	require.NoError(t, err)
	assert.Empty(t, entries, "failed upload must not leave temp or partial files")
}

func TestPutOverwrites(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Put(BucketCerts, "b.zip", strings.NewReader("first"), 100)
	require.NoError(t, err)
	ref, size, err := store.Put(BucketCerts, "b.zip", strings.NewReader("second-longer"), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(len("second-longer")), size)

	rc, err := store.Open(ref)
	require.NoError(t, err)
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	assert.Equal(t, "second-longer", string(got))
}

func TestPutRejectsBadNames(t *testing.T) {
	store := newTestStore(t)

	tests := []struct {
		name     string
		artifact string
		wantKind types.ErrorKind
	}{
		{name: "empty", artifact: "", wantKind: types.KindValidation},
		{name: "slash", artifact: "a/b.zip", wantKind: types.KindSecurity},
		{name: "backslash", artifact: `a\b.zip`, wantKind: types.KindSecurity},
		{name: "traversal", artifact: "../escape.zip", wantKind: types.KindSecurity},
		{name: "nul byte", artifact: "a\x00b.zip", wantKind: types.KindSecurity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := store.Put(BucketSource, tt.artifact, strings.NewReader("data"), 100)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, types.KindOf(err))
		})
	}
}

func TestPutUnknownBucket(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Put(Bucket("attachments"), "a.zip", strings.NewReader("data"), 100)
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestOpenConfinesToRoot(t *testing.T) {
	store := newTestStore(t)

	// A real file outside the storage root that traversal would reach.
	outside := filepath.Join(filepath.Dir(store.Root()), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0644))

	tests := []struct {
		name string
		ref  string
	}{
		{name: "relative traversal", ref: "../secret.txt"},
		{name: "traversal through bucket", ref: "builds/../../secret.txt"},
		{name: "deep traversal", ref: "../../../etc/passwd"},
		{name: "absolute path", ref: "/etc/passwd"},
		{name: "nul byte", ref: "builds/a\x00b.zip"},
		{name: "root itself", ref: "."},
		{name: "parent", ref: ".."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Open(tt.ref)
			require.Error(t, err)
			kind := types.KindOf(err)
			assert.True(t, kind == types.KindSecurity || kind == types.KindValidation,
				"want security/validation rejection, got %s: %v", kind, err)
		})
	}
}

func TestOpenNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open("builds/missing.zip")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestSizeAndExists(t *testing.T) {
	store := newTestStore(t)

	ref, _, err := store.Put(BucketResult, "bld1.ipa", strings.NewReader("artifact"), 100)
	require.NoError(t, err)

	size, err := store.Size(ref)
	require.NoError(t, err)
	assert.Equal(t, int64(len("artifact")), size)
	assert.True(t, store.Exists(ref))

	_, err = store.Size("results/other.ipa")
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
	assert.False(t, store.Exists("results/other.ipa"))
	assert.False(t, store.Exists("../outside"))
}

func TestDelete(t *testing.T) {
	store := newTestStore(t)

	ref, _, err := store.Put(BucketSource, "bld1.zip", strings.NewReader("data"), 100)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ref))
	assert.False(t, store.Exists(ref))

	// Deleting again is fine.
	require.NoError(t, store.Delete(ref))

	// Confinement still applies.
	err = store.Delete("../outside")
	assert.Equal(t, types.KindSecurity, types.KindOf(err))
}

func TestStats(t *testing.T) {
	store := newTestStore(t)

	_, _, err := store.Put(BucketSource, "a.zip", strings.NewReader("12345"), 100)
	require.NoError(t, err)
	_, _, err = store.Put(BucketSource, "b.zip", strings.NewReader("1234567890"), 100)
	require.NoError(t, err)
	_, _, err = store.Put(BucketResult, "a.ipa", strings.NewReader("123"), 100)
	require.NoError(t, err)

	// A stray temp file must not count.
	require.NoError(t, os.WriteFile(filepath.Join(store.Root(), "builds", ".tmp-stray"), []byte("xx"), 0644))

	stats, err := store.Stats()
	require.NoError(t, err)

	assert.Equal(t, BucketStats{Files: 2, Bytes: 15}, stats["source"])
	assert.Equal(t, BucketStats{Files: 0, Bytes: 0}, stats["certs"])
	assert.Equal(t, BucketStats{Files: 1, Bytes: 3}, stats["results"])
}

func TestArtifactNames(t *testing.T) {
	assert.Equal(t, "bld1.zip", SourceName("bld1"))
	assert.Equal(t, "bld1.zip", CertsName("bld1"))
	assert.Equal(t, "bld1.ipa", ResultName("bld1", types.PlatformIOS))
	assert.Equal(t, "bld1.apk", ResultName("bld1", types.PlatformAndroid))
}
