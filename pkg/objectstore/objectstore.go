package objectstore

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/foundrymesh/foundry/pkg/types"
)

const (
	// DefaultStorageRoot is the base directory for artifact storage
	DefaultStorageRoot = "./data/storage"
)

// Bucket identifies an artifact class. Each bucket maps to one
// directory under the storage root.
type Bucket string

const (
	// BucketSource holds uploaded source archives
	BucketSource Bucket = "source"
	// BucketCerts holds uploaded signing certificate bundles
	BucketCerts Bucket = "certs"
	// BucketResult holds produced build artifacts
	BucketResult Bucket = "results"
)

// Dir returns the directory name for a bucket, or "" for an unknown
// bucket.
func (b Bucket) Dir() string {
	switch b {
	case BucketSource:
		return "builds"
	case BucketCerts:
		return "certs"
	case BucketResult:
		return "results"
	}
	return ""
}

// SourceName returns the stored filename for a build's source archive.
func SourceName(buildID string) string {
	return buildID + ".zip"
}

// CertsName returns the stored filename for a build's certificate bundle.
func CertsName(buildID string) string {
	return buildID + ".zip"
}

// ResultName returns the stored filename for a build's result artifact.
func ResultName(buildID string, platform types.Platform) string {
	if platform == types.PlatformAndroid {
		return buildID + ".apk"
	}
	return buildID + ".ipa"
}

// BucketStats summarizes one bucket for the stats endpoint.
type BucketStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"bytes"`
}

// Store is a filesystem-backed artifact store. All access goes through
// root-relative refs ("builds/<id>.zip") and every ref is resolved and
// confined to the storage root before any filesystem operation.
type Store struct {
	root string
}

// New creates a store rooted at the given directory, creating the
// root and the per-bucket directories if needed.
func New(root string) (*Store, error) {
	if root == "" {
		root = DefaultStorageRoot
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}

	for _, b := range []Bucket{BucketSource, BucketCerts, BucketResult} {
		if err := os.MkdirAll(filepath.Join(abs, b.Dir()), 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	return &Store{root: abs}, nil
}

// Root returns the absolute storage root.
func (s *Store) Root() string {
	return s.root
}

// Put streams r into the bucket under the given filename, enforcing
// maxBytes. The artifact is written to a temp file and renamed into
// place so readers never observe a partial artifact. On any error the
// partial write is removed. Returns the root-relative ref and the
// number of bytes stored.
func (s *Store) Put(bucket Bucket, name string, r io.Reader, maxBytes int64) (string, int64, error) {
	dir := bucket.Dir()
	if dir == "" {
		return "", 0, types.NewValidation("unknown artifact bucket", string(bucket))
	}
	if name == "" {
		return "", 0, types.NewValidation("artifact name must not be empty", "")
	}
	if strings.ContainsAny(name, `/\`) || strings.IndexByte(name, 0) >= 0 {
		return "", 0, types.NewSecurity("artifact name contains path separator or NUL byte")
	}

	ref := path.Join(dir, name)
	dst, err := s.resolve(ref)
	if err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := copyCapped(tmp, r, maxBytes)
	if err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", 0, err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to sync artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to finalize artifact: %w", err)
	}

	return ref, written, nil
}

// Open returns a reader for the artifact at ref. The caller must close
// the returned reader.
func (s *Store) Open(ref string) (io.ReadCloser, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(p)
	if os.IsNotExist(err) {
		return nil, types.NewNotFound("artifact %s not found", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	return f, nil
}

// Size returns the stored size of the artifact at ref.
func (s *Store) Size(ref string) (int64, error) {
	p, err := s.resolve(ref)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, types.NewNotFound("artifact %s not found", ref)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat artifact: %w", err)
	}
	return info.Size(), nil
}

// Exists reports whether an artifact is present at ref. Invalid refs
// report false.
func (s *Store) Exists(ref string) bool {
	p, err := s.resolve(ref)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

// Delete removes the artifact at ref. Deleting an absent artifact is
// not an error.
func (s *Store) Delete(ref string) error {
	p, err := s.resolve(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete artifact: %w", err)
	}
	return nil
}

// Stats returns per-bucket file counts and byte totals, keyed by bucket
// name. Temp files from in-flight uploads are excluded.
func (s *Store) Stats() (map[string]BucketStats, error) {
	stats := make(map[string]BucketStats, 3)
	for _, b := range []Bucket{BucketSource, BucketCerts, BucketResult} {
		dir := filepath.Join(s.root, b.Dir())
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to read storage directory: %w", err)
		}

		var bs BucketStats
		for _, e := range entries {
			if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".tmp-") {
				continue
			}
			info, err := e.Info()
			if err != nil {
				continue
			}
			bs.Files++
			bs.Bytes += info.Size()
		}
		stats[string(b)] = bs
	}
	return stats, nil
}

// resolve maps a root-relative ref to an absolute path, rejecting any
// ref that would name a path outside the storage root. This is the
// single traversal defense for every filesystem operation.
func (s *Store) resolve(ref string) (string, error) {
	if ref == "" {
		return "", types.NewValidation("artifact ref must not be empty", "")
	}
	if strings.IndexByte(ref, 0) >= 0 {
		return "", types.NewSecurity("artifact ref contains NUL byte")
	}
	if path.IsAbs(ref) || filepath.IsAbs(ref) {
		return "", types.NewSecurity("artifact ref must be relative to the storage root")
	}

	abs := filepath.Join(s.root, filepath.FromSlash(ref))

	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", types.NewSecurity("artifact ref escapes the storage root")
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", types.NewSecurity("artifact ref escapes the storage root")
	}

	return abs, nil
}

// copyCapped copies src to dst, failing with PayloadTooLarge once more
// than maxBytes have been read.
func copyCapped(dst io.Writer, src io.Reader, maxBytes int64) (int64, error) {
	if maxBytes <= 0 {
		return 0, types.NewValidation("upload limit must be positive", "")
	}

	written, err := io.Copy(dst, io.LimitReader(src, maxBytes+1))
	if err != nil {
		return 0, types.NewTransient(fmt.Sprintf("failed to store artifact: %v", err))
	}
	if written > maxBytes {
		return 0, types.NewPayloadTooLarge(fmt.Sprintf("upload exceeds limit of %d bytes", maxBytes))
	}
	return written, nil
}
