// Package objectstore provides filesystem-backed artifact storage for
// build inputs and outputs.
//
// The controller stores three classes of artifact, each in its own
// directory under a single storage root:
//
//	<root>/builds/<build-id>.zip    uploaded source archives
//	<root>/certs/<build-id>.zip     uploaded signing certificate bundles
//	<root>/results/<build-id>.ipa   produced artifacts (.apk for android)
//
// Artifacts are addressed by root-relative refs ("builds/bld1.zip").
// Build records carry these refs, so the catalog never stores absolute
// paths and the storage root can move between hosts.
//
// # Writing
//
// Put streams the reader into a temp file in the destination directory,
// enforcing the per-bucket byte cap as it copies, then fsyncs and
// renames into place:
//
//	ref, size, err := store.Put(objectstore.BucketSource,
//		objectstore.SourceName(build.ID), part, cfg.MaxSourceBytes)
//
// Readers therefore never observe a partially written artifact, and a
// failed or over-cap upload leaves nothing behind.
//
// # Path Confinement
//
// Every ref is resolved through a single confinement check before any
// filesystem operation: refs containing NUL bytes are rejected,
// absolute refs are rejected, and the cleaned absolute path must be a
// strict descendant of the storage root. Traversal attempts such as
// "../../../etc/passwd" or "builds/../../etc/passwd" fail with a
// security error regardless of whether the target exists.
//
// # Error Kinds
//
// Put returns PayloadTooLarge when the cap is exceeded, Security for
// confinement violations, and Transient for I/O failures. Open and
// Size return NotFound for absent artifacts. See the types package
// for the kind-to-HTTP mapping.
package objectstore
