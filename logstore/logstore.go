// Package logstore defines the external log-store driver contract and
// the CommitOrBytes staging payload shared by every driver
// implementation in the logstore/* subpackages.
package logstore

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/minio/highwayhash"
)

// partChecksumKey is a fixed 32-byte HighwayHash key shared by every
// driver and the partitioned writer, so a checksum computed before upload
// and one recomputed on receipt are comparable. Its value doesn't matter
// for correctness (checksums are only ever compared within this module),
// but it must stay stable across a process's lifetime.
var partChecksumKey, _ = hex.DecodeString("0f1e2d3c4b5a69788796a5b4c3d2e1f00f1e2d3c4b5a69788796a5b4c3d2e1f0")

// PartChecksum computes the keyed HighwayHash of a multipart upload part.
// Callers compute this before calling UploadPart; drivers that can cheaply
// verify it on receipt (those backed by a plain byte buffer rather than a
// remote SDK call) recompute it and compare, returning
// ErrPartChecksumMismatch on a mismatch.
func PartChecksum(data []byte) uint64 {
	return highwayhash.Sum64(data, partChecksumKey)
}

// ErrPartChecksumMismatch is returned by a MultipartUpload's UploadPart
// when the driver detects that the bytes it received don't match the
// checksum the uploader computed before sending.
type ErrPartChecksumMismatch struct {
	PartNumber int
}

func (e ErrPartChecksumMismatch) Error() string {
	return fmt.Sprintf("part %d failed checksum verification on receipt", e.PartNumber)
}

// ObjectStore is the scoped handle a driver hands back for a given
// operation id; writer.go uses it for partition-file uploads, independent
// of the log-store's own commit-entry I/O.
type ObjectStore interface {
	// Put uploads data to path in a single call, failing if something
	// already exists there and ifAbsent is true.
	Put(ctx context.Context, path string, data []byte, ifAbsent bool) error
	// NewMultipartUpload begins a multipart upload to path, returning a
	// handle used to upload parts and complete or abort.
	NewMultipartUpload(ctx context.Context, path string) (MultipartUpload, error)
	// Delete removes the object at path. Deleting a missing object is not
	// an error.
	Delete(ctx context.Context, path string) error
	// Get retrieves the full contents of path.
	Get(ctx context.Context, path string) ([]byte, error)
}

// MultipartUpload is a handle for streaming a large object in parts; used
// by the partitioned writer and may also be used directly by a log store
// driver for large staged payloads.
type MultipartUpload interface {
	// UploadPart uploads a single part. checksum is PartChecksum(data),
	// computed by the caller before the part left process memory; drivers
	// that can verify it cheaply return ErrPartChecksumMismatch rather than
	// silently accepting corrupted bytes.
	UploadPart(ctx context.Context, partNumber int, data []byte, checksum uint64) (etag string, err error)
	Complete(ctx context.Context, etags []string) error
	Abort(ctx context.Context) error
}

// CommitOrBytes is the two-variant staged payload a PreparedCommit hands to
// a driver's WriteCommitEntry: either the raw bytes of the commit (for
// conditional-put-capable drivers) or a reference to a temp path already
// staged in the object store (for rename-based drivers).
type CommitOrBytes struct {
	// Bytes is set when the driver supports conditional put; Path is empty.
	Bytes []byte
	// Path is set when the driver is rename-based; Bytes is nil.
	Path string
}

func LogBytes(b []byte) CommitOrBytes   { return CommitOrBytes{Bytes: b} }
func TmpCommit(path string) CommitOrBytes { return CommitOrBytes{Path: path} }

// IsBytes reports whether this payload carries in-memory bytes rather than
// a staged path.
func (c CommitOrBytes) IsBytes() bool { return c.Bytes != nil }

// Clone returns a cheap copy reusable across retry attempts: the byte slice
// is reference-counted by Go's runtime (no copy needed since CommitOrBytes
// is treated as immutable after staging), and the path is a plain string.
func (c CommitOrBytes) Clone() CommitOrBytes { return c }

// ErrVersionAlreadyExists is returned by WriteCommitEntry when another
// writer already installed the given version; the pipeline's retry loop
// recovers from this and only this error.
type ErrVersionAlreadyExists struct {
	Version int64
}

func (e ErrVersionAlreadyExists) Error() string {
	return fmt.Sprintf("version %d already exists", e.Version)
}

// Driver is the log store contract consumed by the commit pipeline.
// Implementations live in logstore/<name>.
//
// Driver selection is a capability (SupportsConditionalPut) rather than
// a branch on Name(); Name() remains for logging/metrics only.
type Driver interface {
	// Name is the driver's identity, for logging and metrics only.
	Name() string
	// SupportsConditionalPut reports whether WriteCommitEntry can install a
	// version with an atomic "only if absent" guarantee from raw bytes. If
	// false, the pipeline stages a TmpCommit and relies on the driver's
	// rename (or equivalent move) semantics.
	SupportsConditionalPut() bool
	// ObjectStore returns a scoped object-store handle for the given
	// operation id (nil id meaning "no particular operation", e.g.
	// creation), used by the partitioned writer for data-file uploads.
	ObjectStore(opID *string) ObjectStore
	// GetLatestVersion returns the highest installed version >= hint.
	GetLatestVersion(ctx context.Context, hint int64) (int64, error)
	// WriteCommitEntry atomically installs payload as the given version.
	// Must return ErrVersionAlreadyExists when another writer won the race;
	// any other error is terminal.
	WriteCommitEntry(ctx context.Context, version int64, payload CommitOrBytes, opID string) error
	// AbortCommitEntry is the best-effort cleanup path for a failed
	// install: deletes a staged temp file, or no-ops for byte-mode payloads.
	AbortCommitEntry(ctx context.Context, version int64, payload CommitOrBytes, opID string) error
	// ReadCommitEntry reads a specific installed version's bytes; required
	// by the conflict checker and by EagerSnapshot.Update.
	ReadCommitEntry(ctx context.Context, version int64) ([]byte, error)
}

// LogPath renders the canonical 20-digit zero-padded log file name for a
// version.
func LogPath(version int64) string {
	return fmt.Sprintf("_delta_log/%020d.json", version)
}

// StagedCommitPath renders the path a rename-based driver stages a
// not-yet-installed commit at.
func StagedCommitPath(opID string) string {
	return fmt.Sprintf("_delta_log/_commit_%s.json.tmp", opID)
}
