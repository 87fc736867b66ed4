// Package blob implements content-addressed file storage with reference
// counting. Artifacts are keyed by their content hash; a blob may back
// multiple concurrent tasks and is deleted only when the last reference is
// released (subject to the configured deletion policy).
package blob

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound means no blob exists for the requested hash.
	ErrNotFound = errors.New("blob not found")

	// ErrStoreClosed means the store has been shut down.
	ErrStoreClosed = errors.New("blob store closed")

	// ErrHashMismatch means the assembled bytes do not hash to the declared
	// content hash.
	ErrHashMismatch = errors.New("file hash mismatch")

	// ErrSizeMismatch means the assembled byte count differs from the
	// declared size.
	ErrSizeMismatch = errors.New("file size mismatch")

	// ErrUploadClosed means the upload writer was already finalized or
	// aborted.
	ErrUploadClosed = errors.New("upload already closed")
)

// Info describes a stored blob.
type Info struct {
	Hash      string
	Path      string
	Size      int64
	RefCount  int
	LastRefAt time.Time
}

// Archive is an optional secondary backend (e.g. S3) that blobs are copied to
// on finalize and restored from when a locally missing hash is acquired.
type Archive interface {
	// Put uploads the file at path under the given hash.
	Put(ctx context.Context, hash, path string) error

	// Fetch downloads the blob for hash to destPath.
	Fetch(ctx context.Context, hash, destPath string) error

	// Delete removes the archived blob.
	Delete(ctx context.Context, hash string) error

	// HealthCheck verifies the archive is reachable.
	HealthCheck(ctx context.Context) error
}
