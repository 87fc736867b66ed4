package blob

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/murmur-labs/scribed/internal/logger"
)

// Upload assembles a blob in a temporary file. Chunks may arrive in any
// order; the content hash is verified against the whole file at Finalize.
type Upload struct {
	mu     sync.Mutex
	store  *Store
	hash   string
	size   int64
	file   *os.File
	closed bool
}

// Hash returns the declared content hash.
func (u *Upload) Hash() string {
	return u.hash
}

// WriteChunk writes data at the given byte offset.
func (u *Upload) WriteChunk(offset int64, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return ErrUploadClosed
	}
	if offset < 0 || offset+int64(len(data)) > u.size {
		return fmt.Errorf("chunk out of bounds: offset %d len %d size %d", offset, len(data), u.size)
	}

	_, err := u.file.WriteAt(data, offset)
	return err
}

// Write appends data sequentially (single-shot uploads).
func (u *Upload) Write(data []byte) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return 0, ErrUploadClosed
	}
	return u.file.Write(data)
}

// Finalize verifies size and hash, then atomically publishes the blob.
// If a blob with the same hash already exists the assembled bytes are
// discarded and the existing path is returned; writes are idempotent per
// hash. The upload is closed in every outcome.
func (u *Upload) Finalize() (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return "", ErrUploadClosed
	}
	u.closed = true
	tmpName := u.file.Name()

	discard := func() {
		u.file.Close()
		os.Remove(tmpName)
	}

	info, err := u.file.Stat()
	if err != nil {
		discard()
		return "", err
	}
	if info.Size() != u.size {
		discard()
		return "", ErrSizeMismatch
	}

	sum, err := hashFile(u.file)
	if err != nil {
		discard()
		return "", err
	}
	if !strings.EqualFold(sum, u.hash) {
		discard()
		return "", ErrHashMismatch
	}

	if err := u.file.Sync(); err != nil {
		discard()
		return "", err
	}
	if err := u.file.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	s := u.store
	l := s.lockFor(u.hash)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		os.Remove(tmpName)
		return "", ErrStoreClosed
	}
	existing, ok := s.handles[u.hash]
	s.mu.Unlock()

	if ok {
		// Another upload already won; discard ours.
		os.Remove(tmpName)
		logger.Debug("blob upload deduplicated", logger.KeyFileHash, u.hash)
		return existing.path, nil
	}

	dest := s.blobPath(u.hash)
	if err := os.MkdirAll(filepath.Dir(dest), s.cfg.DirMode); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Chmod(tmpName, s.cfg.FileMode); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", err
	}

	s.mu.Lock()
	s.handles[u.hash] = &handle{
		path:      dest,
		size:      u.size,
		lastRefAt: time.Now(),
	}
	archive := s.archive
	s.mu.Unlock()

	if archive != nil {
		if err := archive.Put(context.Background(), u.hash, dest); err != nil {
			logger.Warn("archive upload failed", logger.KeyFileHash, u.hash, logger.KeyError, err)
		}
	}

	logger.Debug("blob finalized", logger.KeyFileHash, u.hash, logger.KeySize, u.size)
	return dest, nil
}

// Abort discards the upload. Safe to call after Finalize (no-op).
func (u *Upload) Abort() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return
	}
	u.closed = true
	name := u.file.Name()
	u.file.Close()
	os.Remove(name)
}

// hashFile computes the MD5 hex digest of the full file.
// MD5 is the wire protocol's content hash, not a security boundary.
func hashFile(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashBytes returns the MD5 hex digest of data. Used by the session layer to
// validate individual chunks.
func HashBytes(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
