package blob

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/murmur-labs/scribed/internal/logger"
)

// Config holds configuration for the filesystem blob store.
type Config struct {
	// BasePath is the root directory for finalized blobs.
	BasePath string

	// TempPath is the directory for in-flight upload assembly.
	// Defaults to <BasePath>/tmp.
	TempPath string

	// DeleteOnRelease removes the on-disk artifact as soon as the refcount
	// reaches zero. When false, zero-ref blobs stay on disk and remain
	// acquirable.
	DeleteOnRelease bool

	// DirMode is the permission mode for created directories. Default: 0755.
	DirMode os.FileMode

	// FileMode is the permission mode for finalized blobs. Default: 0644.
	FileMode os.FileMode
}

// Store is the filesystem implementation. Finalized blobs live under
// BasePath in two-level fan-out directories (ab/abcdef...), one file per
// hash. All mutating operations on a given hash are serialized by a per-hash
// lock; the store-level mutex only guards the maps.
type Store struct {
	mu      sync.Mutex
	cfg     Config
	handles map[string]*handle
	locks   map[string]*sync.Mutex
	archive Archive
	closed  bool
}

type handle struct {
	path      string
	size      int64
	refcount  int
	lastRefAt time.Time
}

// New creates a filesystem blob store rooted at cfg.BasePath, creating the
// directory tree if needed and indexing any blobs already on disk.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("base path is required")
	}
	if cfg.TempPath == "" {
		cfg.TempPath = filepath.Join(cfg.BasePath, "tmp")
	}
	if cfg.DirMode == 0 {
		cfg.DirMode = 0755
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0644
	}

	if err := os.MkdirAll(cfg.BasePath, cfg.DirMode); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.TempPath, cfg.DirMode); err != nil {
		return nil, err
	}

	s := &Store{
		cfg:     cfg,
		handles: make(map[string]*handle),
		locks:   make(map[string]*sync.Mutex),
	}
	if err := s.index(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithArchive attaches an optional archive backend.
func (s *Store) WithArchive(a Archive) *Store {
	s.mu.Lock()
	s.archive = a
	s.mu.Unlock()
	return s
}

// index registers blobs already present on disk with refcount zero, so a
// restarted server can still serve cached artifacts.
func (s *Store) index() error {
	return filepath.WalkDir(s.cfg.BasePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path == s.cfg.TempPath {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasSuffix(path, ".tmp") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hash := filepath.Base(path)
		s.handles[hash] = &handle{
			path:      path,
			size:      info.Size(),
			lastRefAt: info.ModTime(),
		}
		return nil
	})
}

// blobPath returns the finalized location for a hash, fanned out by the first
// two hex characters.
func (s *Store) blobPath(hash string) string {
	prefix := "00"
	if len(hash) >= 2 {
		prefix = hash[:2]
	}
	return filepath.Join(s.cfg.BasePath, prefix, hash)
}

// lockFor returns the per-hash mutex, creating it on first use.
func (s *Store) lockFor(hash string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		s.locks[hash] = l
	}
	return l
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// BeginUpload reserves a temporary assembly file for a new blob with the
// declared hash and size. Concurrent uploads of the same hash each get a
// distinct temp file; exactly one wins the finalize rename.
func (s *Store) BeginUpload(hash string, size int64) (*Upload, error) {
	if s.isClosed() {
		return nil, ErrStoreClosed
	}
	if hash == "" {
		return nil, errors.New("hash is required")
	}
	if size < 0 {
		return nil, errors.New("size must be non-negative")
	}

	f, err := os.CreateTemp(s.cfg.TempPath, hash+"-*.tmp")
	if err != nil {
		return nil, err
	}

	return &Upload{
		store: s,
		hash:  hash,
		size:  size,
		file:  f,
	}, nil
}

// Acquire increments the refcount for hash and returns the artifact path.
// If the blob is missing locally but an archive is attached, it is restored
// first. Fails with ErrNotFound when no blob exists anywhere.
func (s *Store) Acquire(ctx context.Context, hash string) (string, error) {
	if s.isClosed() {
		return "", ErrStoreClosed
	}

	l := s.lockFor(hash)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	h, ok := s.handles[hash]
	archive := s.archive
	s.mu.Unlock()

	if !ok {
		if archive == nil {
			return "", ErrNotFound
		}
		path := s.blobPath(hash)
		if err := os.MkdirAll(filepath.Dir(path), s.cfg.DirMode); err != nil {
			return "", err
		}
		if err := archive.Fetch(ctx, hash, path); err != nil {
			return "", ErrNotFound
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", err
		}
		h = &handle{path: path, size: info.Size()}
		s.mu.Lock()
		s.handles[hash] = h
		s.mu.Unlock()
		logger.Debug("blob restored from archive", logger.KeyFileHash, hash, logger.KeySize, info.Size())
	}

	s.mu.Lock()
	h.refcount++
	h.lastRefAt = time.Now()
	path := h.path
	s.mu.Unlock()
	return path, nil
}

// Release decrements the refcount for hash. When it reaches zero and the
// deletion policy is immediate, the artifact is removed. Releasing an unknown
// hash is a no-op.
func (s *Store) Release(ctx context.Context, hash string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	l := s.lockFor(hash)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	h, ok := s.handles[hash]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	s.mu.Lock()
	if h.refcount > 0 {
		h.refcount--
	}
	h.lastRefAt = time.Now()
	drained := h.refcount == 0
	s.mu.Unlock()

	if drained && s.cfg.DeleteOnRelease {
		return s.removeLocked(ctx, hash, h)
	}
	return nil
}

// Remove deletes the blob regardless of policy, provided no live references
// remain. Used by cache eviction.
func (s *Store) Remove(ctx context.Context, hash string) error {
	if s.isClosed() {
		return ErrStoreClosed
	}

	l := s.lockFor(hash)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	h, ok := s.handles[hash]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if h.refcount > 0 {
		return errors.New("blob still referenced")
	}
	return s.removeLocked(ctx, hash, h)
}

// removeLocked deletes the artifact and its handle. Caller holds the per-hash
// lock.
func (s *Store) removeLocked(ctx context.Context, hash string, h *handle) error {
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	// Drop an empty fan-out directory; failure just means it is not empty.
	os.Remove(filepath.Dir(h.path))

	s.mu.Lock()
	delete(s.handles, hash)
	delete(s.locks, hash)
	archive := s.archive
	s.mu.Unlock()

	if archive != nil {
		if err := archive.Delete(ctx, hash); err != nil {
			logger.Warn("archive delete failed", logger.KeyFileHash, hash, logger.KeyError, err)
		}
	}

	logger.Debug("blob removed", logger.KeyFileHash, hash)
	return nil
}

// Stat returns blob metadata. Fails with ErrNotFound for unknown hashes.
func (s *Store) Stat(hash string) (Info, error) {
	if s.isClosed() {
		return Info{}, ErrStoreClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[hash]
	if !ok {
		return Info{}, ErrNotFound
	}
	return Info{
		Hash:      hash,
		Path:      h.path,
		Size:      h.size,
		RefCount:  h.refcount,
		LastRefAt: h.lastRefAt,
	}, nil
}

// Contains reports whether a blob exists for hash.
func (s *Store) Contains(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[hash]
	return ok
}

// Len returns the number of stored blobs.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Close marks the store as closed. In-flight uploads fail on their next
// operation.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// HealthCheck verifies the base path is accessible.
func (s *Store) HealthCheck(ctx context.Context) error {
	if s.isClosed() {
		return ErrStoreClosed
	}
	if _, err := os.Stat(s.cfg.BasePath); err != nil {
		return err
	}
	s.mu.Lock()
	archive := s.archive
	s.mu.Unlock()
	if archive != nil {
		return archive.HealthCheck(ctx)
	}
	return nil
}
