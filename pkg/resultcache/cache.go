// Package resultcache persists raw transcription results keyed by content
// hash and lazily derives client-facing formats from them. Derivations are
// collapsed with a per-(hash, format) single-flight so concurrent requests
// for the same format run the renderer at most once.
package resultcache

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/murmur-labs/scribed/internal/logger"
	"github.com/murmur-labs/scribed/pkg/engine"
)

// ErrNotFound means no cache entry exists for the requested hash.
var ErrNotFound = errors.New("cache entry not found")

// Entry is the stored value for one content hash: the immutable raw result
// plus any derived format payloads.
type Entry struct {
	Raw        *engine.RawResult `json:"raw"`
	Formats    map[string][]byte `json:"formats,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastAccess time.Time         `json:"last_access"`
}

// Store is the persistence backend. Implementations need not be safe for
// concurrent read-modify-write; Cache serializes mutations.
type Store interface {
	// Get returns the entry for hash, or ErrNotFound.
	Get(hash string) (*Entry, error)

	// Put stores the entry for hash, replacing any previous value.
	Put(hash string, e *Entry) error

	// Delete removes the entry for hash. Unknown hashes are a no-op.
	Delete(hash string) error

	// Keys lists all stored hashes.
	Keys() ([]string, error)

	// Len returns the number of stored entries.
	Len() (int, error)

	// Close releases backend resources.
	Close() error
}

// Config controls cache behavior.
type Config struct {
	// TTL is the idle lifetime of an entry; entries untouched for longer are
	// swept. Zero disables expiry.
	TTL time.Duration

	// SweepInterval is how often the background sweeper runs.
	// Defaults to 1 hour when TTL is set.
	SweepInterval time.Duration
}

// Stats is a point-in-time cache summary.
type Stats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
	Swept   int64 `json:"swept"`
}

// Cache coordinates a Store with idempotent raw writes, single-flight format
// derivation, and TTL sweeping.
type Cache struct {
	mu    sync.Mutex // serializes store mutations
	store Store
	cfg   Config

	derive singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
	swept  atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New creates a cache over store and starts the TTL sweeper if configured.
func New(store Store, cfg Config) *Cache {
	if cfg.TTL > 0 && cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}

	c := &Cache{
		store:  store,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if cfg.TTL > 0 {
		go c.sweeper()
	} else {
		close(c.doneCh)
	}
	return c
}

// Get returns the entry for hash and refreshes its last-access time.
func (c *Cache) Get(hash string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.store.Get(hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.misses.Add(1)
		}
		return nil, err
	}
	c.hits.Add(1)

	e.LastAccess = time.Now()
	if err := c.store.Put(hash, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Contains reports whether an entry exists without counting a hit or miss.
func (c *Cache) Contains(hash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.store.Get(hash)
	return err == nil
}

// PutRaw stores the raw result for hash. First write wins: if an entry
// already exists only its last-access time is refreshed, so concurrent
// completions of the same hash converge on one immutable raw result.
func (c *Cache) PutRaw(hash string, raw *engine.RawResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	existing, err := c.store.Get(hash)
	if err == nil {
		existing.LastAccess = now
		return c.store.Put(hash, existing)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}

	return c.store.Put(hash, &Entry{
		Raw:        raw,
		CreatedAt:  now,
		LastAccess: now,
	})
}

// GetOrDeriveFormat returns the cached derived payload for (hash, format), or
// runs derive once across concurrent callers and caches its output.
// Fails with ErrNotFound when no raw result exists for hash.
func (c *Cache) GetOrDeriveFormat(hash, format string, derive func(raw *engine.RawResult) ([]byte, error)) ([]byte, error) {
	c.mu.Lock()
	e, err := c.store.Get(hash)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if payload, ok := e.Formats[format]; ok {
		e.LastAccess = time.Now()
		putErr := c.store.Put(hash, e)
		c.mu.Unlock()
		if putErr != nil {
			return nil, putErr
		}
		return payload, nil
	}
	raw := e.Raw
	c.mu.Unlock()

	key := hash + ":" + format
	v, err, _ := c.derive.Do(key, func() (any, error) {
		// Re-check under the flight: a previous flight may have cached it.
		c.mu.Lock()
		e, err := c.store.Get(hash)
		if err == nil {
			if payload, ok := e.Formats[format]; ok {
				c.mu.Unlock()
				return payload, nil
			}
		}
		c.mu.Unlock()

		payload, err := derive(raw)
		if err != nil {
			return nil, fmt.Errorf("derive %s: %w", format, err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		e, err = c.store.Get(hash)
		if err != nil {
			// Entry evicted mid-derivation; still return the payload.
			if errors.Is(err, ErrNotFound) {
				return payload, nil
			}
			return nil, err
		}
		if e.Formats == nil {
			e.Formats = make(map[string][]byte)
		}
		e.Formats[format] = payload
		e.LastAccess = time.Now()
		if err := c.store.Put(hash, e); err != nil {
			return nil, err
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Evict removes the entry for hash.
func (c *Cache) Evict(hash string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Delete(hash)
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	n, _ := c.store.Len()
	c.mu.Unlock()
	return Stats{
		Entries: n,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Swept:   c.swept.Load(),
	}
}

// Close stops the sweeper and closes the backend store.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.doneCh
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Close()
}

// ============================================================================
// TTL sweeper
// ============================================================================

func (c *Cache) sweeper() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n, err := c.SweepExpired()
			if err != nil {
				logger.Warn("cache sweep failed", logger.KeyError, err)
			} else if n > 0 {
				logger.Info("cache sweep removed expired entries", logger.KeyEvicted, n)
			}
		case <-c.stopCh:
			return
		}
	}
}

// SweepExpired removes entries whose last access is older than the TTL.
// Returns the number of removed entries.
func (c *Cache) SweepExpired() (int, error) {
	if c.cfg.TTL <= 0 {
		return 0, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keys, err := c.store.Keys()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-c.cfg.TTL)
	removed := 0
	for _, hash := range keys {
		e, err := c.store.Get(hash)
		if err != nil {
			continue
		}
		if e.LastAccess.Before(cutoff) {
			if err := c.store.Delete(hash); err != nil {
				return removed, err
			}
			removed++
		}
	}
	c.swept.Add(int64(removed))
	return removed, nil
}
