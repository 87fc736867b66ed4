package resultcache

import (
	"sync"
)

// MemoryStore is a map-backed Store for tests and cache-disabled runs.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	closed  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

// Get implements Store. Entries are deep-copied on neither side; callers must
// treat the raw result as immutable, matching the cache contract.
func (m *MemoryStore) Get(hash string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[hash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	if e.Formats != nil {
		cp.Formats = make(map[string][]byte, len(e.Formats))
		for k, v := range e.Formats {
			cp.Formats[k] = v
		}
	}
	return &cp, nil
}

// Put implements Store.
func (m *MemoryStore) Put(hash string, e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.entries[hash] = &cp
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, hash)
	return nil
}

// Keys implements Store.
func (m *MemoryStore) Keys() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

// Len implements Store.
func (m *MemoryStore) Len() (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
