package resultcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// key layout: result:<hash> -> json-encoded Entry
const keyPrefix = "result:"

func keyEntry(hash string) []byte {
	return []byte(keyPrefix + hash)
}

// BadgerStore is a Badger-backed Store. One value per hash; entries are
// JSON-encoded.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a Badger database at dir.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", dir, err)
	}
	return &BadgerStore{db: db}, nil
}

// NewBadgerStoreInMemory opens an in-memory Badger database (tests, or
// explicitly ephemeral caches).
func NewBadgerStoreInMemory() (*BadgerStore, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory badger: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get implements Store.
func (s *BadgerStore) Get(hash string) (*Entry, error) {
	var entry Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyEntry(hash))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get cache entry: %w", err)
	}
	return &entry, nil
}

// Put implements Store.
func (s *BadgerStore) Put(hash string, e *Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(keyEntry(hash), data)
	})
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *BadgerStore) Delete(hash string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(keyEntry(hash))
	})
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Keys implements Store.
func (s *BadgerStore) Keys() ([]string, error) {
	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			k := string(it.Item().Key())
			keys = append(keys, strings.TrimPrefix(k, keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list cache keys: %w", err)
	}
	return keys, nil
}

// Len implements Store.
func (s *BadgerStore) Len() (int, error) {
	keys, err := s.Keys()
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// Ensure BadgerStore implements Store.
var _ Store = (*BadgerStore)(nil)
