package resultcache

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/murmur-labs/scribed/pkg/engine"
)

func sampleRaw(text string) *engine.RawResult {
	return &engine.RawResult{
		Sentences: []engine.Sentence{
			{Text: text, StartMs: 0, EndMs: 1000, Speaker: 0},
		},
		DurationMs: 1000,
	}
}

// stores under test: both backends must satisfy the same behavior.
func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("Memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("Badger", func(t *testing.T) {
		s, err := NewBadgerStoreInMemory()
		require.NoError(t, err)
		fn(t, s)
	})
}

func TestStoreRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		defer s.Close()

		_, err := s.Get("missing")
		assert.ErrorIs(t, err, ErrNotFound)

		e := &Entry{
			Raw:        sampleRaw("hello"),
			CreatedAt:  time.Now().Truncate(time.Second),
			LastAccess: time.Now().Truncate(time.Second),
		}
		require.NoError(t, s.Put("h1", e))

		got, err := s.Get("h1")
		require.NoError(t, err)
		assert.Equal(t, "hello", got.Raw.Sentences[0].Text)

		keys, err := s.Keys()
		require.NoError(t, err)
		assert.Equal(t, []string{"h1"}, keys)

		require.NoError(t, s.Delete("h1"))
		_, err = s.Get("h1")
		assert.ErrorIs(t, err, ErrNotFound)

		// Deleting a missing key is a no-op.
		assert.NoError(t, s.Delete("h1"))
	})
}

func TestPutRawFirstWriteWins(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("first")))
	require.NoError(t, c.PutRaw("h1", sampleRaw("second")))

	e, err := c.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, "first", e.Raw.Sentences[0].Text)
}

func TestGetRefreshesLastAccess(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))
	e1, err := c.Get("h1")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	e2, err := c.Get("h1")
	require.NoError(t, err)
	assert.True(t, e2.LastAccess.After(e1.CreatedAt))
}

func TestGetOrDeriveFormatCachesResult(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))

	var calls atomic.Int32
	derive := func(raw *engine.RawResult) ([]byte, error) {
		calls.Add(1)
		return []byte("payload:" + raw.Sentences[0].Text), nil
	}

	p1, err := c.GetOrDeriveFormat("h1", "srt", derive)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload:x"), p1)

	p2, err := c.GetOrDeriveFormat("h1", "srt", derive)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, int32(1), calls.Load(), "derive must run once")
}

func TestGetOrDeriveFormatSingleFlight(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))

	var calls atomic.Int32
	derive := func(raw *engine.RawResult) ([]byte, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return []byte("slow"), nil
	}

	const n = 16
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := c.GetOrDeriveFormat("h1", "json", derive)
			assert.NoError(t, err)
			results[i] = p
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent callers must share one derivation")
	for _, r := range results {
		assert.Equal(t, []byte("slow"), r)
	}
}

func TestGetOrDeriveFormatIndependentPerFormat(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))

	var calls atomic.Int32
	derive := func(format string) func(*engine.RawResult) ([]byte, error) {
		return func(*engine.RawResult) ([]byte, error) {
			calls.Add(1)
			return []byte(format), nil
		}
	}

	_, err := c.GetOrDeriveFormat("h1", "json", derive("json"))
	require.NoError(t, err)
	_, err = c.GetOrDeriveFormat("h1", "srt", derive("srt"))
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrDeriveFormatMissingRaw(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	_, err := c.GetOrDeriveFormat("missing", "json", func(*engine.RawResult) ([]byte, error) {
		t.Fatal("derive must not run without a raw result")
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetOrDeriveFormatPropagatesError(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))

	boom := fmt.Errorf("renderer exploded")
	_, err := c.GetOrDeriveFormat("h1", "json", func(*engine.RawResult) ([]byte, error) {
		return nil, boom
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	// A failed derivation is not cached; the next call retries.
	p, err := c.GetOrDeriveFormat("h1", "json", func(*engine.RawResult) ([]byte, error) {
		return []byte("ok"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), p)
}

func TestEvict(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))
	require.NoError(t, c.Evict("h1"))
	_, err := c.Get("h1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepExpired(t *testing.T) {
	store := NewMemoryStore()
	c := New(store, Config{TTL: 50 * time.Millisecond, SweepInterval: time.Hour})
	defer c.Close()

	require.NoError(t, c.PutRaw("old", sampleRaw("old")))
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, c.PutRaw("fresh", sampleRaw("fresh")))

	n, err := c.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = c.Get("old")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Get("fresh")
	assert.NoError(t, err)
}

func TestSweepDisabledWithoutTTL(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))
	n, err := c.SweepExpired()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAccessExtendsLifetime(t *testing.T) {
	c := New(NewMemoryStore(), Config{TTL: 80 * time.Millisecond, SweepInterval: time.Hour})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))

	// Keep touching the entry past its original TTL.
	for i := 0; i < 4; i++ {
		time.Sleep(30 * time.Millisecond)
		_, err := c.Get("h1")
		require.NoError(t, err)
	}

	n, err := c.SweepExpired()
	require.NoError(t, err)
	assert.Zero(t, n, "recently accessed entry must survive the sweep")
}

func TestStats(t *testing.T) {
	c := New(NewMemoryStore(), Config{})
	defer c.Close()

	require.NoError(t, c.PutRaw("h1", sampleRaw("x")))
	_, _ = c.Get("h1")
	_, _ = c.Get("nope")

	st := c.Stats()
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
}

func TestBadgerPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put("h1", &Entry{
		Raw:        sampleRaw("persisted"),
		CreatedAt:  time.Now(),
		LastAccess: time.Now(),
	}))
	require.NoError(t, s.Close())

	s2, err := NewBadgerStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	e, err := s2.Get("h1")
	require.NoError(t, err)
	assert.Equal(t, "persisted", e.Raw.Sentences[0].Text)
}
