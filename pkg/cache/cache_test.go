package cache

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offstack/datastash/pkg/store"
)

func newTestCache(t *testing.T, opts Opts) *Cache {
	t.Helper()
	if opts.Store == nil {
		s, err := store.New(store.Opts{Dir: t.TempDir()})
		require.NoError(t, err)
		opts.Store = s
	}
	if opts.CleanerInterval == 0 {
		opts.CleanerInterval = -1
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func Test_Cache_memory_roundtrip(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	r.NoError(c.Set("k", []byte("v"), SetOpts{}))
	b, ok, err := c.Get("k")
	r.NoError(err)
	r.True(ok)
	r.Equal([]byte("v"), b)

	// The payload is copied on Set.
	src := []byte("mutate me")
	r.NoError(c.Set("m", src, SetOpts{}))
	src[0] = 'X'
	b, ok, _ = c.Get("m")
	r.True(ok)
	r.Equal([]byte("mutate me"), b)
}

func Test_Cache_miss_is_not_an_error(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	b, ok, err := c.Get("absent")
	r.NoError(err)
	r.False(ok)
	r.Nil(b)
	r.Equal(uint64(1), c.Stats().Misses)
}

func Test_Cache_ttl_expiry(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	r.NoError(c.Set("short", []byte("x"), SetOpts{TTL: time.Millisecond * 20}))
	_, ok, _ := c.Get("short")
	r.True(ok)

	time.Sleep(time.Millisecond * 40)

	// Expired entry is reported as a miss and removed.
	_, ok, err := c.Get("short")
	r.NoError(err)
	r.False(ok)
	r.Equal(0, c.Stats().MemoryEntries)

	_, ok, _ = c.Get("short")
	r.False(ok)
}

func Test_Cache_persistent_ttl_expiry(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	r.NoError(c.Set("p", []byte("x"), SetOpts{TTL: time.Millisecond * 20, Persistent: true}))
	time.Sleep(time.Millisecond * 40)

	_, ok, err := c.Get("p")
	r.NoError(err)
	r.False(ok)

	keys, err := c.PersistentKeys()
	r.NoError(err)
	r.Empty(keys)
}

func Test_Cache_lru_eviction_under_budget(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{MemoryBudget: 100, MemoryEntryLimit: 100})

	pay := func(n int) []byte { return bytes.Repeat([]byte{'a'}, n) }

	r.NoError(c.Set("a", pay(40), SetOpts{MemoryOnly: true}))
	r.NoError(c.Set("b", pay(40), SetOpts{MemoryOnly: true}))

	// Touch "a" so "b" is the least recently accessed.
	_, ok, _ := c.Get("a")
	r.True(ok)

	r.NoError(c.Set("c", pay(40), SetOpts{MemoryOnly: true}))

	st := c.Stats()
	r.LessOrEqual(st.MemoryBytes, int64(100))
	r.Equal(uint64(1), st.Evictions)

	_, ok, _ = c.Get("b")
	r.False(ok, "least recently accessed entry should have been evicted")
	_, ok, _ = c.Get("a")
	r.True(ok)
	_, ok, _ = c.Get("c")
	r.True(ok)
}

func Test_Cache_tracked_size_never_exceeds_budget(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{MemoryBudget: 1000, MemoryEntryLimit: 1000})

	for i := 0; i < 100; i++ {
		key := string(rune('a' + i%26))
		r.NoError(c.Set(key, bytes.Repeat([]byte{'x'}, 90), SetOpts{MemoryOnly: true}))
		r.LessOrEqual(c.Stats().MemoryBytes, int64(1000))
	}
}

func Test_Cache_persistent_roundtrip_and_promotion(t *testing.T) {
	r := require.New(t)
	s, err := store.New(store.Opts{Dir: t.TempDir()})
	r.NoError(err)
	c := newTestCache(t, Opts{Store: s})

	payload := []byte("persisted payload")
	r.NoError(c.Set("p", payload, SetOpts{Persistent: true, TTL: time.Hour}))
	r.Equal(0, c.Stats().MemoryEntries)

	// First hit comes from disk and promotes into memory.
	b, ok, err := c.Get("p")
	r.NoError(err)
	r.True(ok)
	r.Equal(payload, b)
	r.Equal(1, c.Stats().MemoryEntries)

	// A second cache over the same store still sees it (restart survival).
	c2 := newTestCache(t, Opts{Store: s})
	b, ok, err = c2.Get("p")
	r.NoError(err)
	r.True(ok)
	r.Equal(payload, b)
}

func Test_Cache_compression_only_when_worth_it(t *testing.T) {
	r := require.New(t)
	s, err := store.New(store.Opts{Dir: t.TempDir()})
	r.NoError(err)
	c := newTestCache(t, Opts{Store: s, CompressMin: 64})

	// Highly compressible payload: stored blob must be smaller than raw.
	compressible := bytes.Repeat([]byte("abcdefgh"), 512)
	r.NoError(c.Set("zip", compressible, SetOpts{Persistent: true}))

	infos, err := s.List(store.NamespaceCache)
	r.NoError(err)
	r.Len(infos, 1)
	r.Less(infos[0].Size, int64(len(compressible)))

	b, ok, err := c.Get("zip")
	r.NoError(err)
	r.True(ok)
	r.Equal(compressible, b)
}

func Test_Cache_incompressible_stored_raw(t *testing.T) {
	out, compressed := maybeCompress([]byte{1, 2, 3}, 64)
	require.False(t, compressed)
	require.Equal(t, []byte{1, 2, 3}, out)

	// Pseudo-random data below the 10% saving bar stays raw.
	data := make([]byte, 4096)
	seed := uint32(1)
	for i := range data {
		seed = seed*1664525 + 1013904223
		data[i] = byte(seed >> 24)
	}
	_, compressed = maybeCompress(data, 64)
	require.False(t, compressed)
}

func Test_Cache_corrupt_blob_is_a_miss(t *testing.T) {
	r := require.New(t)
	s, err := store.New(store.Opts{Dir: t.TempDir()})
	r.NoError(err)
	c := newTestCache(t, Opts{Store: s, CompressMin: 8})

	compressible := bytes.Repeat([]byte("abcdefgh"), 64)
	r.NoError(c.Set("bad", compressible, SetOpts{Persistent: true}))

	// Truncate the stored blob so snappy decoding fails.
	e := &Entry{Key: "bad"}
	r.NoError(s.Store(store.NamespaceCache, hashKey("bad"), []byte{0xff, 0x01}, func() *store.Meta {
		m := e.toMeta()
		m.Extra[metaCompressed] = "1"
		return m
	}(), nil))

	b, ok, err := c.Get("bad")
	r.NoError(err)
	r.False(ok)
	r.Nil(b)

	// The corrupt entry was deleted.
	keys, err := c.PersistentKeys()
	r.NoError(err)
	r.Empty(keys)
}

func Test_Cache_delete(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	r.NoError(c.Set("m", []byte("x"), SetOpts{}))
	r.NoError(c.Set("p", []byte("y"), SetOpts{Persistent: true}))

	r.NoError(c.Delete("m"))
	r.NoError(c.Delete("p"))

	_, ok, _ := c.Get("m")
	r.False(ok)
	_, ok, _ = c.Get("p")
	r.False(ok)
}

func Test_Cache_clear_filters_are_ORed(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	r.NoError(c.Set("query:1", []byte("a"), SetOpts{Tags: []string{"query"}}))
	r.NoError(c.Set("query:2", []byte("b"), SetOpts{Tags: []string{"query"}, Persistent: true}))
	r.NoError(c.Set("dataset:x", []byte("c"), SetOpts{Tags: []string{"dataset"}}))
	r.NoError(c.Set("other", []byte("d"), SetOpts{}))

	n, err := c.Clear(&ClearFilter{Namespace: "query", Tags: []string{"dataset"}})
	r.NoError(err)
	r.Equal(3, n)

	_, ok, _ := c.Get("query:1")
	r.False(ok)
	_, ok, _ = c.Get("query:2")
	r.False(ok)
	_, ok, _ = c.Get("dataset:x")
	r.False(ok)
	_, ok, _ = c.Get("other")
	r.True(ok)
}

func Test_Cache_clear_all(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	r.NoError(c.Set("a", []byte("a"), SetOpts{}))
	r.NoError(c.Set("b", []byte("b"), SetOpts{Persistent: true}))

	n, err := c.Clear(nil)
	r.NoError(err)
	r.Equal(2, n)
	r.Equal(0, c.Stats().MemoryEntries)

	keys, err := c.PersistentKeys()
	r.NoError(err)
	r.Empty(keys)
}

func Test_Cache_invalidate_by_dependency(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	r.NoError(c.Set("r1", []byte("a"), SetOpts{Dependencies: []string{"sales", "users"}}))
	r.NoError(c.Set("r2", []byte("b"), SetOpts{Dependencies: []string{"sales"}, Persistent: true}))
	r.NoError(c.Set("r3", []byte("c"), SetOpts{Dependencies: []string{"users"}}))
	r.NoError(c.Set("r4", []byte("d"), SetOpts{}))

	n, err := c.InvalidateByDependency("sales")
	r.NoError(err)
	r.Equal(2, n)

	_, ok, _ := c.Get("r1")
	r.False(ok)
	_, ok, _ = c.Get("r2")
	r.False(ok)
	_, ok, _ = c.Get("r3")
	r.True(ok)
	_, ok, _ = c.Get("r4")
	r.True(ok)
}

func Test_Cache_expiry_sweep_idempotent(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{})

	r.NoError(c.Set("expired", []byte("x"), SetOpts{TTL: time.Nanosecond}))
	r.NoError(c.Set("alive", []byte("y"), SetOpts{TTL: time.Hour}))

	time.Sleep(time.Millisecond)
	r.Equal(1, c.RemoveExpired())
	// Nothing left to remove: the sweep must be side-effect free.
	r.Equal(0, c.RemoveExpired())

	_, ok, _ := c.Get("alive")
	r.True(ok)
}

func Test_Cache_concurrent_access(t *testing.T) {
	r := require.New(t)
	c := newTestCache(t, Opts{MemoryBudget: 10_000, MemoryEntryLimit: 10_000})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				key := string(rune('a' + (n+j)%26))
				_ = c.Set(key, bytes.Repeat([]byte{'x'}, 100), SetOpts{MemoryOnly: true})
				_, _, _ = c.Get(key)
				if j%50 == 0 {
					c.RemoveExpired()
				}
			}
		}(i)
	}
	wg.Wait()

	r.LessOrEqual(c.Stats().MemoryBytes, int64(10_000))
}
