package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, chunkSize int) *Store {
	t.Helper()
	s, err := New(Opts{Dir: t.TempDir(), ChunkSize: chunkSize})
	require.NoError(t, err)
	return s
}

func Test_Store_roundtrip(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 0)

	payload := []byte("hello datasets")
	meta := &Meta{Tags: []string{"demo"}, Extra: map[string]string{"etag": "abc"}}
	r.NoError(s.Store(NamespaceDatasets, "demo.csv", payload, meta, nil))

	b, m, err := s.Get(NamespaceDatasets, "demo.csv")
	r.NoError(err)
	r.Equal(payload, b)
	r.Equal(int64(len(payload)), m.Size)
	r.Equal([]string{"demo"}, m.Tags)
	r.Equal("abc", m.Extra["etag"])
	r.False(m.StoredAt.IsZero())

	// The sidecar sits next to the blob.
	p, err := s.Path(NamespaceDatasets, "demo.csv")
	r.NoError(err)
	_, err = os.Stat(p + metaSuffix)
	r.NoError(err)
}

func Test_Store_missing_is_not_an_error(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 0)

	b, m, err := s.Get(NamespaceCache, "nope")
	r.NoError(err)
	r.Nil(b)
	r.Nil(m)

	ok, err := s.Delete(NamespaceCache, "nope")
	r.NoError(err)
	r.False(ok)
}

func Test_Store_rejects_escaping_keys(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 0)

	r.Error(s.Store(NamespaceCache, "../escape", []byte("x"), nil, nil))
	r.Error(s.Store(NamespaceCache, "", []byte("x"), nil, nil))
	_, _, err := s.Get(NamespaceCache, "/abs")
	r.Error(err)
}

func Test_Store_chunked_progress(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 10)

	payload := make([]byte, 35)
	var steps [][2]int64
	r.NoError(s.Store(NamespaceTemp, "big.bin", payload, nil, func(written, total int64) {
		steps = append(steps, [2]int64{written, total})
	}))

	r.Equal([][2]int64{{10, 35}, {20, 35}, {30, 35}, {35, 35}}, steps)
}

func Test_Store_subdirectory_keys(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 0)

	r.NoError(s.Store(NamespaceCache, "ns/inner/key.bin", []byte("x"), nil, nil))
	b, _, err := s.Get(NamespaceCache, "ns/inner/key.bin")
	r.NoError(err)
	r.Equal([]byte("x"), b)

	infos, err := s.List(NamespaceCache)
	r.NoError(err)
	r.Len(infos, 1)
	r.Equal("ns/inner/key.bin", infos[0].Name)
}

func Test_Store_list_and_usage(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 0)

	r.NoError(s.Store(NamespaceDatasets, "a", make([]byte, 10), nil, nil))
	r.NoError(s.Store(NamespaceDatasets, "b", make([]byte, 20), nil, nil))
	r.NoError(s.Store(NamespaceCache, "c", make([]byte, 5), nil, nil))

	infos, err := s.List(NamespaceDatasets)
	r.NoError(err)
	r.Len(infos, 2)
	r.Equal("a", infos[0].Name)
	r.Equal(int64(10), infos[0].Size)

	u, err := s.Usage()
	r.NoError(err)
	r.Equal(int64(30), u.PerNamespace[NamespaceDatasets])
	r.Equal(int64(5), u.PerNamespace[NamespaceCache])
	r.Equal(int64(35), u.Total)
}

func Test_Store_cleanup_by_age(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 0)

	r.NoError(s.Store(NamespaceTemp, "old", []byte("x"), nil, nil))
	r.NoError(s.Store(NamespaceTemp, "fresh", []byte("y"), nil, nil))

	// Age the first blob on disk.
	p, err := s.Path(NamespaceTemp, "old")
	r.NoError(err)
	past := time.Now().Add(-2 * time.Hour)
	r.NoError(os.Chtimes(p, past, past))

	n, err := s.Cleanup(NamespaceTemp, time.Hour)
	r.NoError(err)
	r.Equal(1, n)

	b, _, err := s.Get(NamespaceTemp, "old")
	r.NoError(err)
	r.Nil(b)
	b, _, err = s.Get(NamespaceTemp, "fresh")
	r.NoError(err)
	r.Equal([]byte("y"), b)
}

func Test_Store_get_without_sidecar(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 0)

	// Blob dropped in externally, no sidecar.
	p := filepath.Join(s.Dir(), string(NamespaceDatasets), "raw.bin")
	r.NoError(os.WriteFile(p, []byte("zzz"), 0o644))

	b, m, err := s.Get(NamespaceDatasets, "raw.bin")
	r.NoError(err)
	r.Equal([]byte("zzz"), b)
	r.Equal(int64(3), m.Size)
}

func Test_Store_overwrite(t *testing.T) {
	r := require.New(t)
	s := newTestStore(t, 0)

	r.NoError(s.Store(NamespaceCache, "k", []byte("one"), nil, nil))
	r.NoError(s.Store(NamespaceCache, "k", []byte("two longer"), nil, nil))

	b, m, err := s.Get(NamespaceCache, "k")
	r.NoError(err)
	r.Equal([]byte("two longer"), b)
	r.Equal(int64(10), m.Size)
}
