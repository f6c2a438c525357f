package dataset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/offstack/datastash/pkg/cache"
	"github.com/offstack/datastash/pkg/errs"
	"github.com/offstack/datastash/pkg/safe_close"
	"github.com/offstack/datastash/pkg/store"
	"github.com/offstack/datastash/pkg/taskqueue"
)

// stubExecutor serves download and check-update tasks from memory so tests
// control the remote side without a listener.
type stubExecutor struct {
	mu        sync.Mutex
	payload   []byte
	etag      string
	fail      error
	delay     time.Duration
	downloads int
	checks    int
}

func (e *stubExecutor) Execute(_ context.Context, t *taskqueue.Task, progress taskqueue.ProgressFunc) (*taskqueue.Result, error) {
	e.mu.Lock()
	payload, etag, fail, delay := e.payload, e.etag, e.fail, e.delay
	e.mu.Unlock()

	switch p := t.Payload.(type) {
	case taskqueue.DownloadPayload:
		if fail != nil {
			return nil, fail
		}
		if len(p.ETag) > 0 && p.ETag == etag {
			return &taskqueue.Result{NotModified: true, ETag: etag}, nil
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		e.mu.Lock()
		e.downloads++
		e.mu.Unlock()
		if progress != nil {
			progress(int64(len(payload)), int64(len(payload)))
		}
		return &taskqueue.Result{Bytes: payload, Size: int64(len(payload)), ETag: etag}, nil
	case taskqueue.CheckUpdatePayload:
		e.mu.Lock()
		e.checks++
		e.mu.Unlock()
		if fail != nil {
			return nil, fail
		}
		return &taskqueue.Result{HasUpdate: p.ETag != etag, ETag: etag}, nil
	default:
		return nil, errors.New("unexpected task type")
	}
}

func (e *stubExecutor) downloadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.downloads
}

func (e *stubExecutor) checkCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checks
}

func (e *stubExecutor) set(payload []byte, etag string, fail error) {
	e.mu.Lock()
	e.payload, e.etag, e.fail = payload, etag, fail
	e.mu.Unlock()
}

type testEnv struct {
	store *store.Store
	cache *cache.Cache
	queue *taskqueue.Queue
	exec  *stubExecutor
	mgr   *Manager
	sc    *safe_close.SafeClose
}

func newTestEnv(t *testing.T, online bool) *testEnv {
	t.Helper()
	dir := t.TempDir()

	st, err := store.New(store.Opts{Dir: dir})
	require.NoError(t, err)
	c, err := cache.New(cache.Opts{Store: st, CleanerInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	exec := &stubExecutor{}
	q, err := taskqueue.New(taskqueue.Opts{
		Executor:      exec,
		MaxAttempts:   1,
		RetrySchedule: []time.Duration{time.Millisecond},
		Online:        online,
	})
	require.NoError(t, err)

	sc := safe_close.NewSafeClose()
	q.Start(sc)
	t.Cleanup(func() {
		sc.SendCloseSignal(nil)
		sc.Done()
		sc.CloseWait()
	})

	m, err := New(Opts{Cache: c, Store: st, Queue: q, ScanInterval: -1})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })

	return &testEnv{store: st, cache: c, queue: q, exec: exec, mgr: m, sc: sc}
}

func Test_Manager_load_then_cache_hit(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("city,population\n"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("cities", RegisterOpts{URL: "http://remote/cities.csv", Format: FormatCSV}))

	res, err := env.mgr.Load(context.Background(), "cities", LoadOpts{})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, []byte("city,population\n"), res.Data)

	res, err = env.mgr.Load(context.Background(), "cities", LoadOpts{})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.False(t, res.Stale)
	require.Equal(t, 1, env.exec.downloadCount())

	ds, ok := env.mgr.dataset("cities")
	require.True(t, ok)
	require.True(t, ds.AvailableOffline)
	require.Equal(t, `"v1"`, ds.ETag)
}

func Test_Manager_load_unregistered(t *testing.T) {
	env := newTestEnv(t, true)
	_, err := env.mgr.Load(context.Background(), "nope", LoadOpts{})
	require.Error(t, err)
	require.Equal(t, errs.KindNotFound, errs.KindOf(err))
}

func Test_Manager_concurrent_loads_share_one_download(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set(make([]byte, 64<<10), `"v1"`, nil)
	env.exec.delay = 50 * time.Millisecond
	require.NoError(t, env.mgr.Register("big", RegisterOpts{URL: "http://remote/big.bin", Format: FormatParquet}))

	const n = 8
	var wg sync.WaitGroup
	results := make([]*LoadResult, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.mgr.Load(context.Background(), "big", LoadOpts{})
			require.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, env.exec.downloadCount())
	for _, res := range results {
		require.Len(t, res.Data, 64<<10)
	}
}

func Test_Manager_force_refresh_joins_inflight_download(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set(make([]byte, 16<<10), `"v1"`, nil)
	env.exec.delay = 300 * time.Millisecond
	require.NoError(t, env.mgr.Register("big", RegisterOpts{URL: "http://remote/big.bin", Format: FormatParquet}))

	var wg sync.WaitGroup
	results := make([]*LoadResult, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := env.mgr.Load(context.Background(), "big", LoadOpts{})
		require.NoError(t, err)
		results[0] = res
	}()
	time.Sleep(50 * time.Millisecond)
	wg.Add(1)
	go func() {
		defer wg.Done()
		res, err := env.mgr.Load(context.Background(), "big", LoadOpts{ForceRefresh: true})
		require.NoError(t, err)
		results[1] = res
	}()
	wg.Wait()

	// The forced refresh joins the in-flight download instead of starting a
	// second one for the same dataset.
	require.Equal(t, 1, env.exec.downloadCount())
	for _, res := range results {
		require.Len(t, res.Data, 16<<10)
	}
}

func Test_Manager_cache_hit_schedules_due_check(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("blob"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{
		URL: "http://remote/d.csv", Format: FormatCSV, UpdateInterval: 30 * time.Millisecond,
	}))

	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)
	require.Equal(t, 0, env.exec.checkCount())

	time.Sleep(50 * time.Millisecond)

	// A cache hit past the update interval triggers a background freshness
	// check even though auto-update is off.
	res, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Eventually(t, func() bool { return env.exec.checkCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, env.exec.downloadCount())

	// Within the interval no further check is enqueued.
	_, err = env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 1, env.exec.checkCount())
}

func Test_Manager_stale_fallback_on_network_failure(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("v1 data"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.json", Format: FormatJSON}))

	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)

	env.exec.set(nil, "", errs.Newf(errs.KindTransient, "test", "remote down"))
	res, err := env.mgr.Load(context.Background(), "d", LoadOpts{ForceRefresh: true})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.True(t, res.Stale)
	require.Equal(t, []byte("v1 data"), res.Data)

	// With the fallback disallowed the failure surfaces.
	_, err = env.mgr.Load(context.Background(), "d", LoadOpts{ForceRefresh: true, DisallowStale: true})
	require.Error(t, err)
}

func Test_Manager_offline_without_cache_is_unavailable(t *testing.T) {
	env := newTestEnv(t, false)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.csv", Format: FormatCSV}))

	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.Error(t, err)
	require.Equal(t, errs.KindUnavailable, errs.KindOf(err))
	require.Equal(t, 0, env.exec.downloadCount())
}

func Test_Manager_offline_serves_cached_copy(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("rows"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.csv", Format: FormatCSV}))
	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)

	env.queue.SetOnline(false)

	res, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)
	require.True(t, res.FromCache)

	// Even a forced refresh falls back to the cached copy while offline.
	res, err = env.mgr.Load(context.Background(), "d", LoadOpts{ForceRefresh: true})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.True(t, res.Stale)
	require.Equal(t, 1, env.exec.downloadCount())
}

func Test_Manager_not_modified_serves_cache(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("payload"), `"v7"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.json", Format: FormatJSON}))

	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)

	// Remote unchanged: the conditional refresh gets a NotModified and the
	// cached bytes are served without a second transfer.
	res, err := env.mgr.Load(context.Background(), "d", LoadOpts{ForceRefresh: true})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.False(t, res.Stale)
	require.Equal(t, 1, env.exec.downloadCount())
}

func Test_Manager_refresh_downloads_new_version(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("v1"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.csv", Format: FormatCSV}))

	var updated []string
	unsub := env.mgr.Subscribe(func(ev Event) {
		if ev.Type == EventDataUpdated {
			updated = append(updated, ev.Dataset)
		}
	})
	defer unsub()

	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)

	env.exec.set([]byte("v2"), `"v2"`, nil)
	res, err := env.mgr.Load(context.Background(), "d", LoadOpts{ForceRefresh: true})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, []byte("v2"), res.Data)
	require.Equal(t, []string{"d"}, updated)
}

func Test_Manager_registry_survives_restart(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("blob"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.csv", Format: FormatCSV, AutoUpdate: true, UpdateInterval: time.Hour}))
	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)

	// A second manager over the same cache sees the registration and the
	// downloaded copy without touching the network.
	m2, err := New(Opts{Cache: env.cache, Store: env.store, Queue: env.queue, ScanInterval: -1})
	require.NoError(t, err)
	defer m2.Close()

	ds, ok := m2.dataset("d")
	require.True(t, ok)
	require.True(t, ds.AvailableOffline)
	require.True(t, ds.AutoUpdate)

	res, err := m2.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)
	require.True(t, res.FromCache)
	require.Equal(t, 1, env.exec.downloadCount())
}

func Test_Manager_clear_dataset_keeps_registration(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("blob"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.csv", Format: FormatCSV}))
	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)

	// A derived cache entry depending on the dataset must go with it.
	require.NoError(t, env.cache.Set("query:d:sum", []byte("42"), cache.SetOpts{Dependencies: []string{"d"}}))

	require.NoError(t, env.mgr.ClearDataset("d"))

	_, ok, err := env.cache.Get("query:d:sum")
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, env.store.Exists(store.NamespaceDatasets, "d.csv"))

	ds, ok := env.mgr.dataset("d")
	require.True(t, ok)
	require.False(t, ds.AvailableOffline)

	// Reload goes to the network again.
	res, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)
	require.False(t, res.FromCache)
	require.Equal(t, 2, env.exec.downloadCount())
}

func Test_Manager_check_update(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("blob"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.csv", Format: FormatCSV}))
	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{})
	require.NoError(t, err)

	var available []string
	unsub := env.mgr.Subscribe(func(ev Event) {
		if ev.Type == EventUpdateAvailable {
			available = append(available, ev.Dataset)
		}
	})
	defer unsub()

	has, err := env.mgr.CheckUpdate(context.Background(), "d")
	require.NoError(t, err)
	require.False(t, has)

	env.exec.set([]byte("blob2"), `"v2"`, nil)
	has, err = env.mgr.CheckUpdate(context.Background(), "d")
	require.NoError(t, err)
	require.True(t, has)
	require.Equal(t, []string{"d"}, available)
}

func Test_Manager_status_projection(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set([]byte("0123456789"), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("ready", RegisterOpts{URL: "http://remote/r.csv", Format: FormatCSV}))
	require.NoError(t, env.mgr.Register("pending", RegisterOpts{URL: "http://remote/p.csv", Format: FormatCSV}))
	_, err := env.mgr.Load(context.Background(), "ready", LoadOpts{})
	require.NoError(t, err)

	st := env.mgr.Status()
	require.True(t, st.Online)
	require.Len(t, st.Datasets, 2)

	byName := make(map[string]DatasetStatus)
	for _, d := range st.Datasets {
		byName[d.Name] = d
	}
	require.True(t, byName["ready"].AvailableOffline)
	require.False(t, byName["ready"].Stale)
	require.Equal(t, int64(10), byName["ready"].SizeBytes)
	require.False(t, byName["pending"].AvailableOffline)
	require.True(t, byName["pending"].Stale)
	require.Greater(t, st.Storage.Total, int64(0))
}

func Test_Manager_progress_forwarded(t *testing.T) {
	env := newTestEnv(t, true)
	env.exec.set(make([]byte, 4096), `"v1"`, nil)
	require.NoError(t, env.mgr.Register("d", RegisterOpts{URL: "http://remote/d.bin", Format: FormatParquet}))

	var mu sync.Mutex
	var got [][2]int64
	_, err := env.mgr.Load(context.Background(), "d", LoadOpts{
		OnProgress: func(received, total int64) {
			mu.Lock()
			got = append(got, [2]int64{received, total})
			mu.Unlock()
		},
	})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	require.Equal(t, [2]int64{4096, 4096}, got[len(got)-1])
}
