// Package dataset coordinates registered remote datasets: cache-first loads
// with network fallback, stale serving when the source is unreachable, and
// background freshness checks.
package dataset

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/offstack/datastash/pkg/cache"
	"github.com/offstack/datastash/pkg/errs"
	"github.com/offstack/datastash/pkg/events"
	"github.com/offstack/datastash/pkg/netwatch"
	"github.com/offstack/datastash/pkg/safe_close"
	"github.com/offstack/datastash/pkg/store"
	"github.com/offstack/datastash/pkg/taskqueue"
	"github.com/offstack/datastash/pkg/utils"
)

const (
	// registryKey is the tiered-cache key the registry blob is persisted
	// under. No TTL: the registry never expires.
	registryKey = "registry:datasets"

	cacheKeyPrefix = "dataset:"

	defaultDatasetTTL   = 7 * 24 * time.Hour
	defaultScanInterval = time.Minute
)

type Opts struct {
	// Cache, Store and Queue are required.
	Cache *cache.Cache
	Store *store.Store
	Queue *taskqueue.Queue

	// Net, when set, drives the queue's online state and the online/offline
	// events.
	Net *netwatch.Watcher

	// Engine receives loaded dataset bytes. Optional.
	Engine QueryEngine

	// DatasetTTL is the cache TTL of downloaded dataset blobs. Default 7d.
	DatasetTTL time.Duration

	// ScanInterval is the period of the freshness scheduler. Default 1m,
	// negative disables it.
	ScanInterval time.Duration

	Logger *zap.Logger
}

type Manager struct {
	opts Opts

	mu       sync.Mutex
	registry map[string]*Dataset
	checking map[string]bool

	sf  singleflight.Group
	bus *events.Bus[Event]
	sc  *safe_close.SafeClose

	unsubNet func()
}

func New(opts Opts) (*Manager, error) {
	if opts.Cache == nil || opts.Store == nil || opts.Queue == nil {
		return nil, errs.Newf(errs.KindOther, "dataset.new", "cache, store and queue are required")
	}
	if opts.Engine == nil {
		opts.Engine = nopEngine{}
	}
	utils.SetDefaultNum(&opts.DatasetTTL, defaultDatasetTTL)
	utils.SetDefaultNum(&opts.ScanInterval, defaultScanInterval)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m := &Manager{
		opts:     opts,
		registry: make(map[string]*Dataset),
		checking: make(map[string]bool),
		bus:      events.NewBus[Event](opts.Logger),
	}
	m.loadRegistry()

	if opts.Net != nil {
		m.opts.Queue.SetOnline(opts.Net.Online())
		m.unsubNet = opts.Net.Subscribe(func(online bool) {
			m.opts.Queue.SetOnline(online)
			if online {
				m.bus.Publish(Event{Type: EventOnline})
			} else {
				m.bus.Publish(Event{Type: EventOffline})
			}
		})
	}
	return m, nil
}

// Start launches the freshness scheduler and the on-disk watcher, both
// attached to sc.
func (m *Manager) Start(sc *safe_close.SafeClose) {
	m.sc = sc

	if err := m.opts.Store.Watch(sc, []store.Namespace{store.NamespaceDatasets}, m.onStoreEvent); err != nil {
		m.opts.Logger.Warn("dataset watcher unavailable", zap.Error(err))
	}

	if m.opts.ScanInterval < 0 {
		return
	}
	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		ticker := time.NewTicker(m.opts.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-closeSignal:
				return
			case <-ticker.C:
				m.scheduleDueChecks()
			}
		}
	})
}

// Subscribe registers fn for manager events and returns its unsubscribe func.
func (m *Manager) Subscribe(fn func(Event)) (unsub func()) {
	return m.bus.Subscribe(fn)
}

// Close detaches the manager from the network watcher. Background goroutines
// stop through the SafeClose passed to Start.
func (m *Manager) Close() error {
	if m.unsubNet != nil {
		m.unsubNet()
		m.unsubNet = nil
	}
	return nil
}

// Register adds or updates a dataset record and persists the registry.
// Re-registering keeps the cached copy and its version markers.
func (m *Manager) Register(name string, opts RegisterOpts) error {
	if len(name) == 0 || len(opts.URL) == 0 {
		return errs.Newf(errs.KindOther, "dataset.register", "name and url are required")
	}

	m.mu.Lock()
	ds, ok := m.registry[name]
	if !ok {
		ds = &Dataset{Name: name}
		m.registry[name] = ds
	}
	ds.URL = opts.URL
	ds.Format = opts.Format
	ds.AutoUpdate = opts.AutoUpdate
	ds.UpdateInterval = opts.UpdateInterval
	m.mu.Unlock()

	return m.persistRegistry()
}

// Datasets returns a copy of every registry record, sorted by name.
func (m *Manager) Datasets() []*Dataset {
	m.mu.Lock()
	out := make([]*Dataset, 0, len(m.registry))
	for _, ds := range m.registry {
		out = append(out, ds.clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) dataset(name string) (*Dataset, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.registry[name]
	if !ok {
		return nil, false
	}
	return ds.clone(), true
}

// Load returns the dataset's bytes, reading the cache first and falling back
// to the network. Concurrent loads of the same dataset share one execution,
// so at most one download per dataset is ever in flight; a forced refresh
// that joins an in-flight load gets that load's result.
func (m *Manager) Load(ctx context.Context, name string, opts LoadOpts) (*LoadResult, error) {
	v, err, _ := m.sf.Do(name, func() (any, error) {
		return m.load(ctx, name, opts)
	})
	if err != nil {
		return nil, err
	}
	return v.(*LoadResult), nil
}

func (m *Manager) load(ctx context.Context, name string, opts LoadOpts) (*LoadResult, error) {
	ds, ok := m.dataset(name)
	if !ok {
		return nil, errs.Newf(errs.KindNotFound, "dataset.load", "dataset %q is not registered", name)
	}

	if !opts.ForceRefresh {
		if b, found := m.cachedBytes(ds); found {
			m.maybeCheckUpdate(ds)
			return m.serve(ds, b, true, false)
		}
	}

	online := m.opts.Queue.Online()
	if !online {
		if !opts.DisallowStale {
			if b, found := m.cachedBytes(ds); found {
				return m.serve(ds, b, true, true)
			}
		}
		return nil, errs.Newf(errs.KindUnavailable, "dataset.load", "offline and %q is not cached", name)
	}

	res, err := m.download(ctx, ds, opts, true)
	if err != nil {
		// Network path failed: serve the stale copy if one exists.
		if !opts.DisallowStale {
			if b, found := m.cachedBytes(ds); found {
				m.opts.Logger.Warn("serving stale dataset after failed refresh",
					zap.String("dataset", name), zap.Error(err))
				return m.serve(ds, b, true, true)
			}
		}
		return nil, err
	}

	if res.NotModified {
		b, found := m.cachedBytes(ds)
		if found {
			m.touchChecked(name)
			return m.serve(ds, b, true, false)
		}
		// The remote says unchanged but the local copy is gone; fetch
		// unconditionally.
		res, err = m.download(ctx, ds, opts, false)
		if err != nil {
			return nil, err
		}
	}

	if err := m.commit(ds, res); err != nil {
		return nil, err
	}
	return m.serve(ds, res.Bytes, false, false)
}

// download runs a Download task through the queue and forwards its progress
// to the caller. conditional controls whether version markers are sent.
func (m *Manager) download(ctx context.Context, ds *Dataset, opts LoadOpts, conditional bool) (*taskqueue.Result, error) {
	p := taskqueue.DownloadPayload{Dataset: ds.Name, URL: ds.URL}
	if conditional {
		p.ETag = ds.ETag
		p.LastModified = ds.LastModified
	}
	t := taskqueue.NewTask(p, taskqueue.PriorityHigh)

	var unsub func()
	if opts.OnProgress != nil {
		unsub = m.opts.Queue.Subscribe(func(ev taskqueue.Event) {
			if ev.Kind == taskqueue.EventProgress && ev.TaskID == t.ID {
				opts.OnProgress(ev.Received, ev.Total)
			}
		})
		defer unsub()
	}
	return m.opts.Queue.AddAndAwait(ctx, t)
}

// commit stores a freshly downloaded payload in both tiers and updates the
// registry record.
func (m *Manager) commit(ds *Dataset, res *taskqueue.Result) error {
	meta := &store.Meta{
		Size: res.Size,
		Tags: []string{"dataset"},
		Extra: map[string]string{
			"dataset":       ds.Name,
			"etag":          res.ETag,
			"last_modified": res.LastModified,
		},
	}
	if err := m.opts.Store.Store(store.NamespaceDatasets, storeKey(ds), res.Bytes, meta, nil); err != nil {
		return err
	}
	if err := m.opts.Cache.Set(cacheKey(ds.Name), res.Bytes, cache.SetOpts{
		TTL:          m.opts.DatasetTTL,
		Tags:         []string{"dataset"},
		Dependencies: []string{ds.Name},
		Persistent:   true,
	}); err != nil {
		m.opts.Logger.Warn("failed to cache dataset", zap.String("dataset", ds.Name), zap.Error(err))
	}

	now := time.Now()
	updated := false
	m.mu.Lock()
	if cur, ok := m.registry[ds.Name]; ok {
		updated = !cur.LastUpdated.IsZero()
		cur.ETag = res.ETag
		cur.LastModified = res.LastModified
		cur.SizeBytes = res.Size
		cur.Version = now.UTC().Format(time.RFC3339)
		cur.LastUpdated = now
		cur.LastChecked = now
		cur.AvailableOffline = true
		*ds = *cur
	}
	m.mu.Unlock()

	if err := m.persistRegistry(); err != nil {
		return err
	}
	if updated {
		m.bus.Publish(Event{Type: EventDataUpdated, Dataset: ds.Name, Size: res.Size})
	}
	return nil
}

// serve hands the payload to the query engine and publishes dataLoaded.
func (m *Manager) serve(ds *Dataset, b []byte, fromCache, stale bool) (*LoadResult, error) {
	if err := m.opts.Engine.RegisterData(ds.Name, b, ds.Format); err != nil {
		return nil, errs.New(errs.KindOther, "dataset.serve", err)
	}
	m.bus.Publish(Event{
		Type: EventDataLoaded, Dataset: ds.Name,
		FromCache: fromCache, Stale: stale, Size: int64(len(b)),
	})
	return &LoadResult{Data: b, FromCache: fromCache, Stale: stale, Size: int64(len(b))}, nil
}

// cachedBytes reads the tiered cache and falls back to the raw blob in the
// datasets namespace.
func (m *Manager) cachedBytes(ds *Dataset) ([]byte, bool) {
	b, ok, err := m.opts.Cache.Get(cacheKey(ds.Name))
	if err != nil {
		m.opts.Logger.Warn("dataset cache read failed", zap.String("dataset", ds.Name), zap.Error(err))
	}
	if ok {
		return b, true
	}
	b, _, err = m.opts.Store.Get(store.NamespaceDatasets, storeKey(ds))
	if err != nil {
		m.opts.Logger.Warn("dataset blob read failed", zap.String("dataset", ds.Name), zap.Error(err))
		return nil, false
	}
	if b == nil {
		return nil, false
	}
	return b, true
}

// Query runs a query through the wired engine.
func (m *Manager) Query(query string) (*QueryResult, error) {
	return m.opts.Engine.ExecuteQuery(query)
}

// CheckUpdate asks the remote whether a newer version exists without
// downloading it. On a positive answer updateAvailable is published.
func (m *Manager) CheckUpdate(ctx context.Context, name string) (bool, error) {
	ds, ok := m.dataset(name)
	if !ok {
		return false, errs.Newf(errs.KindNotFound, "dataset.check_update", "dataset %q is not registered", name)
	}
	t := taskqueue.NewTask(taskqueue.CheckUpdatePayload{
		Dataset: name, URL: ds.URL, ETag: ds.ETag, LastModified: ds.LastModified,
	}, taskqueue.PriorityLow)
	res, err := m.opts.Queue.AddAndAwait(ctx, t)
	if err != nil {
		return false, err
	}
	m.touchChecked(name)
	if res.HasUpdate {
		m.bus.Publish(Event{Type: EventUpdateAvailable, Dataset: name})
	}
	return res.HasUpdate, nil
}

// maybeCheckUpdate enqueues a background freshness check after a cache hit
// when the dataset's update interval has elapsed and the system is online.
func (m *Manager) maybeCheckUpdate(ds *Dataset) {
	if ds.UpdateInterval <= 0 || !m.opts.Queue.Online() {
		return
	}
	if time.Since(ds.LastChecked) <= ds.UpdateInterval {
		return
	}
	m.checkAsync(ds.Name)
}

// scheduleDueChecks enqueues a freshness check for every auto-update dataset
// whose interval has elapsed. No-op while offline.
func (m *Manager) scheduleDueChecks() {
	if !m.opts.Queue.Online() {
		return
	}
	now := time.Now()
	m.mu.Lock()
	var due []string
	for _, ds := range m.registry {
		if ds.dueForCheck(now) {
			due = append(due, ds.Name)
		}
	}
	m.mu.Unlock()

	for _, name := range due {
		m.checkAsync(name)
	}
}

// checkAsync runs CheckUpdate in the background. At most one check per
// dataset is in flight at a time.
func (m *Manager) checkAsync(name string) {
	m.mu.Lock()
	if m.checking[name] {
		m.mu.Unlock()
		return
	}
	m.checking[name] = true
	m.mu.Unlock()

	run := func(done func(), closeSignal <-chan struct{}) {
		defer done()
		defer func() {
			m.mu.Lock()
			delete(m.checking, name)
			m.mu.Unlock()
		}()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-closeSignal:
				cancel()
			case <-ctx.Done():
			}
		}()
		if _, err := m.CheckUpdate(ctx, name); err != nil {
			m.opts.Logger.Debug("background freshness check failed",
				zap.String("dataset", name), zap.Error(err))
		}
	}
	if m.sc != nil {
		m.sc.Attach(run)
	} else {
		go run(func() {}, nil)
	}
}

func (m *Manager) touchChecked(name string) {
	m.mu.Lock()
	if ds, ok := m.registry[name]; ok {
		ds.LastChecked = time.Now()
	}
	m.mu.Unlock()
	if err := m.persistRegistry(); err != nil {
		m.opts.Logger.Warn("failed to persist registry", zap.Error(err))
	}
}

// onStoreEvent reacts to dataset blobs changing on disk outside the manager,
// typically an external cleanup removing a file.
func (m *Manager) onStoreEvent(ev store.WatchEvent) {
	if ev.Op != store.WatchRemoved {
		return
	}
	m.mu.Lock()
	var hit *Dataset
	for _, ds := range m.registry {
		if storeKey(ds) == ev.Key {
			ds.AvailableOffline = false
			hit = ds.clone()
			break
		}
	}
	m.mu.Unlock()
	if hit == nil {
		return
	}
	m.opts.Logger.Info("dataset blob removed externally", zap.String("dataset", hit.Name))
	if err := m.persistRegistry(); err != nil {
		m.opts.Logger.Warn("failed to persist registry", zap.Error(err))
	}
}

// ClearDataset removes a dataset's cached data and everything that depends on
// it, keeping the registration so the dataset can be reloaded.
func (m *Manager) ClearDataset(name string) error {
	ds, ok := m.dataset(name)
	if !ok {
		return errs.Newf(errs.KindNotFound, "dataset.clear", "dataset %q is not registered", name)
	}

	if err := m.opts.Cache.Delete(cacheKey(name)); err != nil {
		return err
	}
	if _, err := m.opts.Cache.InvalidateByDependency(name); err != nil {
		return err
	}
	if _, err := m.opts.Store.Delete(store.NamespaceDatasets, storeKey(ds)); err != nil {
		return err
	}

	m.mu.Lock()
	if cur, ok := m.registry[name]; ok {
		cur.AvailableOffline = false
		cur.ETag = ""
		cur.LastModified = ""
		cur.SizeBytes = 0
	}
	m.mu.Unlock()

	if err := m.persistRegistry(); err != nil {
		return err
	}
	m.bus.Publish(Event{Type: EventDataCleared, Dataset: name})
	return nil
}

// ClearAll clears every registered dataset. Registrations survive.
func (m *Manager) ClearAll() error {
	for _, ds := range m.Datasets() {
		if err := m.ClearDataset(ds.Name); err != nil {
			return err
		}
	}
	return nil
}

// Status projects the current offline readiness of the system.
type Status struct {
	Online   bool
	Datasets []DatasetStatus
	Storage  store.Usage
	Cache    cache.Stats
	Pending  int
}

func (m *Manager) Status() Status {
	st := Status{
		Online:  m.opts.Queue.Online(),
		Cache:   m.opts.Cache.Stats(),
		Pending: len(m.opts.Queue.Pending()),
	}
	if u, err := m.opts.Store.Usage(); err == nil {
		st.Storage = u
	}

	now := time.Now()
	for _, ds := range m.Datasets() {
		st.Datasets = append(st.Datasets, DatasetStatus{
			Name:             ds.Name,
			AvailableOffline: ds.AvailableOffline,
			Stale:            ds.LastUpdated.IsZero() || now.Sub(ds.LastUpdated) > m.opts.DatasetTTL,
			SizeBytes:        ds.SizeBytes,
			LastUpdated:      ds.LastUpdated,
			LastChecked:      ds.LastChecked,
		})
	}
	return st
}

// loadRegistry restores the registry blob from the cache at startup.
func (m *Manager) loadRegistry() {
	b, ok, err := m.opts.Cache.Get(registryKey)
	if err != nil {
		m.opts.Logger.Warn("failed to read dataset registry", zap.Error(err))
		return
	}
	if !ok {
		return
	}
	var reg map[string]*Dataset
	if err := json.Unmarshal(b, &reg); err != nil {
		m.opts.Logger.Error("corrupt dataset registry, starting empty", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.registry = reg
	m.mu.Unlock()

	// Blobs may have been removed while the process was down.
	m.mu.Lock()
	for _, ds := range reg {
		if ds.AvailableOffline && !m.opts.Store.Exists(store.NamespaceDatasets, storeKey(ds)) {
			ds.AvailableOffline = false
		}
	}
	m.mu.Unlock()
}

// persistRegistry writes the registry through to the cache's persistent tier.
func (m *Manager) persistRegistry() error {
	m.mu.Lock()
	b, err := json.Marshal(m.registry)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("marshal registry: %w", err)
	}
	return m.opts.Cache.Set(registryKey, b, cache.SetOpts{Persistent: true})
}

func cacheKey(name string) string { return cacheKeyPrefix + name }

func storeKey(ds *Dataset) string { return ds.Name + "." + ds.Format.ext() }
