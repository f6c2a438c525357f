// Package cache implements the tiered cache: a byte-budgeted in-memory LRU
// tier in front of an optional shared redis tier and the persistent store.
// Values carry a TTL, tags and dependencies; lookups fall through the tiers
// in order and promote hits back into memory.
package cache

import (
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/offstack/datastash/pkg/errs"
	"github.com/offstack/datastash/pkg/lru"
	"github.com/offstack/datastash/pkg/store"
	"github.com/offstack/datastash/pkg/utils"
)

const (
	defaultMemoryBudget    = 50 << 20
	defaultCompressMin     = 4 << 10
	defaultCleanerInterval = 5 * time.Minute
	defaultTempMaxAge      = 24 * time.Hour
)

type Opts struct {
	// Store is the persistent tier. Required.
	Store *store.Store

	// Redis is an optional shared tier between memory and disk.
	Redis *RedisTier

	// MemoryBudget bounds the total payload bytes of the memory tier.
	// Default 50MiB.
	MemoryBudget int64

	// MemoryEntryLimit is the largest payload kept in memory. Bigger values
	// go straight to the persistent tier. Default MemoryBudget/8.
	MemoryEntryLimit int64

	// CompressMin is the minimum payload size considered for snappy
	// compression on the persistent tiers. Default 4KiB, negative disables.
	CompressMin int

	// CleanerInterval is the period of the background expiry sweep.
	// Default 5m, negative disables the sweep.
	CleanerInterval time.Duration

	// TempMaxAge is the age past which temp namespace files are purged by
	// the sweep. Default 24h.
	TempMaxAge time.Duration

	Logger *zap.Logger

	// Metrics registers hit/miss/eviction counters when set.
	Metrics prometheus.Registerer
}

type SetOpts struct {
	// TTL of 0 means the entry never expires.
	TTL time.Duration

	Tags         []string
	Dependencies []string

	// Persistent routes the entry to the persistent tiers so it survives a
	// process restart.
	Persistent bool

	// MemoryOnly pins the entry to the memory tier regardless of size.
	MemoryOnly bool
}

type Stats struct {
	MemoryEntries   int
	MemoryBytes     int64
	PersistentCount int
	PersistentBytes int64
	Hits            uint64
	Misses          uint64
	Evictions       uint64
	ExpiredRemovals uint64
}

type Cache struct {
	opts Opts

	mu       sync.Mutex
	mem      *lru.LRU[string, *Entry]
	memBytes int64

	hits, misses, evictions, expired atomic.Uint64

	closed           uint32
	closeCleanerChan chan struct{}

	metricHits      *prometheus.CounterVec
	metricMisses    prometheus.Counter
	metricEvictions prometheus.Counter
}

func New(opts Opts) (*Cache, error) {
	if opts.Store == nil {
		return nil, errs.Newf(errs.KindOther, "cache.new", "nil store")
	}
	utils.SetDefaultNum(&opts.MemoryBudget, defaultMemoryBudget)
	utils.SetDefaultNum(&opts.MemoryEntryLimit, opts.MemoryBudget/8)
	utils.SetDefaultNum(&opts.CompressMin, defaultCompressMin)
	utils.SetDefaultNum(&opts.CleanerInterval, defaultCleanerInterval)
	utils.SetDefaultNum(&opts.TempMaxAge, defaultTempMaxAge)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Cache{
		opts:             opts,
		mem:              lru.New[string, *Entry](0, nil),
		closeCleanerChan: make(chan struct{}),
	}
	c.initMetrics(opts.Metrics)

	if opts.CleanerInterval > 0 {
		go c.startCleaner(opts.CleanerInterval)
	}
	return c, nil
}

func (c *Cache) initMetrics(reg prometheus.Registerer) {
	c.metricHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_hits_total",
		Help: "Cache hits by serving tier.",
	}, []string{"tier"})
	c.metricMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_misses_total",
		Help: "Cache lookups that missed every tier.",
	})
	c.metricEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cache_evictions_total",
		Help: "Memory tier LRU evictions.",
	})
	if reg != nil {
		reg.MustRegister(c.metricHits, c.metricMisses, c.metricEvictions,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "cache_memory_bytes",
				Help: "Total payload bytes held by the memory tier.",
			}, func() float64 {
				c.mu.Lock()
				defer c.mu.Unlock()
				return float64(c.memBytes)
			}))
	}
}

func (c *Cache) isClosed() bool {
	return atomic.LoadUint32(&c.closed) != 0
}

// Close stops the cleaner and the redis tier. The persistent store is not
// owned by the cache and stays open.
func (c *Cache) Close() error {
	if atomic.CompareAndSwapUint32(&c.closed, 0, 1) {
		close(c.closeCleanerChan)
		if c.opts.Redis != nil {
			return c.opts.Redis.Close()
		}
	}
	return nil
}

// Set stores b under key. The payload is copied. Small non-persistent
// entries live in the memory tier; persistent or oversized entries go to the
// persistent tiers and are promoted back to memory on later hits.
func (c *Cache) Set(key string, b []byte, opts SetOpts) error {
	if c.isClosed() || len(key) == 0 {
		return nil
	}

	buf := make([]byte, len(b))
	copy(buf, b)

	e := &Entry{
		Key:          key,
		Payload:      buf,
		CreatedAt:    time.Now(),
		LastAccessed: time.Now(),
		TTL:          opts.TTL,
		Tags:         opts.Tags,
		Dependencies: opts.Dependencies,
		Size:         len(buf),
	}

	if opts.MemoryOnly || (!opts.Persistent && int64(len(buf)) <= c.opts.MemoryEntryLimit) {
		e.Location = LocationMemory
		c.addToMemory(e)
		return nil
	}

	return c.persist(e)
}

func (c *Cache) persist(e *Entry) error {
	payload, compressed := maybeCompress(e.Payload, c.opts.CompressMin)
	e.Compressed = compressed
	e.Location = LocationPersistent

	hk := hashKey(e.Key)
	if err := c.opts.Store.Store(store.NamespaceCache, hk, payload, e.toMeta(), nil); err != nil {
		return err
	}
	if c.opts.Redis != nil {
		c.opts.Redis.store(hk, payload, e.CreatedAt, e.TTL, compressed)
	}
	return nil
}

// addToMemory inserts e and evicts least-recently-accessed entries until the
// tier is back under budget. Tracked bytes stay consistent with stored bytes
// because every mutation happens under c.mu.
func (c *Cache) addToMemory(e *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.mem.Peek(e.Key); ok {
		c.memBytes -= int64(old.Size)
	}
	c.mem.Add(e.Key, e)
	c.memBytes += int64(e.Size)

	for c.memBytes > c.opts.MemoryBudget {
		_, old, ok := c.mem.PopOldest()
		if !ok {
			break
		}
		c.memBytes -= int64(old.Size)
		c.evictions.Add(1)
		c.metricEvictions.Inc()
	}
}

func (c *Cache) removeFromMemory(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.mem.Peek(key); ok {
		c.memBytes -= int64(old.Size)
		c.mem.Del(key)
	}
}

// Get returns the payload for key, or ok == false on a miss. An entry past
// its TTL is deleted from every tier and reported as a miss.
func (c *Cache) Get(key string) (b []byte, ok bool, err error) {
	if c.isClosed() {
		return nil, false, nil
	}
	now := time.Now()

	// Memory tier.
	c.mu.Lock()
	if e, found := c.mem.Get(key); found {
		if e.valid(now) {
			e.LastAccessed = now
			e.AccessCount++
			c.mu.Unlock()
			c.hit(LocationMemory)
			return e.Payload, true, nil
		}
		c.memBytes -= int64(e.Size)
		c.mem.Del(key)
		c.expired.Add(1)
		c.mu.Unlock()
		c.dropPersistent(key)
		c.miss()
		return nil, false, nil
	}
	c.mu.Unlock()

	hk := hashKey(key)

	// Redis tier.
	if c.opts.Redis != nil {
		if payload, createdAt, ttl, compressed, found := c.opts.Redis.get(hk); found {
			e := &Entry{
				Key:          key,
				CreatedAt:    createdAt,
				LastAccessed: now,
				AccessCount:  1,
				TTL:          ttl,
				Size:         len(payload),
				Location:     LocationRedis,
			}
			if !e.valid(now) {
				c.opts.Redis.del(hk)
			} else if raw, derr := c.inflate(payload, compressed); derr == nil {
				e.Payload = raw
				e.Size = len(raw)
				c.promote(e)
				c.hit(LocationRedis)
				return raw, true, nil
			} else {
				c.opts.Logger.Warn("corrupt redis payload dropped",
					zap.String("key", key), zap.Error(derr))
				c.opts.Redis.del(hk)
			}
		}
	}

	// Persistent tier.
	payload, meta, err := c.opts.Store.Get(store.NamespaceCache, hk)
	if err != nil {
		return nil, false, err
	}
	if payload == nil {
		c.miss()
		return nil, false, nil
	}
	e, found := entryFromMeta(meta)
	if !found || e.Key != key {
		c.miss()
		return nil, false, nil
	}
	if !e.valid(now) {
		c.expired.Add(1)
		c.dropPersistent(key)
		c.miss()
		return nil, false, nil
	}
	raw, derr := c.inflate(payload, e.Compressed)
	if derr != nil {
		// Corrupt data counts as a miss and the entry is removed.
		c.opts.Logger.Warn("corrupt cache blob dropped",
			zap.String("key", key), zap.Error(derr))
		c.dropPersistent(key)
		c.miss()
		return nil, false, nil
	}

	e.Payload = raw
	e.Size = len(raw)
	e.LastAccessed = now
	e.AccessCount = 1
	c.promote(e)
	c.hit(LocationPersistent)
	return raw, true, nil
}

func (c *Cache) inflate(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		return payload, nil
	}
	return decompress(payload)
}

// promote copies a lower-tier hit into the memory tier when it fits.
func (c *Cache) promote(e *Entry) {
	if int64(e.Size) > c.opts.MemoryEntryLimit {
		return
	}
	mem := *e
	mem.Location = LocationMemory
	c.addToMemory(&mem)
}

func (c *Cache) dropPersistent(key string) {
	hk := hashKey(key)
	if _, err := c.opts.Store.Delete(store.NamespaceCache, hk); err != nil {
		c.opts.Logger.Warn("failed to delete cache blob", zap.String("key", key), zap.Error(err))
	}
	if c.opts.Redis != nil {
		c.opts.Redis.del(hk)
	}
}

// Delete removes key from every tier.
func (c *Cache) Delete(key string) error {
	if c.isClosed() {
		return nil
	}
	c.removeFromMemory(key)
	c.dropPersistent(key)
	return nil
}

// ClearFilter selects entries for Clear. Filters are OR'd: an entry matching
// any set filter is removed. A zero filter matches everything.
type ClearFilter struct {
	// Pattern is a path.Match pattern applied to the logical key.
	Pattern string

	// Tags matches entries carrying at least one of the given tags.
	Tags []string

	// Namespace matches keys of the form "<Namespace>:...".
	Namespace string
}

func (f *ClearFilter) empty() bool {
	return f == nil || (len(f.Pattern) == 0 && len(f.Tags) == 0 && len(f.Namespace) == 0)
}

func (f *ClearFilter) match(e *Entry) bool {
	if f.empty() {
		return true
	}
	if len(f.Pattern) > 0 {
		if ok, err := path.Match(f.Pattern, e.Key); err == nil && ok {
			return true
		}
	}
	for _, t := range f.Tags {
		if e.hasTag(t) {
			return true
		}
	}
	if len(f.Namespace) > 0 && strings.HasPrefix(e.Key, f.Namespace+":") {
		return true
	}
	return false
}

// Clear removes every entry matching the filter and returns the number of
// distinct logical keys removed.
func (c *Cache) Clear(f *ClearFilter) (int, error) {
	return c.removeMatching(func(e *Entry) bool { return f.match(e) })
}

// InvalidateByDependency removes every entry whose dependency set contains
// name, across all tiers.
func (c *Cache) InvalidateByDependency(name string) (int, error) {
	return c.removeMatching(func(e *Entry) bool { return e.dependsOn(name) })
}

func (c *Cache) removeMatching(match func(*Entry) bool) (int, error) {
	if c.isClosed() {
		return 0, nil
	}
	removed := make(map[string]struct{})

	c.mu.Lock()
	c.mem.Clean(func(key string, e *Entry) bool {
		if match(e) {
			c.memBytes -= int64(e.Size)
			removed[key] = struct{}{}
			return true
		}
		return false
	})
	c.mu.Unlock()

	infos, err := c.opts.Store.List(store.NamespaceCache)
	if err != nil {
		return len(removed), err
	}
	for _, fi := range infos {
		meta, err := c.opts.Store.GetMeta(store.NamespaceCache, fi.Name)
		if err != nil || meta == nil {
			continue
		}
		e, ok := entryFromMeta(meta)
		if !ok || !match(e) {
			continue
		}
		c.dropPersistent(e.Key)
		removed[e.Key] = struct{}{}
	}

	// Memory-only matches may still have redis leftovers from an earlier
	// persistent life; drop them by key.
	if c.opts.Redis != nil {
		keys := make([]string, 0, len(removed))
		for k := range removed {
			keys = append(keys, hashKey(k))
		}
		c.opts.Redis.del(keys...)
	}
	return len(removed), nil
}

// PersistentKeys returns the logical keys currently present in the
// persistent tier.
func (c *Cache) PersistentKeys() ([]string, error) {
	infos, err := c.opts.Store.List(store.NamespaceCache)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(infos))
	for _, fi := range infos {
		meta, err := c.opts.Store.GetMeta(store.NamespaceCache, fi.Name)
		if err != nil || meta == nil {
			continue
		}
		if e, ok := entryFromMeta(meta); ok {
			keys = append(keys, e.Key)
		}
	}
	return keys, nil
}

func (c *Cache) hit(loc Location) {
	c.hits.Add(1)
	c.metricHits.WithLabelValues(loc.String()).Inc()
}

func (c *Cache) miss() {
	c.misses.Add(1)
	c.metricMisses.Inc()
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	st := Stats{
		MemoryEntries: c.mem.Len(),
		MemoryBytes:   c.memBytes,
	}
	c.mu.Unlock()

	st.Hits = c.hits.Load()
	st.Misses = c.misses.Load()
	st.Evictions = c.evictions.Load()
	st.ExpiredRemovals = c.expired.Load()

	if infos, err := c.opts.Store.List(store.NamespaceCache); err == nil {
		for _, fi := range infos {
			st.PersistentCount++
			st.PersistentBytes += fi.Size
		}
	}
	return st
}

// startCleaner runs the periodic expiry sweep. The sweep is idempotent: when
// nothing is expired it touches nothing.
func (c *Cache) startCleaner(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closeCleanerChan:
			return
		case <-ticker.C:
			c.RemoveExpired()
			if _, err := c.opts.Store.Cleanup(store.NamespaceTemp, c.opts.TempMaxAge); err != nil {
				c.opts.Logger.Warn("temp cleanup failed", zap.Error(err))
			}
		}
	}
}

// RemoveExpired deletes every TTL-expired entry from the memory and
// persistent tiers and returns how many were removed.
func (c *Cache) RemoveExpired() int {
	now := time.Now()
	removed := 0

	c.mu.Lock()
	removed += c.mem.Clean(func(_ string, e *Entry) bool {
		if e.valid(now) {
			return false
		}
		c.memBytes -= int64(e.Size)
		return true
	})
	c.mu.Unlock()

	infos, err := c.opts.Store.List(store.NamespaceCache)
	if err != nil {
		c.opts.Logger.Warn("expiry sweep list failed", zap.Error(err))
		return removed
	}
	for _, fi := range infos {
		meta, err := c.opts.Store.GetMeta(store.NamespaceCache, fi.Name)
		if err != nil || meta == nil {
			continue
		}
		e, ok := entryFromMeta(meta)
		if !ok || e.valid(now) {
			continue
		}
		c.dropPersistent(e.Key)
		removed++
	}
	if removed > 0 {
		c.expired.Add(uint64(removed))
	}
	return removed
}
