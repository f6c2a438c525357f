package cache

import (
	"hash/fnv"
	"strconv"
	"strings"
	"time"

	"github.com/offstack/datastash/pkg/store"
)

type Location int

const (
	LocationMemory Location = iota
	LocationPersistent
	LocationRedis
)

func (l Location) String() string {
	switch l {
	case LocationMemory:
		return "memory"
	case LocationPersistent:
		return "persistent"
	case LocationRedis:
		return "redis"
	default:
		return "unknown"
	}
}

// Entry is a single cached value plus its bookkeeping. Payload always holds
// the raw (decompressed) bytes while the entry lives in memory; Compressed
// records whether the persistent form on disk/redis is snappy-encoded.
type Entry struct {
	Key          string
	Payload      []byte
	Compressed   bool
	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int
	TTL          time.Duration // 0 means no expiry
	Tags         []string
	Dependencies []string
	Size         int
	Location     Location
}

// valid reports whether the entry is within its TTL at now.
func (e *Entry) valid(now time.Time) bool {
	if e.TTL <= 0 {
		return true
	}
	return now.Sub(e.CreatedAt) < e.TTL
}

func (e *Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (e *Entry) dependsOn(name string) bool {
	for _, d := range e.Dependencies {
		if d == name {
			return true
		}
	}
	return false
}

// hashKey maps a logical key to a stable filename-safe key.
func hashKey(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return strconv.FormatUint(h.Sum64(), 16)
}

// Sidecar fields used to rebuild an Entry from the persistent tier.
const (
	metaKey        = "key"
	metaCreatedAt  = "created_at"
	metaTTL        = "ttl"
	metaCompressed = "compressed"
	metaDeps       = "deps"
)

func (e *Entry) toMeta() *store.Meta {
	extra := map[string]string{
		metaKey:       e.Key,
		metaCreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.TTL > 0 {
		extra[metaTTL] = e.TTL.String()
	}
	if e.Compressed {
		extra[metaCompressed] = "1"
	}
	if len(e.Dependencies) > 0 {
		extra[metaDeps] = strings.Join(e.Dependencies, ",")
	}
	return &store.Meta{
		StoredAt: e.CreatedAt,
		Tags:     e.Tags,
		Extra:    extra,
	}
}

// entryFromMeta rebuilds entry bookkeeping from a sidecar. The payload is
// left to the caller. ok is false when the sidecar lacks the logical key,
// which means the blob was not written by this cache.
func entryFromMeta(m *store.Meta) (*Entry, bool) {
	if m == nil || m.Extra == nil {
		return nil, false
	}
	key, found := m.Extra[metaKey]
	if !found {
		return nil, false
	}

	e := &Entry{
		Key:       key,
		CreatedAt: m.StoredAt,
		Tags:      m.Tags,
		Size:      int(m.Size),
		Location:  LocationPersistent,
	}
	if raw, found := m.Extra[metaCreatedAt]; found {
		if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.CreatedAt = t
		}
	}
	if raw, found := m.Extra[metaTTL]; found {
		if d, err := time.ParseDuration(raw); err == nil {
			e.TTL = d
		}
	}
	e.Compressed = m.Extra[metaCompressed] == "1"
	if raw, found := m.Extra[metaDeps]; found && len(raw) > 0 {
		e.Dependencies = strings.Split(raw, ",")
	}
	return e, true
}
