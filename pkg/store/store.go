// Package store implements durable byte storage addressed by key within
// namespaced directories. Every blob has a JSON ".meta" sidecar describing
// size, store time, tags and caller-supplied fields.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/offstack/datastash/pkg/errs"
	"github.com/offstack/datastash/pkg/utils"
)

type Namespace string

const (
	NamespaceDatasets Namespace = "datasets"
	NamespaceCache    Namespace = "cache"
	NamespaceTemp     Namespace = "temp"
)

var allNamespaces = []Namespace{NamespaceDatasets, NamespaceCache, NamespaceTemp}

const (
	metaSuffix       = ".meta"
	defaultChunkSize = 1 << 20
)

// Meta is the sidecar written next to every blob.
type Meta struct {
	Size     int64             `json:"size"`
	StoredAt time.Time         `json:"stored_at"`
	Tags     []string          `json:"tags,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// ProgressFunc receives chunk completion updates during Store.
type ProgressFunc func(written, total int64)

type Info struct {
	Name         string
	Size         int64
	LastModified time.Time
}

type Usage struct {
	PerNamespace map[Namespace]int64
	Total        int64
}

type Opts struct {
	// Dir is the root directory. Namespace subdirectories are created on New.
	Dir string

	// ChunkSize splits writes larger than itself into sequential chunks,
	// each completion reported through the ProgressFunc. Default 1MiB.
	ChunkSize int

	// Logger is optional.
	Logger *zap.Logger
}

type Store struct {
	dir       string
	chunkSize int
	logger    *zap.Logger
}

func New(opts Opts) (*Store, error) {
	if len(opts.Dir) == 0 {
		return nil, errors.New("empty storage dir")
	}
	utils.SetDefaultNum(&opts.ChunkSize, defaultChunkSize)
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	for _, ns := range allNamespaces {
		if err := os.MkdirAll(filepath.Join(opts.Dir, string(ns)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create namespace dir %s: %w", ns, err)
		}
	}

	return &Store{
		dir:       opts.Dir,
		chunkSize: opts.ChunkSize,
		logger:    opts.Logger,
	}, nil
}

// Dir returns the store root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the absolute path a key is stored at, or an error if the key
// escapes its namespace.
func (s *Store) Path(ns Namespace, key string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if len(key) == 0 || filepath.IsAbs(cleaned) || cleaned == ".." ||
		strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid key %q", key)
	}
	return filepath.Join(s.dir, string(ns), cleaned), nil
}

// Store writes b under ns/key, creating parent directories as needed and
// overwriting any previous blob. Writes above the chunk size are split into
// sequential chunks; onProgress (optional) is called after each chunk. The
// sidecar is written after the data so a crash leaves no meta without blob.
func (s *Store) Store(ns Namespace, key string, b []byte, meta *Meta, onProgress ProgressFunc) error {
	p, err := s.Path(ns, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return classify("store.store", err)
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return classify("store.store", err)
	}

	total := int64(len(b))
	var written int64
	for written < total {
		end := written + int64(s.chunkSize)
		if end > total {
			end = total
		}
		n, werr := f.Write(b[written:end])
		written += int64(n)
		if werr != nil {
			f.Close()
			os.Remove(p)
			return classify("store.store", werr)
		}
		if onProgress != nil {
			onProgress(written, total)
		}
	}
	if err := f.Close(); err != nil {
		return classify("store.store", err)
	}
	if total == 0 && onProgress != nil {
		onProgress(0, 0)
	}

	m := Meta{}
	if meta != nil {
		m = *meta
	}
	m.Size = total
	if m.StoredAt.IsZero() {
		m.StoredAt = time.Now()
	}
	raw, err := json.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to encode meta: %w", err)
	}
	if err := os.WriteFile(p+metaSuffix, raw, 0o644); err != nil {
		return classify("store.store", err)
	}
	return nil
}

// Get returns the blob and its sidecar. A missing key returns (nil, nil, nil):
// absence is not an error. A blob whose sidecar is missing gets a synthetic
// Meta from file attributes.
func (s *Store) Get(ns Namespace, key string) ([]byte, *Meta, error) {
	p, err := s.Path(ns, key)
	if err != nil {
		return nil, nil, err
	}

	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, classify("store.get", err)
	}

	meta := &Meta{}
	raw, err := os.ReadFile(p + metaSuffix)
	switch {
	case err == nil:
		if jerr := json.Unmarshal(raw, meta); jerr != nil {
			s.logger.Warn("corrupt meta sidecar",
				zap.String("namespace", string(ns)),
				zap.String("key", key),
				zap.Error(jerr))
			meta = s.syntheticMeta(p, int64(len(b)))
		}
	case errors.Is(err, fs.ErrNotExist):
		meta = s.syntheticMeta(p, int64(len(b)))
	default:
		return nil, nil, classify("store.get", err)
	}
	return b, meta, nil
}

func (s *Store) syntheticMeta(p string, size int64) *Meta {
	m := &Meta{Size: size, StoredAt: time.Now()}
	if fi, err := os.Stat(p); err == nil {
		m.StoredAt = fi.ModTime()
	}
	return m
}

// GetMeta reads only the sidecar of a key. A missing blob returns (nil, nil).
// A blob without a sidecar gets a synthetic Meta from file attributes.
func (s *Store) GetMeta(ns Namespace, key string) (*Meta, error) {
	p, err := s.Path(ns, key)
	if err != nil {
		return nil, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, classify("store.meta", err)
	}

	raw, err := os.ReadFile(p + metaSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s.syntheticMeta(p, fi.Size()), nil
		}
		return nil, classify("store.meta", err)
	}
	meta := &Meta{}
	if jerr := json.Unmarshal(raw, meta); jerr != nil {
		return s.syntheticMeta(p, fi.Size()), nil
	}
	return meta, nil
}

// Delete removes a blob and its sidecar. It reports whether the blob existed.
func (s *Store) Delete(ns Namespace, key string) (bool, error) {
	p, err := s.Path(ns, key)
	if err != nil {
		return false, err
	}

	err = os.Remove(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, classify("store.delete", err)
	}
	if err := os.Remove(p + metaSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("failed to remove meta sidecar", zap.String("key", key), zap.Error(err))
	}
	return true, nil
}

// List returns every blob in ns (sidecars excluded), sorted by name.
// Keys in subdirectories are reported with forward slashes.
func (s *Store) List(ns Namespace) ([]Info, error) {
	root := filepath.Join(s.dir, string(ns))
	var out []Info
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), metaSuffix) {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		out = append(out, Info{
			Name:         filepath.ToSlash(rel),
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, classify("store.list", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Usage sums blob sizes per namespace. Sidecars are not counted.
func (s *Store) Usage() (Usage, error) {
	u := Usage{PerNamespace: make(map[Namespace]int64, len(allNamespaces))}
	for _, ns := range allNamespaces {
		infos, err := s.List(ns)
		if err != nil {
			return Usage{}, err
		}
		var sum int64
		for _, fi := range infos {
			sum += fi.Size
		}
		u.PerNamespace[ns] = sum
		u.Total += sum
	}
	return u, nil
}

// Cleanup deletes every blob in ns whose last modification is older than
// maxAge and returns the number of blobs deleted.
func (s *Store) Cleanup(ns Namespace, maxAge time.Duration) (int, error) {
	infos, err := s.List(ns)
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(-maxAge)
	deleted := 0
	for _, fi := range infos {
		if fi.LastModified.After(deadline) {
			continue
		}
		ok, err := s.Delete(ns, fi.Name)
		if err != nil {
			s.logger.Warn("cleanup delete failed",
				zap.String("namespace", string(ns)),
				zap.String("key", fi.Name),
				zap.Error(err))
			continue
		}
		if ok {
			deleted++
		}
	}
	return deleted, nil
}

// classify tags filesystem errors with the error taxonomy. Absence never
// reaches this point: callers translate it to nil/false beforehand.
func classify(op string, err error) error {
	switch kind := errs.KindOf(err); kind {
	case errs.KindPermission, errs.KindQuota, errs.KindNotFound:
		return errs.New(kind, op, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
