package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/offstack/datastash/pkg/safe_close"
)

type WatchOp int

const (
	// WatchRemoved fires when a blob disappears from disk outside the
	// store's own Delete path (external rm, rename away).
	WatchRemoved WatchOp = iota
	// WatchModified fires when a blob is rewritten on disk.
	WatchModified
)

type WatchEvent struct {
	Namespace Namespace
	Key       string
	Op        WatchOp
}

// Watch reports external changes to blobs in the given namespaces until the
// close signal fires. Sidecar files are ignored. Events are delivered from a
// dedicated goroutine attached to sc.
func (s *Store) Watch(sc *safe_close.SafeClose, namespaces []Namespace, fn func(WatchEvent)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		if err := w.Add(filepath.Join(s.dir, string(ns))); err != nil {
			w.Close()
			return err
		}
	}

	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		defer w.Close()
		for {
			select {
			case <-closeSignal:
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if ev, ok := s.translate(e); ok {
					fn(ev)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("store watcher error", zap.Error(err))
			}
		}
	})
	return nil
}

func (s *Store) translate(e fsnotify.Event) (WatchEvent, bool) {
	if strings.HasSuffix(e.Name, metaSuffix) {
		return WatchEvent{}, false
	}
	rel, err := filepath.Rel(s.dir, e.Name)
	if err != nil {
		return WatchEvent{}, false
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 {
		return WatchEvent{}, false
	}
	ev := WatchEvent{Namespace: Namespace(parts[0]), Key: parts[1]}

	switch {
	case e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename):
		ev.Op = WatchRemoved
		return ev, true
	case e.Has(fsnotify.Write):
		ev.Op = WatchModified
		return ev, true
	case e.Has(fsnotify.Create):
		// A create may be a directory appearing; only blobs are of interest
		// and they are reported through the following Write events.
		return WatchEvent{}, false
	}
	return WatchEvent{}, false
}

// Exists reports whether a blob is present without reading it.
func (s *Store) Exists(ns Namespace, key string) bool {
	p, err := s.Path(ns, key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}
