// Package events provides a small synchronous observer bus with an explicit
// unsubscribe contract and per-listener panic isolation.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Bus fans out events of type T to subscribed listeners. Listeners run
// synchronously in subscription order. A panicking listener is recovered and
// logged; the remaining listeners still run.
type Bus[T any] struct {
	mu     sync.RWMutex
	next   uint64
	subs   map[uint64]func(T)
	logger *zap.Logger
}

func NewBus[T any](logger *zap.Logger) *Bus[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[T]{
		subs:   make(map[uint64]func(T)),
		logger: logger,
	}
}

// Subscribe registers fn and returns its unsubscribe func. Unsubscribing
// twice is a no-op.
func (b *Bus[T]) Subscribe(fn func(T)) (unsub func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish delivers ev to every listener.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	// Deliver in subscription order.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		b.safeCall(fn, ev)
	}
}

func (b *Bus[T]) safeCall(fn func(T), ev T) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("event listener panicked", zap.Any("panic", p))
		}
	}()
	fn(ev)
}

// Len returns the number of active listeners.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
