// Package netwatch tracks whether the remote dataset source is reachable and
// notifies subscribers on online/offline transitions.
package netwatch

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/offstack/datastash/pkg/events"
	"github.com/offstack/datastash/pkg/safe_close"
	"github.com/offstack/datastash/pkg/utils"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

type Opts struct {
	// ProbeURL is probed with HEAD requests. Empty disables probing; the
	// watcher then only changes state through SetOnline.
	ProbeURL string

	// ProbeInterval is the probe period. Default 30s.
	ProbeInterval time.Duration

	// AssumeOnline is the initial state before the first probe.
	AssumeOnline bool

	// Client is optional; a 5s-timeout client is used by default.
	Client *http.Client

	Logger *zap.Logger
}

type Watcher struct {
	opts   Opts
	online atomic.Bool
	bus    *events.Bus[bool]
}

func New(opts Opts) *Watcher {
	utils.SetDefaultNum(&opts.ProbeInterval, defaultProbeInterval)
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultProbeTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	w := &Watcher{
		opts: opts,
		bus:  events.NewBus[bool](opts.Logger),
	}
	w.online.Store(opts.AssumeOnline)
	return w
}

// Start launches the probe loop attached to sc. It probes once immediately
// so the initial assumption gets corrected early.
func (w *Watcher) Start(sc *safe_close.SafeClose) {
	if len(w.opts.ProbeURL) == 0 {
		return
	}
	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()

		w.probe()
		ticker := time.NewTicker(w.opts.ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-closeSignal:
				return
			case <-ticker.C:
				w.probe()
			}
		}
	})
}

func (w *Watcher) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.opts.ProbeURL, nil)
	if err != nil {
		w.opts.Logger.Error("invalid probe url", zap.Error(err))
		return
	}
	resp, err := w.opts.Client.Do(req)
	if err != nil {
		w.SetOnline(false)
		return
	}
	resp.Body.Close()
	w.SetOnline(true)
}

// Online reports the current state.
func (w *Watcher) Online() bool {
	return w.online.Load()
}

// SetOnline forces the state and notifies subscribers on a transition.
func (w *Watcher) SetOnline(online bool) {
	if w.online.Swap(online) != online {
		w.opts.Logger.Info("network state changed", zap.Bool("online", online))
		w.bus.Publish(online)
	}
}

// Subscribe registers fn for transitions and returns its unsubscribe func.
func (w *Watcher) Subscribe(fn func(online bool)) (unsub func()) {
	return w.bus.Subscribe(fn)
}
