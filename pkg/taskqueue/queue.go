// Package taskqueue executes network-bound operations off the critical path
// with bounded retries and observable lifecycle events. Tasks run strictly
// one at a time in the worker loop; the only concurrency is the bounded
// drain batch after an offline-to-online transition.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/offstack/datastash/pkg/errs"
	"github.com/offstack/datastash/pkg/events"
	"github.com/offstack/datastash/pkg/pool"
	"github.com/offstack/datastash/pkg/safe_close"
	"github.com/offstack/datastash/pkg/utils"
)

var (
	ErrCancelled = errors.New("task cancelled")
	ErrClosed    = errors.New("task queue closed")
)

// Retry delays indexed by attempts-1, clamped to the last entry.
var defaultRetrySchedule = []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}

const (
	defaultMaxAttempts      = 3
	defaultDrainConcurrency = 5
	defaultHistorySize      = 128
)

// ProgressFunc receives byte-level progress from streaming executors.
type ProgressFunc func(received, total int64)

// Executor runs one task attempt. Implementations classify failures through
// pkg/errs so the queue can tell retryable from fatal.
type Executor interface {
	Execute(ctx context.Context, t *Task, progress ProgressFunc) (*Result, error)
}

type Opts struct {
	// Executor cannot be nil.
	Executor Executor

	// MaxAttempts is the per-task attempt budget for tasks that do not set
	// their own. Default 3.
	MaxAttempts int

	// RetrySchedule holds the delay before attempt n+1, indexed by n-1 and
	// clamped to the last entry. Default [1s, 5s, 15s].
	RetrySchedule []time.Duration

	// DrainConcurrency bounds how many pending tasks run at once when the
	// network comes back. Default 5.
	DrainConcurrency int64

	// HistorySize bounds the terminal-task log. Default 128.
	HistorySize int

	// Online is the initial network state.
	Online bool

	Logger *zap.Logger

	// Metrics registers queue gauges/counters when set.
	Metrics prometheus.Registerer
}

type Queue struct {
	opts Opts

	mu      sync.Mutex
	pending []*Task
	byID    map[string]*Task
	history []*Task
	seq     uint64
	online  bool

	notify      chan struct{}
	closeSignal <-chan struct{}
	sc          *safe_close.SafeClose
	bus         *events.Bus[Event]

	metricRetries   prometheus.Counter
	metricCompleted prometheus.Counter
	metricFailed    prometheus.Counter
}

func New(opts Opts) (*Queue, error) {
	if opts.Executor == nil {
		return nil, errors.New("nil executor")
	}
	utils.SetDefaultNum(&opts.MaxAttempts, defaultMaxAttempts)
	utils.SetDefaultNum(&opts.DrainConcurrency, defaultDrainConcurrency)
	utils.SetDefaultNum(&opts.HistorySize, defaultHistorySize)
	if len(opts.RetrySchedule) == 0 {
		opts.RetrySchedule = defaultRetrySchedule
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	q := &Queue{
		opts:   opts,
		byID:   make(map[string]*Task),
		online: opts.Online,
		notify: make(chan struct{}, 1),
		bus:    events.NewBus[Event](opts.Logger),
	}
	q.initMetrics(opts.Metrics)
	return q, nil
}

func (q *Queue) initMetrics(reg prometheus.Registerer) {
	q.metricRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskqueue_retries_total",
		Help: "Task attempts that were rescheduled after a failure.",
	})
	q.metricCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskqueue_completed_total",
		Help: "Tasks that reached Completed.",
	})
	q.metricFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskqueue_failed_total",
		Help: "Tasks that reached Failed after exhausting retries.",
	})
	if reg != nil {
		reg.MustRegister(q.metricRetries, q.metricCompleted, q.metricFailed,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: "taskqueue_pending",
				Help: "Tasks waiting to be processed.",
			}, func() float64 {
				q.mu.Lock()
				defer q.mu.Unlock()
				return float64(len(q.pending))
			}))
	}
}

// Start launches the worker loop attached to sc.
func (q *Queue) Start(sc *safe_close.SafeClose) {
	q.sc = sc
	q.closeSignal = sc.ReceiveCloseSignal()
	sc.Attach(func(done func(), closeSignal <-chan struct{}) {
		defer done()
		for {
			select {
			case <-closeSignal:
				return
			case <-q.notify:
			}
			for {
				t := q.popReady()
				if t == nil {
					break
				}
				q.process(t)
			}
		}
	})
}

// Subscribe registers fn for lifecycle events and returns its unsubscribe
// func. Events for one task id arrive in order; the terminal event is last.
func (q *Queue) Subscribe(fn func(Event)) (unsub func()) {
	return q.bus.Subscribe(fn)
}

// Add enqueues t and returns its id. If the system is online the worker
// picks it up immediately.
func (q *Queue) Add(t *Task) string {
	q.mu.Lock()
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = q.opts.MaxAttempts
	}
	if t.done == nil {
		t.done = make(chan struct{})
	}
	t.Status = StatusPending
	t.seq = q.seq
	q.seq++
	q.pending = append(q.pending, t)
	q.byID[t.ID] = t
	q.mu.Unlock()

	q.bus.Publish(Event{Kind: EventQueued, TaskID: t.ID, Type: t.Payload.Type()})
	q.kick()
	return t.ID
}

// AddAndAwait enqueues t and blocks until it reaches a terminal state.
func (q *Queue) AddAndAwait(ctx context.Context, t *Task) (*Result, error) {
	q.Add(t)
	return q.Await(ctx, t)
}

// Await blocks until t is terminal and returns its result or error.
func (q *Queue) Await(ctx context.Context, t *Task) (*Result, error) {
	select {
	case <-t.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.closed():
		return nil, ErrClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return t.result, t.err
}

func (q *Queue) closed() <-chan struct{} {
	if q.closeSignal != nil {
		return q.closeSignal
	}
	return nil
}

// Task returns a snapshot of the task with the given id.
func (q *Queue) Task(id string) (Snapshot, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byID[id]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// Pending returns snapshots of all queued tasks.
func (q *Queue) Pending() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Snapshot, 0, len(q.pending))
	for _, t := range q.pending {
		out = append(out, t.snapshot())
	}
	return out
}

// History returns snapshots of terminal tasks, oldest first.
func (q *Queue) History() []Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Snapshot, 0, len(q.history))
	for _, t := range q.history {
		out = append(out, t.snapshot())
	}
	return out
}

// Cancel cancels a task that has not started yet. A Processing task runs to
// completion: the transport has no cooperative mid-stream cancellation.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	t, ok := q.byID[id]
	if !ok || t.Status != StatusPending {
		q.mu.Unlock()
		return false
	}
	q.removePendingLocked(t)
	t.Status = StatusCancelled
	t.err = ErrCancelled
	q.recordTerminalLocked(t)
	q.mu.Unlock()

	close(t.done)
	q.bus.Publish(Event{Kind: EventCancelled, TaskID: t.ID, Type: t.Payload.Type(), Err: ErrCancelled})
	return true
}

// SetOnline updates the network state. While offline nothing is dequeued.
// Coming back online drains pending tasks in a bounded concurrent batch
// instead of all at once.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	was := q.online
	q.online = online
	q.mu.Unlock()

	if online && !was {
		q.drain()
	}
}

func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// popReady removes and returns the next task to run: highest priority first,
// FIFO within a priority. Returns nil while offline or empty.
func (q *Queue) popReady() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.online || len(q.pending) == 0 {
		return nil
	}

	best := -1
	for i, t := range q.pending {
		if best < 0 {
			best = i
			continue
		}
		b := q.pending[best]
		if t.Priority > b.Priority || (t.Priority == b.Priority && t.seq < b.seq) {
			best = i
		}
	}
	t := q.pending[best]
	q.pending = append(q.pending[:best], q.pending[best+1:]...)
	t.Status = StatusProcessing
	return t
}

func (q *Queue) removePendingLocked(t *Task) {
	for i, p := range q.pending {
		if p == t {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// process runs one attempt of t, which must already be Processing.
func (q *Queue) process(t *Task) {
	q.mu.Lock()
	t.Attempts++
	t.LastAttemptAt = time.Now()
	attempts := t.Attempts
	q.mu.Unlock()

	q.bus.Publish(Event{Kind: EventStarted, TaskID: t.ID, Type: t.Payload.Type(), Attempts: attempts})

	res, err := q.opts.Executor.Execute(context.Background(), t, func(received, total int64) {
		q.bus.Publish(Event{
			Kind: EventProgress, TaskID: t.ID, Type: t.Payload.Type(),
			Received: received, Total: total,
		})
	})
	if err == nil {
		q.complete(t, res)
		return
	}

	if fatal(err) || attempts >= t.MaxAttempts {
		q.fail(t, err)
		return
	}
	q.scheduleRetry(t, attempts, err)
}

// fatal reports error kinds that must not be retried.
func fatal(err error) bool {
	switch errs.KindOf(err) {
	case errs.KindPermission, errs.KindQuota, errs.KindCorrupt, errs.KindNotFound:
		return true
	default:
		return false
	}
}

func (q *Queue) complete(t *Task, res *Result) {
	q.mu.Lock()
	t.Status = StatusCompleted
	t.result = res
	q.recordTerminalLocked(t)
	q.mu.Unlock()

	close(t.done)
	q.metricCompleted.Inc()
	q.bus.Publish(Event{Kind: EventCompleted, TaskID: t.ID, Type: t.Payload.Type(), Result: res})
}

func (q *Queue) fail(t *Task, err error) {
	q.mu.Lock()
	t.Status = StatusFailed
	t.err = err
	q.recordTerminalLocked(t)
	q.mu.Unlock()

	close(t.done)
	q.metricFailed.Inc()
	q.opts.Logger.Warn("task failed permanently",
		zap.String("id", t.ID),
		zap.Stringer("type", t.Payload.Type()),
		zap.Int("attempts", t.Attempts),
		zap.Error(err))
	q.bus.Publish(Event{Kind: EventFailed, TaskID: t.ID, Type: t.Payload.Type(), Attempts: t.Attempts, Err: err})
}

// scheduleRetry returns t to Pending after the scheduled delay.
func (q *Queue) scheduleRetry(t *Task, attempts int, err error) {
	idx := attempts - 1
	if idx >= len(q.opts.RetrySchedule) {
		idx = len(q.opts.RetrySchedule) - 1
	}
	delay := q.opts.RetrySchedule[idx]

	q.mu.Lock()
	t.Status = StatusPending
	q.mu.Unlock()

	q.metricRetries.Inc()
	q.opts.Logger.Debug("task retry scheduled",
		zap.String("id", t.ID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	q.bus.Publish(Event{Kind: EventRetry, TaskID: t.ID, Type: t.Payload.Type(), Attempts: attempts, Delay: delay, Err: err})

	requeue := func(done func(), closeSignal <-chan struct{}) {
		defer done()
		timer := pool.GetTimer(delay)
		defer pool.ReleaseTimer(timer)
		select {
		case <-closeSignal:
			return
		case <-timer.C:
		}
		q.mu.Lock()
		// The task may have been cancelled while waiting for the delay; it
		// is terminal then and must not run again.
		if t.Status != StatusPending {
			q.mu.Unlock()
			return
		}
		q.pending = append(q.pending, t)
		q.mu.Unlock()
		q.kick()
	}
	if q.sc != nil {
		q.sc.Attach(requeue)
	} else {
		go requeue(func() {}, nil)
	}
}

func (q *Queue) recordTerminalLocked(t *Task) {
	q.history = append(q.history, t)
	for len(q.history) > q.opts.HistorySize {
		old := q.history[0]
		q.history = q.history[1:]
		delete(q.byID, old.ID)
	}
}

// drain processes the pending backlog with bounded concurrency. Used only on
// the offline-to-online transition to avoid a thundering herd.
func (q *Queue) drain() {
	run := func(done func(), closeSignal <-chan struct{}) {
		defer done()
		sem := semaphore.NewWeighted(q.opts.DrainConcurrency)
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-closeSignal:
				cancel()
			case <-ctx.Done():
			}
		}()

		var wg sync.WaitGroup
		for {
			t := q.popReady()
			if t == nil {
				break
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				// Shutting down: put the task back.
				q.mu.Lock()
				t.Status = StatusPending
				q.pending = append(q.pending, t)
				q.mu.Unlock()
				break
			}
			wg.Add(1)
			go func(t *Task) {
				defer wg.Done()
				defer sem.Release(1)
				q.process(t)
			}(t)
		}
		wg.Wait()
	}
	if q.sc != nil {
		q.sc.Attach(run)
	} else {
		go run(func() {}, nil)
	}
}

// String implements fmt.Stringer for debug logging.
func (q *Queue) String() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return fmt.Sprintf("taskqueue{pending=%d, history=%d, online=%v}", len(q.pending), len(q.history), q.online)
}
