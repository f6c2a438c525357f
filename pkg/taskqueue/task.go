package taskqueue

import (
	"time"

	"github.com/google/uuid"

	"github.com/offstack/datastash/pkg/store"
)

type Type int

const (
	TypeDownload Type = iota
	TypeCheckUpdate
	TypeCleanup
	TypeUpload
	TypeValidateCache
)

func (t Type) String() string {
	switch t {
	case TypeDownload:
		return "download"
	case TypeCheckUpdate:
		return "check_update"
	case TypeCleanup:
		return "cleanup"
	case TypeUpload:
		return "upload"
	case TypeValidateCache:
		return "validate_cache"
	default:
		return "unknown"
	}
}

type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

type Status int

const (
	StatusPending Status = iota
	StatusProcessing
	StatusCompleted
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusProcessing:
		return "processing"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Payload is the tagged union of per-type task parameters. Each variant
// carries only the fields its executor needs.
type Payload interface {
	Type() Type
}

type DownloadPayload struct {
	Dataset string
	URL     string

	// ETag / LastModified, when set, are sent as conditional request
	// headers. A 304 response completes the task with NotModified set.
	ETag         string
	LastModified string
}

func (DownloadPayload) Type() Type { return TypeDownload }

type CheckUpdatePayload struct {
	Dataset string
	URL     string

	// Baseline version markers to compare the remote against.
	ETag         string
	LastModified string
}

func (CheckUpdatePayload) Type() Type { return TypeCheckUpdate }

type CleanupPayload struct {
	Namespace store.Namespace
	MaxAge    time.Duration
}

func (CleanupPayload) Type() Type { return TypeCleanup }

type UploadPayload struct {
	URL         string
	Body        []byte
	ContentType string
}

func (UploadPayload) Type() Type { return TypeUpload }

type ValidateCachePayload struct{}

func (ValidateCachePayload) Type() Type { return TypeValidateCache }

// Result is the outcome of a successfully executed task. Fields are set
// depending on the task type.
type Result struct {
	// Download
	Bytes        []byte
	Size         int64
	ETag         string
	LastModified string
	NotModified  bool

	// CheckUpdate
	HasUpdate bool

	// Cleanup / ValidateCache
	Removed int
}

// Task is owned by the Queue after Add; callers must not mutate it.
type Task struct {
	ID          string
	Payload     Payload
	Priority    Priority
	Attempts    int
	MaxAttempts int

	Status        Status
	CreatedAt     time.Time
	LastAttemptAt time.Time

	seq    uint64
	result *Result
	err    error
	done   chan struct{}
}

// NewTask creates a pending task. maxAttempts <= 0 uses the queue default.
func NewTask(p Payload, prio Priority) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Payload:   p,
		Priority:  prio,
		Status:    StatusPending,
		CreatedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

// Snapshot is a copy of a task's observable state.
type Snapshot struct {
	ID            string
	Type          Type
	Priority      Priority
	Status        Status
	Attempts      int
	MaxAttempts   int
	CreatedAt     time.Time
	LastAttemptAt time.Time
	Err           string
}

func (t *Task) snapshot() Snapshot {
	s := Snapshot{
		ID:            t.ID,
		Type:          t.Payload.Type(),
		Priority:      t.Priority,
		Status:        t.Status,
		Attempts:      t.Attempts,
		MaxAttempts:   t.MaxAttempts,
		CreatedAt:     t.CreatedAt,
		LastAttemptAt: t.LastAttemptAt,
	}
	if t.err != nil {
		s.Err = t.err.Error()
	}
	return s
}

type EventKind int

const (
	EventQueued EventKind = iota
	EventStarted
	EventProgress
	EventRetry
	EventCompleted
	EventFailed
	EventCancelled
)

func (k EventKind) String() string {
	switch k {
	case EventQueued:
		return "task:queued"
	case EventStarted:
		return "task:started"
	case EventProgress:
		return "download:progress"
	case EventRetry:
		return "task:retry"
	case EventCompleted:
		return "task:completed"
	case EventFailed:
		return "task:failed"
	case EventCancelled:
		return "task:cancelled"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind     EventKind
	TaskID   string
	Type     Type
	Attempts int

	// Retry
	Delay time.Duration

	// Progress
	Received int64
	Total    int64

	// Terminal
	Result *Result
	Err    error
}
