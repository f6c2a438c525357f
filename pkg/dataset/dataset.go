package dataset

import (
	"time"
)

type Format string

const (
	FormatCSV     Format = "csv"
	FormatJSON    Format = "json"
	FormatParquet Format = "parquet"
	FormatArrow   Format = "arrow"
)

func (f Format) ext() string {
	switch f {
	case FormatCSV, FormatJSON, FormatParquet, FormatArrow:
		return string(f)
	default:
		return "bin"
	}
}

// Dataset is a registry record. It is owned exclusively by the Manager and
// persisted write-through after every mutation.
type Dataset struct {
	Name   string `json:"name"`
	URL    string `json:"url"`
	Format Format `json:"format"`

	Version      string `json:"version,omitempty"`
	ETag         string `json:"etag,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`

	LastUpdated time.Time `json:"last_updated,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty"`

	AvailableOffline bool `json:"available_offline"`

	AutoUpdate     bool          `json:"auto_update"`
	UpdateInterval time.Duration `json:"update_interval"`
}

func (d *Dataset) clone() *Dataset {
	c := *d
	return &c
}

// dueForCheck reports whether a background freshness check should run.
func (d *Dataset) dueForCheck(now time.Time) bool {
	if !d.AutoUpdate || d.UpdateInterval <= 0 {
		return false
	}
	return now.Sub(d.LastChecked) > d.UpdateInterval
}

// QueryResult is the row set produced by the external query engine.
type QueryResult struct {
	Columns  []string
	Rows     [][]any
	RowCount int
}

// QueryEngine is the external engine datasets are registered with after a
// load. Implementations live outside this subsystem.
type QueryEngine interface {
	RegisterData(name string, b []byte, format Format) error
	ExecuteQuery(query string) (*QueryResult, error)
}

// nopEngine is used when no engine is wired in.
type nopEngine struct{}

func (nopEngine) RegisterData(string, []byte, Format) error { return nil }
func (nopEngine) ExecuteQuery(string) (*QueryResult, error) {
	return &QueryResult{}, nil
}

type EventType int

const (
	EventDataLoaded EventType = iota
	EventDataUpdated
	EventUpdateAvailable
	EventOnline
	EventOffline
	EventDataCleared
)

func (t EventType) String() string {
	switch t {
	case EventDataLoaded:
		return "dataLoaded"
	case EventDataUpdated:
		return "dataUpdated"
	case EventUpdateAvailable:
		return "updateAvailable"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventDataCleared:
		return "dataCleared"
	default:
		return "unknown"
	}
}

type Event struct {
	Type    EventType
	Dataset string

	FromCache bool
	Stale     bool
	Size      int64
	Err       error
}

// LoadOpts controls a single Load call.
type LoadOpts struct {
	// ForceRefresh skips the cache read and goes to the network.
	ForceRefresh bool

	// OnProgress receives download progress for this load. Only the call
	// that actually starts the download is wired to progress; callers that
	// join an in-flight load do not receive it.
	OnProgress func(received, total int64)

	// DisallowStale turns the stale-cache fallback into a hard failure.
	DisallowStale bool
}

// LoadResult is the outcome of a Load.
type LoadResult struct {
	Data      []byte
	FromCache bool
	Stale     bool
	Size      int64
}

// DatasetStatus is one dataset's row in the offline status projection.
type DatasetStatus struct {
	Name             string
	AvailableOffline bool
	Stale            bool
	SizeBytes        int64
	LastUpdated      time.Time
	LastChecked      time.Time
}

// RegisterOpts are the caller-controlled fields of a registry record.
type RegisterOpts struct {
	URL            string
	Format         Format
	AutoUpdate     bool
	UpdateInterval time.Duration
}
