package coremain

import (
	"time"

	"github.com/offstack/datastash/mlog"
)

type Config struct {
	Log      mlog.LogConfig  `yaml:"log"`
	Include  []string        `yaml:"include"`
	Storage  StorageConfig   `yaml:"storage"`
	Cache    CacheConfig     `yaml:"cache"`
	Redis    RedisConfig     `yaml:"redis"`
	Queue    QueueConfig     `yaml:"queue"`
	Network  NetworkConfig   `yaml:"network"`
	Datasets []DatasetConfig `yaml:"datasets"`
	API      APIConfig       `yaml:"api"`
}

type StorageConfig struct {
	// Dir is the storage root. Default "./data".
	Dir string `yaml:"dir"`

	// ChunkSize is the write chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`
}

type CacheConfig struct {
	// MemoryBudget bounds the memory tier in bytes.
	MemoryBudget int64 `yaml:"memory_budget"`

	// CompressMin is the minimum payload size considered for compression.
	CompressMin int `yaml:"compress_min"`

	// CleanerInterval is the expiry sweep period.
	CleanerInterval time.Duration `yaml:"cleaner_interval"`

	// TempMaxAge is the retention of the temp namespace.
	TempMaxAge time.Duration `yaml:"temp_max_age"`

	// DatasetTTL is the cache lifetime of downloaded datasets.
	DatasetTTL time.Duration `yaml:"dataset_ttl"`
}

type RedisConfig struct {
	// URL enables the shared redis tier, e.g. "redis://localhost:6379/0".
	URL string `yaml:"url"`
}

type QueueConfig struct {
	MaxAttempts      int           `yaml:"max_attempts"`
	DrainConcurrency int64         `yaml:"drain_concurrency"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`
	CheckTimeout     time.Duration `yaml:"check_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`

	// RateLimit bounds download bandwidth in bytes per second. 0 disables.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

type NetworkConfig struct {
	// ProbeURL is checked periodically to detect connectivity. Empty
	// disables probing and the system stays in its assumed state.
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	AssumeOnline  bool          `yaml:"assume_online"`
}

type DatasetConfig struct {
	Name           string        `yaml:"name"`
	URL            string        `yaml:"url"`
	Format         string        `yaml:"format"`
	AutoUpdate     bool          `yaml:"auto_update"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

type APIConfig struct {
	// HTTP is the listen address of the api/metrics server. Empty disables.
	HTTP string `yaml:"http"`
}
