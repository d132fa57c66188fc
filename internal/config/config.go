// ============================================================================
// cdc-scheduler Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML 設定檔載入、預設值與檢查
//
// 設定檔結構:
//
//   scheduler:            # 排程迴圈
//     interval: 500ms
//     worker_pool_size: 4
//     task_timeout: 30s
//     history_retention: 10
//     transactional: false
//     db_id: 1
//   workers:              # 靜態 scanner worker 清單
//     - id: 1
//       address: 127.0.0.1:9070
//   storage:
//     backend: wal        # wal | pebble
//     wal_path: data/cdc.wal
//     snapshot_path: data/cdc.snapshot
//     pebble_dir: data/pebble
//     snapshot_interval: 30s
//   rpc:
//     listen: :9080       # worker registry (scheduler) / scanner (worker)
//   admin:
//     addr: :8080
//     token: ""
//   logging:
//     level: info
//     format: console
//   jobs:                 # 啟動時建立（已存在則略過）
//     - name: orders
//       tables: [shop.orders]
//
// Durations 使用 time.ParseDuration 格式（"5s", "250ms"）。
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/cdc-scheduler/internal/worker"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

// Storage backends.
const (
	BackendWAL    = "wal"
	BackendPebble = "pebble"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete configuration of both the scheduler and the worker
// process.
type Config struct {
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Workers   []WorkerConfig  `yaml:"workers"`
	Storage   StorageConfig   `yaml:"storage"`
	RPC       RPCConfig       `yaml:"rpc"`
	Admin     AdminConfig     `yaml:"admin"`
	Logging   LoggingConfig   `yaml:"logging"`
	Jobs      []JobConfig     `yaml:"jobs"`
}

type SchedulerConfig struct {
	Interval         time.Duration `yaml:"interval"`
	WorkerPoolSize   int           `yaml:"worker_pool_size"`
	TaskTimeout      time.Duration `yaml:"task_timeout"`
	HistoryRetention int           `yaml:"history_retention"`
	Transactional    bool          `yaml:"transactional"`
	DBID             int64         `yaml:"db_id"`
}

type WorkerConfig struct {
	ID      int64  `yaml:"id"`
	Address string `yaml:"address"`
}

type StorageConfig struct {
	Backend          string        `yaml:"backend"`
	WALPath          string        `yaml:"wal_path"`
	SnapshotPath     string        `yaml:"snapshot_path"`
	PebbleDir        string        `yaml:"pebble_dir"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	SnapshotBackups  int           `yaml:"snapshot_backups"`
	SyncOnAppend     bool          `yaml:"sync_on_append"`
	WALBufferSize    int           `yaml:"wal_buffer_size"`
	WALFlushInterval time.Duration `yaml:"wal_flush_interval"`
	CompressBackups  bool          `yaml:"compress_backups"`
}

type RPCConfig struct {
	Listen        string        `yaml:"listen"`
	ConnCacheSize int           `yaml:"conn_cache_size"`
	Compression   bool          `yaml:"compression"`
	CallTimeout   time.Duration `yaml:"call_timeout"`
	Lease         time.Duration `yaml:"lease"`
}

type AdminConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"` // 空字串表示不驗證
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json | console
}

// JobConfig describes one job, both in the jobs section and in files passed
// to `cdcsched submit`.
type JobConfig struct {
	Name   string            `yaml:"name" json:"name"`
	DBID   int64             `yaml:"db_id" json:"db_id,omitempty"`
	Owner  string            `yaml:"owner" json:"owner,omitempty"`
	Tables []string          `yaml:"tables" json:"tables"`
	Config map[string]string `yaml:"config" json:"config,omitempty"`
}

// Default returns a configuration that runs a single local scheduler.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML bytes. An empty document yields the defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Scheduler
	if s.Interval <= 0 {
		s.Interval = 500 * time.Millisecond
	}
	if s.WorkerPoolSize <= 0 {
		s.WorkerPoolSize = 4
	}
	if s.TaskTimeout <= 0 {
		s.TaskTimeout = 30 * time.Second
	}
	if s.HistoryRetention == 0 {
		s.HistoryRetention = 10
	}

	st := &c.Storage
	if st.Backend == "" {
		st.Backend = BackendWAL
	}
	if st.WALPath == "" {
		st.WALPath = "data/cdc.wal"
	}
	if st.SnapshotPath == "" {
		st.SnapshotPath = "data/cdc.snapshot"
	}
	if st.PebbleDir == "" {
		st.PebbleDir = "data/pebble"
	}
	if st.SnapshotInterval <= 0 {
		st.SnapshotInterval = 30 * time.Second
	}
	if st.WALBufferSize < 0 {
		st.WALBufferSize = 0
	}

	r := &c.RPC
	if r.Listen == "" {
		r.Listen = ":9080"
	}
	if r.ConnCacheSize <= 0 {
		r.ConnCacheSize = 64
	}
	if r.CallTimeout <= 0 {
		r.CallTimeout = 30 * time.Second
	}
	if r.Lease <= 0 {
		r.Lease = 10 * time.Second
	}

	if c.Admin.Addr == "" {
		c.Admin.Addr = ":8080"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendWAL, BackendPebble:
	default:
		return fmt.Errorf("%w: storage.backend must be %q or %q, got %q",
			ErrInvalidConfig, BackendWAL, BackendPebble, c.Storage.Backend)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("%w: logging.level: %v", ErrInvalidConfig, err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("%w: logging.format must be json or console, got %q", ErrInvalidConfig, c.Logging.Format)
	}

	seen := make(map[int64]bool, len(c.Workers))
	for _, w := range c.Workers {
		if seen[w.ID] {
			return fmt.Errorf("%w: duplicate worker id %d", ErrInvalidConfig, w.ID)
		}
		seen[w.ID] = true
		if _, err := worker.ParseHandle(types.WorkerID(w.ID), w.Address); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}

	names := make(map[string]bool, len(c.Jobs))
	for _, j := range c.Jobs {
		if j.Name == "" {
			return fmt.Errorf("%w: job without a name", ErrInvalidConfig)
		}
		if names[j.Name] {
			return fmt.Errorf("%w: duplicate job name %q", ErrInvalidConfig, j.Name)
		}
		names[j.Name] = true
	}
	return nil
}

// Handles converts the static worker list. Validate has already checked the
// addresses.
func (c *Config) Handles() []worker.Handle {
	out := make([]worker.Handle, 0, len(c.Workers))
	for _, w := range c.Workers {
		h, err := worker.ParseHandle(types.WorkerID(w.ID), w.Address)
		if err != nil {
			continue
		}
		out = append(out, h)
	}
	return out
}

// LoadJobs reads a job file: either a single job document or a list.
func LoadJobs(path string) ([]JobConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file: %w", err)
	}
	var list []JobConfig
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}
	var one JobConfig
	if err := yaml.Unmarshal(data, &one); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	return []JobConfig{one}, nil
}
