// Package config provides unified configuration for the Chronicle engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for the Chronicle engine.
type Config struct {
	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Store configuration (event store facade and background writer)
	Store StoreConfig `json:"store" yaml:"store"`

	// Pool configuration (per-owner SQLite connections)
	Pool PoolConfig `json:"pool" yaml:"pool"`

	// Ledger configuration (backing store file names and integrity)
	Ledger LedgerConfig `json:"ledger" yaml:"ledger"`

	// HTTP configuration (ops API)
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Archive configuration (snapshot export to object storage)
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// StoreConfig holds event store configuration.
type StoreConfig struct {
	// AsyncMode selects the background writer path vs direct synchronous writes
	AsyncMode bool `json:"async_mode" yaml:"async_mode"`

	// MaxRetries is the number of append retries on transient lock contention
	MaxRetries int `json:"max_retries" yaml:"max_retries"`

	// RetryBaseDelay is the base delay for exponential backoff
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`

	// QueueSize is the capacity of the pending-append queue in async mode
	QueueSize int `json:"queue_size" yaml:"queue_size"`

	// AppendWaitTimeout bounds how long a waiting append blocks on the writer
	AppendWaitTimeout time.Duration `json:"append_wait_timeout" yaml:"append_wait_timeout"`

	// CloseTimeout bounds how long Close waits for the writer to drain and stop
	CloseTimeout time.Duration `json:"close_timeout" yaml:"close_timeout"`
}

// PoolConfig holds connection pool configuration.
type PoolConfig struct {
	// ConnectionTTL is the maximum age of a pooled connection before it is
	// closed and reopened
	ConnectionTTL time.Duration `json:"connection_ttl" yaml:"connection_ttl"`

	// BusyTimeout is the SQLite busy_timeout applied to every connection
	BusyTimeout time.Duration `json:"busy_timeout" yaml:"busy_timeout"`
}

// LedgerConfig holds backing store configuration.
type LedgerConfig struct {
	// FileName is the structured ledger file name under DataDir
	FileName string `json:"file_name" yaml:"file_name"`

	// LegacyFileName is the newline-delimited JSON ledger consumed once
	// for migration when no structured store exists yet
	LegacyFileName string `json:"legacy_file_name" yaml:"legacy_file_name"`

	// DeadLetterFileName is the dead-letter side file name under DataDir
	DeadLetterFileName string `json:"dead_letter_file_name" yaml:"dead_letter_file_name"`

	// VerifyChain enables prev_hash/checksum verification on stream reads
	VerifyChain bool `json:"verify_chain" yaml:"verify_chain"`
}

// HTTPConfig holds ops API server configuration.
type HTTPConfig struct {
	// Addr is the ops API listen address; empty disables the server
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// ArchiveConfig holds snapshot archival configuration.
type ArchiveConfig struct {
	// WorkDir is the directory for snapshot work files
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// CacheDir is the directory for the local snapshot fetch cache
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`

	// CacheMaxBytes bounds the snapshot fetch cache; 0 disables caching
	CacheMaxBytes int64 `json:"cache_max_bytes" yaml:"cache_max_bytes"`

	// Storage configuration for snapshot upload
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/chronicle",
		Store: StoreConfig{
			AsyncMode:         true,
			MaxRetries:        5,
			RetryBaseDelay:    50 * time.Millisecond,
			QueueSize:         1024,
			AppendWaitTimeout: 30 * time.Second,
			CloseTimeout:      15 * time.Second,
		},
		Pool: PoolConfig{
			ConnectionTTL: 5 * time.Minute,
			BusyTimeout:   5 * time.Second,
		},
		Ledger: LedgerConfig{
			FileName:           "ledger.db",
			LegacyFileName:     "ledger.jsonl",
			DeadLetterFileName: "dead_letter.jsonl",
			VerifyChain:        true,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Archive: ArchiveConfig{
			WorkDir:       "",
			CacheDir:      "",
			CacheMaxBytes: 256 << 20,
			Storage: StorageConfig{
				Type: "local",
				Path: "",
			},
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/chronicle"
	}

	if c.Archive.WorkDir == "" {
		c.Archive.WorkDir = filepath.Join(c.DataDir, "snapshots")
	}

	if c.Archive.CacheDir == "" {
		c.Archive.CacheDir = filepath.Join(c.DataDir, "cache")
	}

	if c.Archive.Storage.Path == "" {
		c.Archive.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// LedgerPath returns the path to the structured ledger database.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, c.Ledger.FileName)
}

// LegacyLedgerPath returns the path to the legacy newline-delimited ledger.
func (c *Config) LegacyLedgerPath() string {
	return filepath.Join(c.DataDir, c.Ledger.LegacyFileName)
}

// DeadLetterPath returns the path to the dead-letter file.
func (c *Config) DeadLetterPath() string {
	return filepath.Join(c.DataDir, c.Ledger.DeadLetterFileName)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Store.MaxRetries < 0 {
		return fmt.Errorf("store.max_retries must be non-negative, got %d", c.Store.MaxRetries)
	}

	if c.Store.RetryBaseDelay <= 0 {
		return fmt.Errorf("store.retry_base_delay must be positive, got %v", c.Store.RetryBaseDelay)
	}

	if c.Store.QueueSize <= 0 {
		return fmt.Errorf("store.queue_size must be positive, got %d", c.Store.QueueSize)
	}

	if c.Pool.ConnectionTTL <= 0 {
		return fmt.Errorf("pool.connection_ttl must be positive, got %v", c.Pool.ConnectionTTL)
	}

	if c.Ledger.FileName == "" {
		return fmt.Errorf("ledger.file_name is required")
	}

	if c.Archive.CacheMaxBytes < 0 {
		return fmt.Errorf("archive.cache_max_bytes must be non-negative, got %d", c.Archive.CacheMaxBytes)
	}

	if c.Archive.Storage.Type != "local" && c.Archive.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Archive.Storage.Type)
	}

	if c.Archive.Storage.Type == "s3" && c.Archive.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the CHRONICLE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("CHRONICLE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Store configuration
	if v := os.Getenv("CHRONICLE_STORE_ASYNC_MODE"); v != "" {
		cfg.Store.AsyncMode = v == "true" || v == "1"
	}
	if v := os.Getenv("CHRONICLE_STORE_MAX_RETRIES"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Store.MaxRetries)
	}
	if v := os.Getenv("CHRONICLE_STORE_RETRY_BASE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Store.RetryBaseDelay = d
		}
	}
	if v := os.Getenv("CHRONICLE_STORE_QUEUE_SIZE"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Store.QueueSize)
	}

	// Pool configuration
	if v := os.Getenv("CHRONICLE_POOL_CONNECTION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pool.ConnectionTTL = d
		}
	}

	// Ledger configuration
	if v := os.Getenv("CHRONICLE_LEDGER_VERIFY_CHAIN"); v != "" {
		cfg.Ledger.VerifyChain = v == "true" || v == "1"
	}

	// HTTP configuration
	if v := os.Getenv("CHRONICLE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Storage configuration
	if v := os.Getenv("CHRONICLE_STORAGE_TYPE"); v != "" {
		cfg.Archive.Storage.Type = v
	}
	if v := os.Getenv("CHRONICLE_STORAGE_PATH"); v != "" {
		cfg.Archive.Storage.Path = v
	}
	if v := os.Getenv("CHRONICLE_S3_BUCKET"); v != "" {
		cfg.Archive.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CHRONICLE_S3_REGION"); v != "" {
		cfg.Archive.Storage.S3.Region = v
	}
	if v := os.Getenv("CHRONICLE_S3_ENDPOINT"); v != "" {
		cfg.Archive.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Archive.WorkDir,
		c.Archive.Storage.Path,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
