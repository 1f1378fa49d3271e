// Package config holds the engine settings. The struct is immutable
// after load and injected into every component; there is no global.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/p2p-filesharing/lanshare/pkg/chunker"
)

// Config contains all settings read at startup.
type Config struct {
	// NumberOfDownloaders is the number of chunk transfers allowed to
	// run concurrently across the whole queue.
	NumberOfDownloaders int `json:"number_of_downloaders"`

	// ChunkSize must match the persisted hash index or the index is
	// invalidated.
	ChunkSize int64 `json:"chunk_size"`

	// UnfinishedSuffix is appended to files being downloaded and
	// stripped on completion.
	UnfinishedSuffix string `json:"unfinished_suffix_term"`

	// StateDir holds the persisted hash index and download queue.
	StateDir string `json:"state_dir"`

	// RescanPeriodIfError is the delay before the queue is rescanned
	// after a download enters an error state.
	RescanPeriodIfError time.Duration `json:"-"`

	// RescanPeriodIfErrorMS is the serialized form of RescanPeriodIfError.
	RescanPeriodIfErrorMS int64 `json:"rescan_queue_period_if_error_ms"`

	// DownloadRateLimit caps the global download bandwidth in bytes per
	// second; 0 means unlimited.
	DownloadRateLimit int64 `json:"download_rate_limit"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// MetricsAddress is the listen address of the Prometheus endpoint;
	// empty disables it.
	MetricsAddress string `json:"metrics_address"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		NumberOfDownloaders: 3,
		ChunkSize:           chunker.DefaultChunkSize,
		UnfinishedSuffix:    ".unfinished",
		StateDir:            "./state",
		RescanPeriodIfError: 10 * time.Second,
		LogLevel:            "info",
	}
}

// Load reads settings from a JSON file, filling gaps with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.RescanPeriodIfErrorMS > 0 {
		cfg.RescanPeriodIfError = time.Duration(cfg.RescanPeriodIfErrorMS) * time.Millisecond
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings invariants.
func (c *Config) Validate() error {
	if c.NumberOfDownloaders <= 0 {
		return fmt.Errorf("number_of_downloaders must be positive, got %d", c.NumberOfDownloaders)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.UnfinishedSuffix == "" {
		return fmt.Errorf("unfinished_suffix_term must not be empty")
	}
	return nil
}
