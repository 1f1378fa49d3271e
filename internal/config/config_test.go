package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"number_of_downloaders": 5,
		"chunk_size": 65536,
		"rescan_queue_period_if_error_ms": 2500
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.NumberOfDownloaders != 5 {
		t.Errorf("NumberOfDownloaders = %d, expected 5", cfg.NumberOfDownloaders)
	}
	if cfg.ChunkSize != 65536 {
		t.Errorf("ChunkSize = %d, expected 65536", cfg.ChunkSize)
	}
	if cfg.RescanPeriodIfError != 2500*time.Millisecond {
		t.Errorf("RescanPeriodIfError = %v, expected 2.5s", cfg.RescanPeriodIfError)
	}
	if cfg.UnfinishedSuffix != ".unfinished" {
		t.Errorf("UnfinishedSuffix should keep its default, got %q", cfg.UnfinishedSuffix)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"number_of_downloaders": 0}`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("Load should reject a non-positive downloader count")
	}
}
