// Package config loads quill config from YAML. Env overrides take precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// StoreConfig selects and configures the sync storage backend.
type StoreConfig struct {
	// Type is "folder" (local directory) or "s3".
	Type string `yaml:"type"`
	// Path is the root directory for folder stores.
	Path string `yaml:"path"`

	// S3 settings.
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// OllamaConfig enables semantic search and summaries through a local
// Ollama daemon. Off by default; everything works without it.
type OllamaConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	EmbedModel string `yaml:"embed_model"`
	Model      string `yaml:"model"`
}

// Config holds resolved paths and settings. Paths use XDG defaults when
// not in the file.
type Config struct {
	DbPath    string `yaml:"db_path"`
	LibraryID string `yaml:"library_id"`
	Platform  string `yaml:"platform"`

	Store   StoreConfig  `yaml:"store"`
	Encrypt bool         `yaml:"encrypt"`
	Ollama  OllamaConfig `yaml:"ollama"`

	CacheBudgetBytes       int64 `yaml:"cache_budget_bytes"`
	BatchIntervalSeconds   int   `yaml:"batch_interval_seconds"`
	TombstoneRetentionDays int   `yaml:"tombstone_retention_days"`
	MaxSyncAttempts        int   `yaml:"max_sync_attempts"`
	MaxOpRetries           int   `yaml:"max_op_retries"`
}

// Load reads config from XDG_CONFIG_HOME/quill/config.yaml. Missing file
// uses defaults. Env overrides: QUILL_DB_PATH, QUILL_LIBRARY_ID,
// QUILL_PLATFORM, QUILL_STORE_PATH, QUILL_CACHE_BUDGET_BYTES.
func Load() (*Config, error) {
	dataHome := xdgDataHome()
	configHome := xdgConfigHome()
	path := filepath.Join(configHome, "quill", "config.yaml")

	c := &Config{
		DbPath:                 filepath.Join(dataHome, "quill", "quill.db"),
		Platform:               "web",
		Store:                  StoreConfig{Type: "folder", Path: filepath.Join(dataHome, "quill", "library")},
		Ollama:                 OllamaConfig{BaseURL: "http://localhost:11434", EmbedModel: "nomic-embed-text", Model: "llama3.2"},
		CacheBudgetBytes:       2 << 30, // 2 GiB
		BatchIntervalSeconds:   30,
		TombstoneRetentionDays: 90,
		MaxSyncAttempts:        5,
		MaxOpRetries:           5,
	}

	b, err := os.ReadFile(path)
	if err == nil {
		var raw Config
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if raw.DbPath != "" {
			c.DbPath = resolvePath(raw.DbPath, dataHome)
		}
		if raw.LibraryID != "" {
			c.LibraryID = raw.LibraryID
		}
		if raw.Platform != "" {
			c.Platform = raw.Platform
		}
		if raw.Store.Type != "" {
			c.Store = raw.Store
			if raw.Store.Path != "" {
				c.Store.Path = resolvePath(raw.Store.Path, dataHome)
			}
		}
		c.Encrypt = raw.Encrypt
		c.Ollama.Enabled = raw.Ollama.Enabled
		if raw.Ollama.BaseURL != "" {
			c.Ollama.BaseURL = raw.Ollama.BaseURL
		}
		if raw.Ollama.EmbedModel != "" {
			c.Ollama.EmbedModel = raw.Ollama.EmbedModel
		}
		if raw.Ollama.Model != "" {
			c.Ollama.Model = raw.Ollama.Model
		}
		if raw.CacheBudgetBytes > 0 {
			c.CacheBudgetBytes = raw.CacheBudgetBytes
		}
		if raw.BatchIntervalSeconds > 0 {
			c.BatchIntervalSeconds = raw.BatchIntervalSeconds
		}
		if raw.TombstoneRetentionDays > 0 {
			c.TombstoneRetentionDays = raw.TombstoneRetentionDays
		}
		if raw.MaxSyncAttempts > 0 {
			c.MaxSyncAttempts = raw.MaxSyncAttempts
		}
		if raw.MaxOpRetries > 0 {
			c.MaxOpRetries = raw.MaxOpRetries
		}
	}

	// Env overrides
	if v := os.Getenv("QUILL_DB_PATH"); v != "" {
		c.DbPath = v
	}
	if v := os.Getenv("QUILL_LIBRARY_ID"); v != "" {
		c.LibraryID = v
	}
	if v := os.Getenv("QUILL_PLATFORM"); v != "" {
		c.Platform = v
	}
	if v := os.Getenv("QUILL_STORE_PATH"); v != "" {
		c.Store.Type = "folder"
		c.Store.Path = v
	}
	if v := os.Getenv("QUILL_CACHE_BUDGET_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			c.CacheBudgetBytes = n
		}
	}

	return c, nil
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $HOME in paths from the config file.
func resolvePath(p, dataHome string) string {
	return filepath.Clean(os.Expand(p, func(key string) string {
		if key == "XDG_DATA_HOME" {
			return dataHome
		}
		if key == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
