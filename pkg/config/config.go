package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable knob of the engine. Zero values are replaced
// by defaults in Load; a YAML file is applied first, then environment
// variables override.
type Config struct {
	DataDir        string `yaml:"data_dir" env:"BURROW_DATA_DIR"`
	GitPrefix      string `yaml:"git_prefix" env:"BURROW_GIT_PREFIX"`
	EmbeddingURL   string `yaml:"embedding_url" env:"BURROW_EMBEDDING_URL"`
	EmbeddingModel string `yaml:"embedding_model" env:"BURROW_EMBEDDING_MODEL"`
	EmbeddingDim   int    `yaml:"embedding_dim" env:"BURROW_EMBEDDING_DIM"`

	MaxContentBytes   int `yaml:"max_content_bytes" env:"BURROW_MAX_CONTENT_BYTES"`
	MaxSummaryChars   int `yaml:"max_summary_chars" env:"BURROW_MAX_SUMMARY_CHARS"`
	MaxHydrationFiles int `yaml:"max_hydration_files" env:"BURROW_MAX_HYDRATION_FILES"`
	MaxFileBytes      int `yaml:"max_file_bytes" env:"BURROW_MAX_FILE_BYTES"`

	CaptureLockTimeout time.Duration `yaml:"capture_lock_timeout" env:"BURROW_CAPTURE_LOCK_TIMEOUT"`
	SubprocessTimeout  time.Duration `yaml:"subprocess_timeout" env:"BURROW_SUBPROCESS_TIMEOUT"`

	DecayHalfLifeDays int `yaml:"decay_half_life_days" env:"BURROW_DECAY_HALF_LIFE_DAYS"`
	ArchiveAfterDays  int `yaml:"archive_after_days" env:"BURROW_ARCHIVE_AFTER_DAYS"`
	GCHorizonDays     int `yaml:"gc_horizon_days" env:"BURROW_GC_HORIZON_DAYS"`

	RecallCacheTTL     time.Duration `yaml:"recall_cache_ttl" env:"BURROW_RECALL_CACHE_TTL"`
	RecallCacheEntries int           `yaml:"recall_cache_entries" env:"BURROW_RECALL_CACHE_ENTRIES"`
}

// DefaultConfig returns the documented defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DataDir:            filepath.Join(home, ".local", "share", "burrow"),
		GitPrefix:          "mem",
		EmbeddingURL:       "http://127.0.0.1:11434",
		EmbeddingModel:     "all-minilm",
		EmbeddingDim:       384,
		MaxContentBytes:    102400,
		MaxSummaryChars:    100,
		MaxHydrationFiles:  20,
		MaxFileBytes:       102400,
		CaptureLockTimeout: 5 * time.Second,
		SubprocessTimeout:  30 * time.Second,
		DecayHalfLifeDays:  30,
		ArchiveAfterDays:   90,
		GCHorizonDays:      365,
		RecallCacheTTL:     5 * time.Minute,
		RecallCacheEntries: 100,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty or missing), then environment variables.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	// Defaults and file values are non-zero, so overwrite must be on for
	// environment variables to take precedence over them.
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           cfg,
		DefaultOverwrite: true,
	}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	return cfg, nil
}

// IndexPath is the location of the single-file index store
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "index.db")
}

// StatePath is the location of the repair-hint and checkpoint store
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// RepoDir is the per-repo subdirectory holding the capture lock
func (c *Config) RepoDir(repoKey string) string {
	return filepath.Join(c.DataDir, "repos", repoKey)
}

// EnsureDataDir creates the data directory tree with owner-only permissions
func (c *Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, filepath.Join(c.DataDir, "repos"), filepath.Join(c.DataDir, "models")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("failed to create data dir %s: %w", dir, err)
		}
	}
	return nil
}
