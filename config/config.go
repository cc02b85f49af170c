// Package config loads and validates the engine configuration from a JSON
// file, falling back to embedded defaults when no file exists yet.
package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configSubdir   = "config"
	configFileName = "quorumd_config.json"
)

//go:embed default_config.json
var defaultConfigJSON []byte

func validateConfig(cfg *Config) error {
	// Validate log level
	if cfg.LogLevel < 0 || cfg.LogLevel > 5 {
		return fmt.Errorf("log level must be between 0 and 5")
	}

	// Validate log format
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		return fmt.Errorf("log format must be 'json' or 'console'")
	}

	// Validator set defaults
	if cfg.ValidatorThreshold == 0 {
		cfg.ValidatorThreshold = 4
	}
	if cfg.ValidatorThreshold < 1 {
		return fmt.Errorf("validator threshold must be at least 1")
	}
	if len(cfg.Validators) > 0 && cfg.ValidatorThreshold > len(cfg.Validators) {
		return fmt.Errorf("validator threshold %d exceeds validator set size %d",
			cfg.ValidatorThreshold, len(cfg.Validators))
	}

	// Confirmation defaults
	if cfg.DefaultConfirmations == 0 {
		cfg.DefaultConfirmations = 12
	}

	// Retry defaults. Zero is a legal per-category value (disables retry),
	// so only the fallback default is filled in.
	if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = 3
	}
	for category, n := range cfg.CategoryMaxRetries {
		if n < 0 {
			return fmt.Errorf("max retries for category %s must be >= 0", category)
		}
	}

	// Deadline defaults
	if cfg.VotingWindowSeconds == 0 {
		cfg.VotingWindowSeconds = 7 * 24 * 3600
	}
	if cfg.TransferWindowSeconds == 0 {
		cfg.TransferWindowSeconds = 24 * 3600
	}
	if cfg.HTLCTimeoutSeconds == 0 {
		cfg.HTLCTimeoutSeconds = 300
	}

	// Sweeper defaults
	if cfg.SweepIntervalSeconds == 0 {
		cfg.SweepIntervalSeconds = 30
	}
	if cfg.StuckAgeSeconds == 0 {
		cfg.StuckAgeSeconds = 3600
	}

	// Queue defaults
	if cfg.QueueMaxBatchSize == 0 {
		cfg.QueueMaxBatchSize = 100
	}
	if cfg.QueueMaxWaitMs == 0 {
		cfg.QueueMaxWaitMs = 50
	}

	// Telemetry defaults
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = ":9464"
	}

	return nil
}

// DefaultConfig returns the embedded default configuration.
func DefaultConfig() (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfigJSON, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded default config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the config file under dataDir, creating it from the embedded
// defaults on first run. The loaded config is validated and defaulted.
func Load(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, configSubdir, configFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg, derr := DefaultConfig()
		if derr != nil {
			return nil, derr
		}
		cfg.DataDir = dataDir
		if werr := Save(cfg, dataDir); werr != nil {
			return nil, werr
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	if cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	return &cfg, nil
}

// Save writes the config as indented JSON under dataDir.
func Save(cfg *Config, dataDir string) error {
	dir := filepath.Join(dataDir, configSubdir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	path := filepath.Join(dir, configFileName)
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
