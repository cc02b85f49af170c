package config

import (
	"fmt"
	"time"
)

// Config is the full configuration surface consumed by the quorum engine.
// Everything here arrives from outside the core: per-category retry limits,
// per-chain confirmation requirements, voting windows, and sweeper tuning.
type Config struct {
	// Log Config
	LogLevel   int    `json:"log_level"`   // e.g., 0 = debug, 1 = info, etc.
	LogFormat  string `json:"log_format"`  // "json" or "console"
	LogSampler bool   `json:"log_sampler"` // if true, samples logs (e.g., 1 in 5)

	// Data Config
	DataDir string `json:"data_dir"` // Directory holding quorum_data.db (default: ~/.quorumd)

	// Bridge validator set. Signature quorum is ValidatorThreshold-of-len(Validators).
	Validators         []string `json:"validators"`          // Active validator IDs (default: 7 entries)
	ValidatorThreshold int      `json:"validator_threshold"` // Distinct signatures required (default: 4)

	// Per-chain confirmation requirements, keyed by source chain identifier.
	// Chains not listed fall back to DefaultConfirmations.
	ChainConfirmations   map[string]uint64 `json:"chain_confirmations"`
	DefaultConfirmations uint64            `json:"default_confirmations"` // default: 12

	// Per-category retry limits. Categories not listed fall back to DefaultMaxRetries.
	CategoryMaxRetries map[string]int `json:"category_max_retries"`
	DefaultMaxRetries  int            `json:"default_max_retries"` // default: 3

	// Deadlines.
	VotingWindowSeconds   int64 `json:"voting_window_seconds"`   // Approval tiers (default: 7 days)
	TransferWindowSeconds int64 `json:"transfer_window_seconds"` // Bridge categories (default: 24h)
	HTLCTimeoutSeconds    int64 `json:"htlc_timeout_seconds"`    // ATOMIC_SWAP timelock (default: 300)

	// Recovery sweeper.
	SweepIntervalSeconds int64 `json:"sweep_interval_seconds"` // default: 30
	StuckAgeSeconds      int64 `json:"stuck_age_seconds"`      // Non-terminal older than this is "stuck" (default: 1h)
	AutoRetry            bool  `json:"auto_retry"`             // Sweeper retries FAILED bridge entities under budget

	// Ingestion queue.
	QueueMaxBatchSize int   `json:"queue_max_batch_size"` // default: 100
	QueueMaxWaitMs    int64 `json:"queue_max_wait_ms"`    // Batch fill timeout (default: 50)

	// Telemetry.
	MetricsAddr string `json:"metrics_addr"` // Prometheus listen address (default: ":9464")
}

// RequiredConfirmationsFor returns the confirmation requirement for a source
// chain, falling back to the default when the chain is not configured.
func (c *Config) RequiredConfirmationsFor(sourceChain string) uint64 {
	if c.ChainConfirmations != nil {
		if n, ok := c.ChainConfirmations[sourceChain]; ok && n > 0 {
			return n
		}
	}
	return c.DefaultConfirmations
}

// MaxRetriesFor returns the retry budget for a category, falling back to the
// default when the category is not configured.
func (c *Config) MaxRetriesFor(category string) int {
	if c.CategoryMaxRetries != nil {
		if n, ok := c.CategoryMaxRetries[category]; ok {
			return n
		}
	}
	return c.DefaultMaxRetries
}

// VotingWindow returns the approval voting window as a duration.
func (c *Config) VotingWindow() time.Duration {
	return time.Duration(c.VotingWindowSeconds) * time.Second
}

// TransferWindow returns the bridge transfer deadline window as a duration.
func (c *Config) TransferWindow() time.Duration {
	return time.Duration(c.TransferWindowSeconds) * time.Second
}

// HTLCTimeout returns the atomic-swap timelock as a duration.
func (c *Config) HTLCTimeout() time.Duration {
	return time.Duration(c.HTLCTimeoutSeconds) * time.Second
}

// SweepInterval returns the recovery sweep interval as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// StuckAge returns the stuck-entity age threshold as a duration.
func (c *Config) StuckAge() time.Duration {
	return time.Duration(c.StuckAgeSeconds) * time.Second
}

// QueueMaxWait returns the batch-dequeue fill timeout as a duration.
func (c *Config) QueueMaxWait() time.Duration {
	return time.Duration(c.QueueMaxWaitMs) * time.Millisecond
}

func (c *Config) String() string {
	return fmt.Sprintf("Config{validators=%d, threshold=%d, chains=%d, sweep=%ds}",
		len(c.Validators), c.ValidatorThreshold, len(c.ChainConfirmations), c.SweepIntervalSeconds)
}
