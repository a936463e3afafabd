package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults. Environment values that are missing, unparsable, or non-positive
// fall back to these.
const (
	DefaultBootstrapCredits = 100

	DefaultSweeperInterval    = 300 * time.Second
	DefaultSweeperMaxPerRun   = 25
	DefaultSweeperMaxAttempts = 5
	DefaultSweeperScanLimit   = 50
	DefaultSweeperMaxBackoff  = 3600 * time.Second
	DefaultSweeperFactor      = 2.0

	DefaultReconcileInterval    = 3600 * time.Second
	DefaultReconcileFullEvery   = 24 * time.Hour
	DefaultReconcileMaxBackoff  = 21600 * time.Second
	DefaultReconcileFactor      = 2.0

	DefaultCoalesceReplayWindow = 2000 * time.Millisecond
)

// SweeperConfig holds refund sweeper knobs.
type SweeperConfig struct {
	Disabled      bool          `yaml:"disabled"`
	Interval      time.Duration `yaml:"interval"`
	MaxPerRun     int           `yaml:"max_per_run"`
	MaxAttempts   int           `yaml:"max_attempts"`
	ScanLimit     int           `yaml:"scan_limit"`
	MaxBackoff    time.Duration `yaml:"max_backoff"`
	BackoffFactor float64       `yaml:"backoff_factor"`
}

// ReconcileConfig holds reconciliation worker knobs.
type ReconcileConfig struct {
	Disabled            bool          `yaml:"disabled"`
	IncrementalInterval time.Duration `yaml:"incremental_interval"`
	FullPassInterval    time.Duration `yaml:"full_pass_interval"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	BackoffFactor       float64       `yaml:"backoff_factor"`
	ServiceURL          string        `yaml:"service_url"`
}

// Config is the process configuration for both binaries.
type Config struct {
	LedgerTable         string `yaml:"ledger_table"`
	RefundFailuresTable string `yaml:"refund_failures_table"`
	AlertsQueueURL      string `yaml:"alerts_queue_url"`
	ProviderURL         string `yaml:"provider_url"`

	BootstrapCredits int64 `yaml:"bootstrap_credits"`

	CoalesceReplayWindow time.Duration `yaml:"coalesce_replay_window"`

	Sweeper   SweeperConfig   `yaml:"sweeper"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

func defaults() Config {
	return Config{
		BootstrapCredits:     DefaultBootstrapCredits,
		CoalesceReplayWindow: DefaultCoalesceReplayWindow,
		Sweeper: SweeperConfig{
			Interval:      DefaultSweeperInterval,
			MaxPerRun:     DefaultSweeperMaxPerRun,
			MaxAttempts:   DefaultSweeperMaxAttempts,
			ScanLimit:     DefaultSweeperScanLimit,
			MaxBackoff:    DefaultSweeperMaxBackoff,
			BackoffFactor: DefaultSweeperFactor,
		},
		Reconcile: ReconcileConfig{
			IncrementalInterval: DefaultReconcileInterval,
			FullPassInterval:    DefaultReconcileFullEvery,
			MaxBackoff:          DefaultReconcileMaxBackoff,
			BackoffFactor:       DefaultReconcileFactor,
		},
	}
}

// Load builds the configuration: defaults, then an optional YAML file named by
// CONFIG_FILE, then environment variable overrides. It never fails on bad
// numeric values; those fall back to defaults.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
		cfg.sanitize()
	}

	cfg.applyEnv()
	cfg.sanitize()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.LedgerTable, "LEDGER_TABLE")
	setString(&c.RefundFailuresTable, "REFUND_FAILURES_TABLE")
	setString(&c.AlertsQueueURL, "ALERTS_QUEUE_URL")
	setString(&c.ProviderURL, "VIDEO_PROVIDER_URL")
	setString(&c.Reconcile.ServiceURL, "RECONCILE_SERVICE_URL")

	setInt64(&c.BootstrapCredits, "BOOTSTRAP_CREDITS")
	setDuration(&c.CoalesceReplayWindow, "COALESCE_REPLAY_WINDOW_MS", time.Millisecond)

	c.Sweeper.Disabled = envBool("DISABLE_SWEEPER", c.Sweeper.Disabled)
	setDuration(&c.Sweeper.Interval, "SWEEPER_INTERVAL_SECONDS", time.Second)
	setInt(&c.Sweeper.MaxPerRun, "SWEEPER_MAX_PER_RUN")
	setInt(&c.Sweeper.MaxAttempts, "SWEEPER_MAX_ATTEMPTS")
	setInt(&c.Sweeper.ScanLimit, "SWEEPER_SCAN_LIMIT")
	setDuration(&c.Sweeper.MaxBackoff, "SWEEPER_MAX_BACKOFF_SECONDS", time.Second)
	setFloat(&c.Sweeper.BackoffFactor, "SWEEPER_BACKOFF_FACTOR")

	c.Reconcile.Disabled = envBool("DISABLE_RECONCILER", c.Reconcile.Disabled)
	setDuration(&c.Reconcile.IncrementalInterval, "RECONCILE_INCREMENTAL_INTERVAL_SECONDS", time.Second)
	setDuration(&c.Reconcile.FullPassInterval, "RECONCILE_FULL_PASS_INTERVAL_HOURS", time.Hour)
	setDuration(&c.Reconcile.MaxBackoff, "RECONCILE_MAX_BACKOFF_SECONDS", time.Second)
	setFloat(&c.Reconcile.BackoffFactor, "RECONCILE_BACKOFF_FACTOR")
}

// sanitize replaces non-positive or nonsensical values with defaults.
// A backoff factor must be > 1 or backoff would never grow.
func (c *Config) sanitize() {
	d := defaults()
	if c.BootstrapCredits < 0 {
		c.BootstrapCredits = d.BootstrapCredits
	}
	if c.CoalesceReplayWindow <= 0 {
		c.CoalesceReplayWindow = d.CoalesceReplayWindow
	}

	if c.Sweeper.Interval <= 0 {
		c.Sweeper.Interval = d.Sweeper.Interval
	}
	if c.Sweeper.MaxPerRun <= 0 {
		c.Sweeper.MaxPerRun = d.Sweeper.MaxPerRun
	}
	if c.Sweeper.MaxAttempts <= 0 {
		c.Sweeper.MaxAttempts = d.Sweeper.MaxAttempts
	}
	if c.Sweeper.ScanLimit <= 0 {
		c.Sweeper.ScanLimit = d.Sweeper.ScanLimit
	}
	if c.Sweeper.MaxBackoff <= 0 {
		c.Sweeper.MaxBackoff = d.Sweeper.MaxBackoff
	}
	if c.Sweeper.BackoffFactor <= 1 {
		c.Sweeper.BackoffFactor = d.Sweeper.BackoffFactor
	}

	if c.Reconcile.IncrementalInterval <= 0 {
		c.Reconcile.IncrementalInterval = d.Reconcile.IncrementalInterval
	}
	if c.Reconcile.FullPassInterval <= 0 {
		c.Reconcile.FullPassInterval = d.Reconcile.FullPassInterval
	}
	if c.Reconcile.MaxBackoff <= 0 {
		c.Reconcile.MaxBackoff = d.Reconcile.MaxBackoff
	}
	if c.Reconcile.BackoffFactor <= 1 {
		c.Reconcile.BackoffFactor = d.Reconcile.BackoffFactor
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 1 {
			*dst = f
		}
	}
}

func setDuration(dst *time.Duration, key string, unit time.Duration) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			*dst = time.Duration(n) * unit
		}
	}
}

func envBool(key string, fallback bool) bool {
	switch os.Getenv(key) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return fallback
	}
}
