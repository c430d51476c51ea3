// Package config defines the buildlock configuration surface and its viper
// wiring. Values come from (highest precedence first) command-line flags,
// BUILDLOCK_* environment variables, the config file, and compiled defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete buildlock configuration.
type Config struct {
	Lock    LockConfig    `mapstructure:"lock"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// LockConfig controls lock-manager behavior.
type LockConfig struct {
	// Dir is the lock root directory shared by all cooperating processes.
	// If empty, defaults to ~/.buildlock/locks. Supports ~ expansion.
	// Override per environment with BUILDLOCK_LOCK_DIR, e.g. to isolate
	// tests or tenants.
	Dir string `mapstructure:"dir"`

	// MaxReasonLength bounds the caller-supplied reason text in characters.
	MaxReasonLength int `mapstructure:"max_reason_length"`

	// AcquireTimeout is the maximum time an acquire waits for the lock.
	// Zero means wait indefinitely.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// MutexRetryMs is the sleep in milliseconds between attempts to create
	// the mutex sentinel while another process holds it.
	MutexRetryMs int `mapstructure:"mutex_retry_ms"`

	// MutexStaleAfter is how old a mutex sentinel may be before a waiter
	// steals it from a crashed or wedged owner.
	MutexStaleAfter time.Duration `mapstructure:"mutex_stale_after"`

	// PollInterval is the waiting acquirer's safety re-check cadence,
	// backing up filesystem change notification.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// LoggingConfig controls diagnostic logging.
type LoggingConfig struct {
	// Enabled controls whether diagnostic logging is on (default: true).
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Dir is where the log file is written; empty means stderr.
	Dir string `mapstructure:"dir"`
}

// MutexRetry returns the sentinel retry interval as a time.Duration.
func (c *LockConfig) MutexRetry() time.Duration {
	return time.Duration(c.MutexRetryMs) * time.Millisecond
}

// ResolveDir returns the resolved lock directory, expanding ~ and applying
// the default when unset.
func (c *LockConfig) ResolveDir() string {
	path := c.Dir
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "buildlock", "locks")
		}
		return filepath.Join(home, ".buildlock", "locks")
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}
	return path
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Lock: LockConfig{
			Dir:             "", // Empty means use default: ~/.buildlock/locks
			MaxReasonLength: 256,
			AcquireTimeout:  0, // Wait indefinitely
			MutexRetryMs:    25,
			MutexStaleAfter: 30 * time.Second,
			PollInterval:    10 * time.Second,
		},
		Logging: LoggingConfig{
			Enabled: true,
			Level:   "info",
			Dir:     "",
		},
	}
}

// SetDefaults registers default values with viper.
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("lock.dir", defaults.Lock.Dir)
	viper.SetDefault("lock.max_reason_length", defaults.Lock.MaxReasonLength)
	viper.SetDefault("lock.acquire_timeout", defaults.Lock.AcquireTimeout)
	viper.SetDefault("lock.mutex_retry_ms", defaults.Lock.MutexRetryMs)
	viper.SetDefault("lock.mutex_stale_after", defaults.Lock.MutexStaleAfter)
	viper.SetDefault("lock.poll_interval", defaults.Lock.PollInterval)

	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.dir", defaults.Logging.Dir)
}

// Load reads the configuration from viper into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", joinErrors(errs))
	}
	return &cfg, nil
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() []error {
	var errs []error

	if c.Lock.MaxReasonLength <= 0 {
		errs = append(errs, fmt.Errorf("lock.max_reason_length must be positive, got %d", c.Lock.MaxReasonLength))
	}
	if c.Lock.AcquireTimeout < 0 {
		errs = append(errs, fmt.Errorf("lock.acquire_timeout must not be negative, got %s", c.Lock.AcquireTimeout))
	}
	if c.Lock.MutexRetryMs <= 0 {
		errs = append(errs, fmt.Errorf("lock.mutex_retry_ms must be positive, got %d", c.Lock.MutexRetryMs))
	}
	if c.Lock.MutexStaleAfter <= 0 {
		errs = append(errs, fmt.Errorf("lock.mutex_stale_after must be positive, got %s", c.Lock.MutexStaleAfter))
	}
	if c.Lock.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("lock.poll_interval must be positive, got %s", c.Lock.PollInterval))
	}
	if !isValidLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level))
	}

	return errs
}

// isValidLevel checks a log level string, case-insensitively.
func isValidLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

// joinErrors renders validation errors as one semicolon-separated string.
func joinErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "; ")
}

// ConfigDir returns the path to the user's config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "buildlock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".buildlock"
	}
	return filepath.Join(home, ".config", "buildlock")
}
