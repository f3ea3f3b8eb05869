// Package config loads the worker's configuration table from
// environment variables using viper, layering defaults then env, with no
// file layer since the worker has an env-vars-only surface. WORKER_ID and
// WORKER_NAME's host-derived default resolution lives in internal/identity,
// not here: this package only owns configuration, not derived identity.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds every environment variable the worker reads, plus the
// additional knobs recorded as Open Question decisions in DESIGN.md.
type Config struct {
	ServerURL  string `mapstructure:"server_url"`
	WorkerKey  string `mapstructure:"worker_key"`
	WorkerName string `mapstructure:"worker_name"`
	WorkerID   string `mapstructure:"worker_id"`

	MaxConcurrent       int `mapstructure:"max_concurrent"`
	PollIntervalMS      int `mapstructure:"poll_interval_ms"`
	HeartbeatIntervalMS int `mapstructure:"heartbeat_interval_ms"`
	UploadRetries       int `mapstructure:"upload_retries"`

	TempDir  string `mapstructure:"temp_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Open Question decisions (DESIGN.md), plus the register retry cadence.
	ProgressFailureLimit        int  `mapstructure:"progress_failure_limit"`
	OriginTLSInsecureSkipVerify bool `mapstructure:"origin_tls_insecure_skip_verify"`
	ShutdownGraceMS             int  `mapstructure:"shutdown_grace_ms"`
	RegisterRetryMS             int  `mapstructure:"register_retry_ms"`
}

// Load reads configuration from environment variables only, applying
// defaults for anything unset. Validation fails when WORKER_KEY is missing
// or when TEMP_DIR cannot be created.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("server_url", "http://localhost:5069")
	v.SetDefault("max_concurrent", 1)
	v.SetDefault("poll_interval_ms", 5000)
	v.SetDefault("heartbeat_interval_ms", 30000)
	v.SetDefault("temp_dir", "/tmp/transcode")
	v.SetDefault("upload_retries", 3)
	v.SetDefault("log_level", "info")
	v.SetDefault("progress_failure_limit", 0)
	v.SetDefault("origin_tls_insecure_skip_verify", true)
	v.SetDefault("shutdown_grace_ms", 2000)
	v.SetDefault("register_retry_ms", 10000)

	v.AutomaticEnv()
	for _, key := range []string{
		"server_url", "worker_key", "worker_name", "worker_id",
		"max_concurrent", "poll_interval_ms", "heartbeat_interval_ms", "upload_retries",
		"temp_dir", "log_level",
		"progress_failure_limit", "origin_tls_insecure_skip_verify", "shutdown_grace_ms", "register_retry_ms",
	} {
		_ = v.BindEnv(key)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.WorkerKey == "" {
		return errors.New("WORKER_KEY is required")
	}
	if err := os.MkdirAll(cfg.TempDir, 0755); err != nil {
		return fmt.Errorf("unable to create TEMP_DIR at %s: %w", cfg.TempDir, err)
	}
	return nil
}

// PollInterval returns the configured poll cadence as a time.Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the configured heartbeat cadence as a time.Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// RegisterRetryInterval returns the configured registration retry cadence.
func (c *Config) RegisterRetryInterval() time.Duration {
	return time.Duration(c.RegisterRetryMS) * time.Millisecond
}

// ShutdownGrace returns the configured shutdown grace period.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMS) * time.Millisecond
}
