// -----------------------------------------------------------------------
// Package config loads and validates process configuration.
// -----------------------------------------------------------------------

// Package config loads layered configuration: compiled-in defaults, one or
// more TOML files, then environment variable overrides. This mirrors the
// three-layer approach used throughout this codebase's services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"

	"github.com/LamynaalsTechnologies/Rayal-policy-form-automation-sub001/internal/models"
)

// LoggingConfig controls the arbor-backed logger.
type LoggingConfig struct {
	Level      string   `toml:"level"`
	Output     []string `toml:"output"`
	TimeFormat string   `toml:"time_format"`
}

// StorageConfig controls the badgerhold-backed job queue store.
type StorageConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// ServerConfig controls the status query HTTP surface.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// SchedulerConfig holds the scheduler/recovery tunables enumerated in
// SPEC_FULL.md §6.
type SchedulerConfig struct {
	MaxParallel        int           `toml:"max_parallel" validate:"min=1"`
	JobTimeout         time.Duration `toml:"job_timeout"`
	RetryBackoff       time.Duration `toml:"retry_backoff"`
	MaxAttempts        int           `toml:"max_attempts" validate:"min=1"`
	StaleHorizon       time.Duration `toml:"stale_horizon"`
	SoftMax            int           `toml:"soft_max" validate:"min=1"`
	HardMax            int           `toml:"hard_max" validate:"min=1"`
	NuclearMax         int           `toml:"nuclear_max" validate:"min=1"`
	CloneFileSkipBytes int64         `toml:"clone_file_skip_bytes"`
	LoginTimeout       time.Duration `toml:"login_timeout"`
	CheckTimeout       time.Duration `toml:"check_timeout"`
}

// IngestConfig controls the ingestion watcher's poll cadence.
type IngestConfig struct {
	PollInterval         time.Duration `toml:"poll_interval"`
	ReconnectBackoff     time.Duration `toml:"reconnect_backoff"`
	MaxReconnectBackoff  time.Duration `toml:"max_reconnect_backoff"`
	RecoverStuckSchedule string        `toml:"recover_stuck_schedule"`
}

// Config is the root configuration object.
type Config struct {
	Logging   LoggingConfig              `toml:"logging"`
	Storage   StorageConfig              `toml:"storage"`
	Server    ServerConfig               `toml:"server"`
	Scheduler SchedulerConfig            `toml:"scheduler"`
	Ingest    IngestConfig               `toml:"ingest"`
	Portals   []models.PortalCredentials `toml:"portal"`
}

// NewDefault returns a Config populated with the tunables named in
// SPEC_FULL.md §6, before any file or environment overrides are applied.
func NewDefault() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Output:     []string{"console"},
			TimeFormat: time.RFC3339,
		},
		Storage: StorageConfig{
			Path:           "./data/jobqueue",
			ResetOnStartup: false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Scheduler: SchedulerConfig{
			MaxParallel:        3,
			JobTimeout:         5 * time.Minute,
			RetryBackoff:       60 * time.Second,
			MaxAttempts:        3,
			StaleHorizon:       2 * time.Minute,
			SoftMax:            3,
			HardMax:            2,
			NuclearMax:         1,
			CloneFileSkipBytes: 25 * 1024 * 1024,
			LoginTimeout:       30 * time.Second,
			CheckTimeout:       5 * time.Second,
		},
		Ingest: IngestConfig{
			PollInterval:         2 * time.Second,
			ReconnectBackoff:     1 * time.Second,
			MaxReconnectBackoff:  30 * time.Second,
			RecoverStuckSchedule: "*/5 * * * *",
		},
	}
}

// LoadFromFiles merges one or more TOML files onto the defaults, in the
// order given, then applies environment overrides. Every path given must
// be readable: a missing or unreadable file is an error. With no paths,
// the defaults plus environment overrides are returned.
func LoadFromFiles(paths []string) (*Config, error) {
	cfg := NewDefault()

	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", p, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", p, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides checks POLICYFORM_* environment variables for each
// scheduler tunable, mirroring this codebase's QUAERO_* override pattern.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("POLICYFORM_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxParallel = n
		}
	}
	if v := os.Getenv("POLICYFORM_JOB_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.JobTimeout = d
		}
	}
	if v := os.Getenv("POLICYFORM_RETRY_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.RetryBackoff = d
		}
	}
	if v := os.Getenv("POLICYFORM_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Scheduler.MaxAttempts = n
		}
	}
	if v := os.Getenv("POLICYFORM_STALE_HORIZON"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.StaleHorizon = d
		}
	}
	if v := os.Getenv("POLICYFORM_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("POLICYFORM_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("POLICYFORM_SERVER_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = n
		}
	}
}

var validate = validator.New()

// Validate checks required fields (portal credentials, scheduler bounds)
// are present and sane, failing fast at startup rather than surfacing as a
// runtime nil-pointer deep inside a job.
func (c *Config) Validate() error {
	if len(c.Portals) == 0 {
		return fmt.Errorf("config: at least one [[portal]] must be configured")
	}
	for i := range c.Portals {
		if err := validate.Struct(&c.Portals[i]); err != nil {
			return fmt.Errorf("config: portal[%d]: %w", i, err)
		}
	}
	if err := validate.Struct(&c.Scheduler); err != nil {
		return fmt.Errorf("config: scheduler: %w", err)
	}
	return nil
}
