// Package config loads the daemon's single YAML configuration file
// (spec.md §4.10): database connection, worker count, update interval,
// log destination, extension list, per-class defaults, and the optional
// metrics port.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/alpenhorn/alpenhornd.yaml"

// EnvConfigPath is the environment variable that overrides the default
// config path (spec.md §6, "Environment variables").
const EnvConfigPath = "ALPENHORN_CONFIG"

// Config is the root of the YAML document.
type Config struct {
	Database   Database              `yaml:"database"`
	Daemon     Daemon                `yaml:"daemon"`
	Logging    Logging               `yaml:"logging"`
	Metrics    Metrics               `yaml:"metrics"`
	Extensions []string              `yaml:"extensions"`
	IOClasses  map[string]ClassDefaults `yaml:"io_classes"`
}

// Database holds Postgres connection parameters for the Data Index.
type Database struct {
	DSN            string        `yaml:"dsn"`
	MaxOpenConns   int           `yaml:"max_open_conns"`
	QueryTimeout   time.Duration `yaml:"query_timeout"`
	DeadlockMinMs  int           `yaml:"deadlock_backoff_min_ms"`
	DeadlockMaxMs  int           `yaml:"deadlock_backoff_max_ms"`
	DeadlockRetries int          `yaml:"deadlock_retries"`
}

// Daemon holds the per-process knobs from spec.md §4.8/§4.10.
type Daemon struct {
	Hostname          string        `yaml:"hostname"`
	Workers           int           `yaml:"workers"`
	UpdateInterval    time.Duration `yaml:"update_interval"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	StaleTempAge      time.Duration `yaml:"stale_temp_age"`
	VerifyPerTickCap  int           `yaml:"verify_per_tick_cap"`
	ImportBatchSize   int           `yaml:"import_batch_size"`
	CopyBatchSize     int           `yaml:"copy_batch_size"`
}

// Logging configures the logging package.
type Logging struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Metrics configures the optional Prometheus endpoint.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// ClassDefaults are per-I/O-class defaults keyed by class name.
type ClassDefaults struct {
	VerifyOnPull    bool `yaml:"verify_on_pull"`
	ConcurrentPulls int  `yaml:"concurrent_pulls"`
}

// Path resolves the configuration file location: override if non-empty,
// else ALPENHORN_CONFIG if set, else the compiled-in default.
func Path(override string) string {
	if override != "" {
		return override
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads and validates the configuration at path, applying defaults
// for anything the file omits.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Daemon.Workers == 0 {
		c.Daemon.Workers = 4
	}
	if c.Daemon.UpdateInterval == 0 {
		c.Daemon.UpdateInterval = 10 * time.Second
	}
	if c.Daemon.ShutdownGrace == 0 {
		c.Daemon.ShutdownGrace = 30 * time.Second
	}
	if c.Daemon.StaleTempAge == 0 {
		c.Daemon.StaleTempAge = time.Hour
	}
	if c.Daemon.VerifyPerTickCap == 0 {
		c.Daemon.VerifyPerTickCap = 50
	}
	if c.Daemon.ImportBatchSize == 0 {
		c.Daemon.ImportBatchSize = 100
	}
	if c.Daemon.CopyBatchSize == 0 {
		c.Daemon.CopyBatchSize = 20
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.QueryTimeout == 0 {
		c.Database.QueryTimeout = 30 * time.Second
	}
	if c.Database.DeadlockMinMs == 0 {
		c.Database.DeadlockMinMs = 50
	}
	if c.Database.DeadlockMaxMs == 0 {
		c.Database.DeadlockMaxMs = 500
	}
	if c.Database.DeadlockRetries == 0 {
		c.Database.DeadlockRetries = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9110"
	}
	if c.IOClasses == nil {
		c.IOClasses = map[string]ClassDefaults{}
	}
	if _, ok := c.IOClasses["default"]; !ok {
		c.IOClasses["default"] = ClassDefaults{VerifyOnPull: true, ConcurrentPulls: 2}
	}
}

func (c *Config) validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Daemon.Workers < 1 {
		return fmt.Errorf("daemon.workers must be >= 1")
	}
	return nil
}
