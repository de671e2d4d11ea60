// Package config loads the coordinator's YAML configuration file and
// supplies defaults for every option it leaves unset.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dsa110/contimg-coordinator/pkg/types"
	"gopkg.in/yaml.v3"
)

// Config is the coordinator's top-level configuration, loaded from a
// single YAML file at startup.
type Config struct {
	DataDir     string `yaml:"data_dir"`
	WatchDir    string `yaml:"watch_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Grouper struct {
		ExpectedSubbands      int           `yaml:"expected_subbands"`
		ClusterTolerance      time.Duration `yaml:"cluster_tolerance"`
		SemiCompleteThreshold int           `yaml:"semi_complete_threshold"`
		IncompleteTimeout     time.Duration `yaml:"incomplete_timeout"`
		SweepInterval         time.Duration `yaml:"sweep_interval"`
	} `yaml:"grouper"`

	Worker struct {
		Concurrency     int           `yaml:"concurrency"`
		PollInterval    time.Duration `yaml:"poll_interval"`
		TaskLease       time.Duration `yaml:"task_lease"`
		HeartbeatFactor int           `yaml:"heartbeat_factor"`
	} `yaml:"worker"`

	DefaultMaxAttempts int                 `yaml:"default_max_attempts"`
	DefaultBackoff     types.BackoffParams `yaml:"default_backoff"`

	Breaker struct {
		FailureThreshold int           `yaml:"failure_threshold"`
		RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
		SuccessThreshold int           `yaml:"success_threshold"`
	} `yaml:"breaker"`

	Retention struct {
		CompletedAfter time.Duration `yaml:"completed_after"`
		DeadAfter      time.Duration `yaml:"dead_after"`
		SweepInterval  time.Duration `yaml:"sweep_interval"`
	} `yaml:"retention"`

	HA struct {
		Enabled bool     `yaml:"enabled"`
		NodeID  string   `yaml:"node_id"`
		Bind    string   `yaml:"bind"`
		Peers   []string `yaml:"peers"`
	} `yaml:"ha"`

	// ManifestPath points at a pkg/manifest YAML file describing
	// executor programs and cron-triggered workflow templates. Empty
	// means no executors or workflows are registered at startup; a
	// caller registers its own via the embedded control.Surface instead.
	ManifestPath string `yaml:"manifest_path"`
}

// Default returns the configuration with every documented default value
// applied.
func Default() *Config {
	c := &Config{
		DataDir:  "./coordinator-data",
		WatchDir: "./incoming",
	}
	c.Log.Level = "info"
	c.Metrics.ListenAddr = "127.0.0.1:9090"

	c.Grouper.ExpectedSubbands = 16
	c.Grouper.ClusterTolerance = 60 * time.Second
	c.Grouper.SemiCompleteThreshold = 12
	c.Grouper.IncompleteTimeout = 6 * time.Hour
	c.Grouper.SweepInterval = 30 * time.Second

	c.Worker.Concurrency = 4
	c.Worker.PollInterval = time.Second
	c.Worker.TaskLease = 60 * time.Second
	c.Worker.HeartbeatFactor = 3

	c.DefaultMaxAttempts = 3
	c.DefaultBackoff = types.DefaultBackoff()

	c.Breaker.FailureThreshold = 5
	c.Breaker.RecoveryTimeout = 5 * time.Minute
	c.Breaker.SuccessThreshold = 2

	c.Retention.CompletedAfter = 7 * 24 * time.Hour
	c.Retention.DeadAfter = 30 * 24 * time.Hour
	c.Retention.SweepInterval = time.Hour

	return c
}

// Load reads path, merging its values over Default(). A missing field in
// the file keeps the default.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// rawConfig mirrors Config but carries durations as strings ("60s",
// "5m"), the form operators actually write in a manifest. UnmarshalYAML
// decodes through this shape so Config's fields stay time.Duration for
// every other package that reads them.
type rawConfig struct {
	DataDir  string `yaml:"data_dir"`
	WatchDir string `yaml:"watch_dir"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	Metrics struct {
		ListenAddr string `yaml:"listen_addr"`
	} `yaml:"metrics"`

	Grouper struct {
		ExpectedSubbands      *int    `yaml:"expected_subbands"`
		ClusterTolerance      string  `yaml:"cluster_tolerance"`
		SemiCompleteThreshold *int    `yaml:"semi_complete_threshold"`
		IncompleteTimeout     string  `yaml:"incomplete_timeout"`
		SweepInterval         string  `yaml:"sweep_interval"`
	} `yaml:"grouper"`

	Worker struct {
		Concurrency     *int   `yaml:"concurrency"`
		PollInterval    string `yaml:"poll_interval"`
		TaskLease       string `yaml:"task_lease"`
		HeartbeatFactor *int   `yaml:"heartbeat_factor"`
	} `yaml:"worker"`

	DefaultMaxAttempts *int `yaml:"default_max_attempts"`
	DefaultBackoff     *struct {
		BaseDelay       string  `yaml:"base_delay"`
		MaxDelay        string  `yaml:"max_delay"`
		ExponentialBase float64 `yaml:"exponential_base"`
		Jitter          *bool   `yaml:"jitter"`
	} `yaml:"default_backoff"`

	Breaker struct {
		FailureThreshold *int   `yaml:"failure_threshold"`
		RecoveryTimeout  string `yaml:"recovery_timeout"`
		SuccessThreshold *int   `yaml:"success_threshold"`
	} `yaml:"breaker"`

	Retention struct {
		CompletedAfter string `yaml:"completed_after"`
		DeadAfter      string `yaml:"dead_after"`
		SweepInterval  string `yaml:"sweep_interval"`
	} `yaml:"retention"`

	HA struct {
		Enabled bool     `yaml:"enabled"`
		NodeID  string   `yaml:"node_id"`
		Bind    string   `yaml:"bind"`
		Peers   []string `yaml:"peers"`
	} `yaml:"ha"`

	ManifestPath string `yaml:"manifest_path"`
}

func parseDurationField(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	return time.ParseDuration(s)
}

// UnmarshalYAML lets Config be decoded directly by yaml.Unmarshal while
// keeping its duration fields as time.Duration: it decodes into
// rawConfig, parses every duration string, and leaves fields the file
// didn't set at their current (default) value.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw rawConfig
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.DataDir != "" {
		c.DataDir = raw.DataDir
	}
	if raw.WatchDir != "" {
		c.WatchDir = raw.WatchDir
	}
	if raw.Log.Level != "" {
		c.Log.Level = raw.Log.Level
	}
	c.Log.JSON = raw.Log.JSON
	if raw.Metrics.ListenAddr != "" {
		c.Metrics.ListenAddr = raw.Metrics.ListenAddr
	}

	if raw.Grouper.ExpectedSubbands != nil {
		c.Grouper.ExpectedSubbands = *raw.Grouper.ExpectedSubbands
	}
	if raw.Grouper.SemiCompleteThreshold != nil {
		c.Grouper.SemiCompleteThreshold = *raw.Grouper.SemiCompleteThreshold
	}
	var err error
	if c.Grouper.ClusterTolerance, err = parseDurationField(raw.Grouper.ClusterTolerance, c.Grouper.ClusterTolerance); err != nil {
		return fmt.Errorf("config: cluster_tolerance: %w", err)
	}
	if c.Grouper.IncompleteTimeout, err = parseDurationField(raw.Grouper.IncompleteTimeout, c.Grouper.IncompleteTimeout); err != nil {
		return fmt.Errorf("config: incomplete_timeout: %w", err)
	}
	if c.Grouper.SweepInterval, err = parseDurationField(raw.Grouper.SweepInterval, c.Grouper.SweepInterval); err != nil {
		return fmt.Errorf("config: grouper sweep_interval: %w", err)
	}

	if raw.Worker.Concurrency != nil {
		c.Worker.Concurrency = *raw.Worker.Concurrency
	}
	if raw.Worker.HeartbeatFactor != nil {
		c.Worker.HeartbeatFactor = *raw.Worker.HeartbeatFactor
	}
	if c.Worker.PollInterval, err = parseDurationField(raw.Worker.PollInterval, c.Worker.PollInterval); err != nil {
		return fmt.Errorf("config: poll_interval: %w", err)
	}
	if c.Worker.TaskLease, err = parseDurationField(raw.Worker.TaskLease, c.Worker.TaskLease); err != nil {
		return fmt.Errorf("config: task_lease: %w", err)
	}

	if raw.DefaultMaxAttempts != nil {
		c.DefaultMaxAttempts = *raw.DefaultMaxAttempts
	}
	if raw.DefaultBackoff != nil {
		if c.DefaultBackoff.BaseDelay, err = parseDurationField(raw.DefaultBackoff.BaseDelay, c.DefaultBackoff.BaseDelay); err != nil {
			return fmt.Errorf("config: default_backoff.base_delay: %w", err)
		}
		if c.DefaultBackoff.MaxDelay, err = parseDurationField(raw.DefaultBackoff.MaxDelay, c.DefaultBackoff.MaxDelay); err != nil {
			return fmt.Errorf("config: default_backoff.max_delay: %w", err)
		}
		if raw.DefaultBackoff.ExponentialBase != 0 {
			c.DefaultBackoff.ExponentialBase = raw.DefaultBackoff.ExponentialBase
		}
		if raw.DefaultBackoff.Jitter != nil {
			c.DefaultBackoff.Jitter = *raw.DefaultBackoff.Jitter
		}
	}

	if raw.Breaker.FailureThreshold != nil {
		c.Breaker.FailureThreshold = *raw.Breaker.FailureThreshold
	}
	if raw.Breaker.SuccessThreshold != nil {
		c.Breaker.SuccessThreshold = *raw.Breaker.SuccessThreshold
	}
	if c.Breaker.RecoveryTimeout, err = parseDurationField(raw.Breaker.RecoveryTimeout, c.Breaker.RecoveryTimeout); err != nil {
		return fmt.Errorf("config: breaker.recovery_timeout: %w", err)
	}

	if c.Retention.CompletedAfter, err = parseDurationField(raw.Retention.CompletedAfter, c.Retention.CompletedAfter); err != nil {
		return fmt.Errorf("config: retention.completed_after: %w", err)
	}
	if c.Retention.DeadAfter, err = parseDurationField(raw.Retention.DeadAfter, c.Retention.DeadAfter); err != nil {
		return fmt.Errorf("config: retention.dead_after: %w", err)
	}
	if c.Retention.SweepInterval, err = parseDurationField(raw.Retention.SweepInterval, c.Retention.SweepInterval); err != nil {
		return fmt.Errorf("config: retention.sweep_interval: %w", err)
	}

	c.HA.Enabled = raw.HA.Enabled
	if raw.HA.NodeID != "" {
		c.HA.NodeID = raw.HA.NodeID
	}
	if raw.HA.Bind != "" {
		c.HA.Bind = raw.HA.Bind
	}
	if len(raw.HA.Peers) > 0 {
		c.HA.Peers = raw.HA.Peers
	}

	if raw.ManifestPath != "" {
		c.ManifestPath = raw.ManifestPath
	}

	return nil
}

// HeartbeatInterval returns task_lease / heartbeat_factor, the worker's
// heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return c.Worker.TaskLease / time.Duration(c.Worker.HeartbeatFactor)
}
