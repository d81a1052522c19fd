// Package config loads and validates the Cortex learner core's TOML
// configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the root configuration tree for a learner worker.
type Config struct {
	General General `toml:"general"`
	Store   Store   `toml:"store"`
	Monitor Monitor `toml:"monitor"`
	Learner Learner `toml:"learner"`
	Brain   Brain   `toml:"brain"`
}

// General holds process-wide settings.
type General struct {
	LogLevel string `toml:"log_level"`
	WorkDir  string `toml:"work_dir"`
}

// Store configures the resource store's filesystem root and auxiliary index.
type Store struct {
	Root             string   `toml:"root"`
	IndexPath        string   `toml:"index_path"`
	WatchPollInterval Duration `toml:"watch_poll_interval"`
}

// Monitor configures assignment-lease behavior.
type Monitor struct {
	PollInterval  Duration `toml:"poll_interval"`
	StaleSeconds  int64    `toml:"stale_seconds"`
	LeaseHeartbeat Duration `toml:"lease_heartbeat"`
}

// Learner configures the assignment processor's timeouts, fetch interval
// and scratch layout (spec §4.4.1, §4.4.7). SaveIntervalBatches, Continuous
// and SynchronousExport are loaded and validated but cmd/cortex does not
// pass them to the processor, which takes those values from its own
// learner hyperparameter defaults.
type Learner struct {
	ScratchRoot              string   `toml:"scratch_root"`
	MaxAssignmentWorkTimeSecs int64    `toml:"max_assignment_work_time_secs"`
	WaitForDataBrainSecs     float64  `toml:"wait_for_data_brain_secs"`
	FetchIntervalSecs        float64  `toml:"fetch_interval_secs"`
	SaveIntervalBatches      int      `toml:"save_interval_batches"`
	Continuous               bool     `toml:"continuous"`
	SynchronousExport        bool     `toml:"synchronous_export"`
	ReceiveTimeout           Duration `toml:"receive_timeout"`
	RetryPolicy              RetryPolicy `toml:"retry_policy"`
}

// Brain configures the out-of-process Docker trainer adapter.
type Brain struct {
	Image          string         `toml:"image"`
	ContextRoot    string         `toml:"context_root"`
	ResourceLimits ResourceLimits `toml:"resource_limits"`
}

// ResourceLimits holds CPU and memory bounds for the brain container. They
// are defaulted and validated here; the Docker brain adapter does not apply
// them to the containers it launches.
type ResourceLimits struct {
	CPUs     float64 `toml:"cpus"`
	MemoryMB int64   `toml:"memory_mb"`
}

// RetryPolicy holds transient-failure retry settings. They are defaulted and
// validated here; no component reads them (the Docker brain adapter uses
// dispatch.DefaultRetryPolicy).
type RetryPolicy struct {
	MaxRetries    int      `toml:"max_retries"`
	InitialDelay  Duration `toml:"initial_delay"`
	BackoffFactor float64  `toml:"backoff_factor"`
	MaxDelay      Duration `toml:"max_delay"`
}

// Clone returns a deep copy of cfg so callers can safely mutate the result.
func (cfg *Config) Clone() *Config {
	if cfg == nil {
		return nil
	}
	cloned := *cfg
	return &cloned
}

// Load reads, defaults, and validates a learner TOML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	applyDefaults(&cfg)
	normalizePaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validating: %w", err)
	}

	return &cfg, nil
}

// LoadManager reads config from path and returns an RWMutex-backed
// thread-safe manager.
func LoadManager(path string) (ConfigManager, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config: path is required")
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewRWMutexManager(cfg), nil
}

func applyDefaults(cfg *Config) {
	if cfg.General.LogLevel == "" {
		cfg.General.LogLevel = "info"
	}
	if cfg.General.WorkDir == "" {
		cfg.General.WorkDir = "."
	}

	if cfg.Store.Root == "" {
		cfg.Store.Root = "data"
	}
	if cfg.Store.IndexPath == "" {
		cfg.Store.IndexPath = filepath.Join(cfg.Store.Root, "index.sqlite")
	}
	if cfg.Store.WatchPollInterval.Duration == 0 {
		cfg.Store.WatchPollInterval.Duration = 2 * time.Second
	}

	if cfg.Monitor.PollInterval.Duration == 0 {
		cfg.Monitor.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Monitor.StaleSeconds == 0 {
		cfg.Monitor.StaleSeconds = 600
	}
	if cfg.Monitor.LeaseHeartbeat.Duration == 0 {
		cfg.Monitor.LeaseHeartbeat.Duration = 30 * time.Second
	}

	if cfg.Learner.ScratchRoot == "" {
		cfg.Learner.ScratchRoot = "scratch"
	}
	if cfg.Learner.MaxAssignmentWorkTimeSecs == 0 {
		cfg.Learner.MaxAssignmentWorkTimeSecs = 3600
	}
	if cfg.Learner.WaitForDataBrainSecs == 0 {
		cfg.Learner.WaitForDataBrainSecs = 60
	}
	if cfg.Learner.FetchIntervalSecs == 0 {
		cfg.Learner.FetchIntervalSecs = 10
	}
	if cfg.Learner.SaveIntervalBatches == 0 {
		cfg.Learner.SaveIntervalBatches = 20000
	}
	if cfg.Learner.ReceiveTimeout.Duration == 0 {
		cfg.Learner.ReceiveTimeout.Duration = 30 * time.Second
	}
	if cfg.Learner.RetryPolicy.MaxRetries == 0 {
		cfg.Learner.RetryPolicy.MaxRetries = 3
	}
	if cfg.Learner.RetryPolicy.InitialDelay.Duration == 0 {
		cfg.Learner.RetryPolicy.InitialDelay.Duration = 1 * time.Second
	}
	if cfg.Learner.RetryPolicy.BackoffFactor == 0 {
		cfg.Learner.RetryPolicy.BackoffFactor = 2.0
	}
	if cfg.Learner.RetryPolicy.MaxDelay.Duration == 0 {
		cfg.Learner.RetryPolicy.MaxDelay.Duration = 30 * time.Second
	}

	if cfg.Brain.Image == "" {
		cfg.Brain.Image = "cortex-brain:latest"
	}
	if cfg.Brain.ContextRoot == "" {
		cfg.Brain.ContextRoot = filepath.Join(cfg.General.WorkDir, "brain-ctx")
	}
	if cfg.Brain.ResourceLimits.CPUs == 0 {
		cfg.Brain.ResourceLimits.CPUs = 2.0
	}
	if cfg.Brain.ResourceLimits.MemoryMB == 0 {
		cfg.Brain.ResourceLimits.MemoryMB = 4096
	}
}

// normalizePaths expands "~" and trims whitespace for configured filesystem paths.
func normalizePaths(cfg *Config) {
	cfg.General.WorkDir = ExpandHome(strings.TrimSpace(cfg.General.WorkDir))
	cfg.Store.Root = ExpandHome(strings.TrimSpace(cfg.Store.Root))
	cfg.Store.IndexPath = ExpandHome(strings.TrimSpace(cfg.Store.IndexPath))
	cfg.Learner.ScratchRoot = ExpandHome(strings.TrimSpace(cfg.Learner.ScratchRoot))
	cfg.Brain.ContextRoot = ExpandHome(strings.TrimSpace(cfg.Brain.ContextRoot))
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if len(path) == 0 {
		return path
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func validate(cfg *Config) error {
	if cfg.Store.Root == "" {
		return fmt.Errorf("store.root is required")
	}
	if cfg.Monitor.StaleSeconds <= 0 {
		return fmt.Errorf("monitor.stale_seconds must be > 0")
	}
	if cfg.Monitor.PollInterval.Duration <= 0 {
		return fmt.Errorf("monitor.poll_interval must be > 0")
	}
	if cfg.Learner.MaxAssignmentWorkTimeSecs <= 0 {
		return fmt.Errorf("learner.max_assignment_work_time_secs must be > 0")
	}
	if cfg.Learner.WaitForDataBrainSecs <= 0 {
		return fmt.Errorf("learner.wait_for_data_brain_secs must be > 0")
	}
	if cfg.Learner.FetchIntervalSecs <= 0 {
		return fmt.Errorf("learner.fetch_interval_secs must be > 0")
	}
	if cfg.Learner.SaveIntervalBatches <= 0 {
		return fmt.Errorf("learner.save_interval_batches must be > 0")
	}
	if err := validateRetryPolicy("learner.retry_policy", cfg.Learner.RetryPolicy); err != nil {
		return err
	}
	if cfg.Brain.Image == "" {
		return fmt.Errorf("brain.image is required")
	}
	if cfg.Brain.ResourceLimits.CPUs < 0 {
		return fmt.Errorf("brain.resource_limits.cpus cannot be negative")
	}
	if cfg.Brain.ResourceLimits.MemoryMB < 0 {
		return fmt.Errorf("brain.resource_limits.memory_mb cannot be negative")
	}
	return nil
}

func validateRetryPolicy(fieldPath string, policy RetryPolicy) error {
	if policy.MaxRetries < 0 {
		return fmt.Errorf("%s.max_retries cannot be negative: %d", fieldPath, policy.MaxRetries)
	}
	if policy.InitialDelay.Duration < 0 {
		return fmt.Errorf("%s.initial_delay cannot be negative: %s", fieldPath, policy.InitialDelay)
	}
	if policy.MaxDelay.Duration < 0 {
		return fmt.Errorf("%s.max_delay cannot be negative: %s", fieldPath, policy.MaxDelay)
	}
	if policy.BackoffFactor < 0 {
		return fmt.Errorf("%s.backoff_factor cannot be negative: %f", fieldPath, policy.BackoffFactor)
	}
	return nil
}
