package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon-context value constructed once at startup and
// handed to every component (the "explicit daemon-context value" of the
// design notes, replacing the source's singletons).
type Config struct {
	ListenAddress string `yaml:"listen_address"`
	DataDir       string `yaml:"data_dir"`

	HypervisorBinary string `yaml:"hypervisor_binary"`
	FirmwarePath     string `yaml:"firmware_path"`

	DefaultMemoryMB int `yaml:"default_memory_mb"`
	DefaultVCPUs    int `yaml:"default_vcpus"`

	ReconcileTickInterval time.Duration `yaml:"reconcile_tick_interval"`
	ReconcileConcurrency  int           `yaml:"reconcile_concurrency"`

	GracefulStopTimeout time.Duration `yaml:"graceful_stop_timeout"`

	LogLevel string `yaml:"log_level"`
}

// Defaults returns a Config with every recognised option set to its
// documented default.
func Defaults() *Config {
	return &Config{
		ListenAddress:         "127.0.0.1:7621",
		DataDir:               "/var/lib/infrasimd",
		HypervisorBinary:      "",
		FirmwarePath:          "",
		DefaultMemoryMB:       512,
		DefaultVCPUs:          1,
		ReconcileTickInterval: 5 * time.Second,
		ReconcileConcurrency:  4,
		GracefulStopTimeout:   30 * time.Second,
		LogLevel:              "info",
	}
}

// FileOverrides holds CLI-flag overrides layered on top of the env/file
// values; an empty string means "flag not set."
type FileOverrides struct {
	ListenAddress string
	DataDir       string
	LogLevel      string
}

// Load resolves the daemon's configuration with the precedence documented
// in the configuration table: config file, then environment variables,
// then command-line flags, each layer overriding the last.
func Load(path string, flags FileOverrides) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	applyFlagOverrides(cfg, flags)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INFRASIM_LISTEN_ADDRESS"); v != "" {
		cfg.ListenAddress = v
	}
	if v := os.Getenv("INFRASIM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("INFRASIM_HYPERVISOR_BINARY"); v != "" {
		cfg.HypervisorBinary = v
	}
	if v := os.Getenv("INFRASIM_FIRMWARE_PATH"); v != "" {
		cfg.FirmwarePath = v
	}
	if v := os.Getenv("INFRASIM_DEFAULT_MEMORY_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultMemoryMB = n
		}
	}
	if v := os.Getenv("INFRASIM_DEFAULT_VCPUS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DefaultVCPUs = n
		}
	}
	if v := os.Getenv("INFRASIM_RECONCILE_TICK_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ReconcileTickInterval = d
		}
	}
	if v := os.Getenv("INFRASIM_RECONCILE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ReconcileConcurrency = n
		}
	}
	if v := os.Getenv("INFRASIM_GRACEFUL_STOP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.GracefulStopTimeout = d
		}
	}
	if v := os.Getenv("INFRASIM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func applyFlagOverrides(cfg *Config, flags FileOverrides) {
	if flags.ListenAddress != "" {
		cfg.ListenAddress = flags.ListenAddress
	}
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}
	if flags.LogLevel != "" {
		cfg.LogLevel = flags.LogLevel
	}
}

// Validate rejects a configuration that would leave the daemon unable to
// start (a Fatal condition per the error handling design).
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.DefaultMemoryMB <= 0 {
		return fmt.Errorf("default_memory_mb must be positive, got %d", c.DefaultMemoryMB)
	}
	if c.DefaultVCPUs <= 0 {
		return fmt.Errorf("default_vcpus must be positive, got %d", c.DefaultVCPUs)
	}
	if c.ReconcileConcurrency <= 0 {
		return fmt.Errorf("reconcile_concurrency must be positive, got %d", c.ReconcileConcurrency)
	}
	return nil
}
