package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all service configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Hypervisor HypervisorConfig `mapstructure:"hypervisor"`
	Defaults   DefaultsConfig   `mapstructure:"defaults"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Storage    StorageConfig    `mapstructure:"storage"`
	LogLevel   string           `mapstructure:"log_level"`
}

// ServerConfig configures the HTTP API listener.
type ServerConfig struct {
	BindAddr string `mapstructure:"bind_addr"`
}

// HypervisorConfig selects and tunes the virtualization backend.
type HypervisorConfig struct {
	// Backend is a registered backend name ("docker", "fake").
	Backend string `mapstructure:"backend"`

	// URI is the backend connection string. Empty means the backend default.
	URI string `mapstructure:"uri"`

	// CallTimeout bounds a single backend call attempt.
	CallTimeout time.Duration `mapstructure:"call_timeout"`

	// MaxAttempts is the total attempt count for retryable backend calls.
	MaxAttempts uint64 `mapstructure:"max_attempts"`

	// RetryInitialInterval is the first backoff delay between attempts.
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
}

// DefaultsConfig supplies values for VM fields the caller omits.
type DefaultsConfig struct {
	VCPUs    int    `mapstructure:"vcpus"`
	MemoryMB uint64 `mapstructure:"memory_mb"`
	Image    string `mapstructure:"image"`
}

// MonitoringConfig tunes the metrics collector.
type MonitoringConfig struct {
	// Interval is the sampling period.
	Interval time.Duration `mapstructure:"interval"`

	// Retention is how far back samples are kept per subject.
	Retention time.Duration `mapstructure:"retention"`
}

// StorageConfig configures disk image placement.
type StorageConfig struct {
	ImagePath string `mapstructure:"image_path"`
	QuotaGB   uint64 `mapstructure:"quota_gb"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr: "127.0.0.1:8080",
		},
		Hypervisor: HypervisorConfig{
			Backend:              "docker",
			URI:                  "",
			CallTimeout:          60 * time.Second,
			MaxAttempts:          3,
			RetryInitialInterval: 500 * time.Millisecond,
		},
		Defaults: DefaultsConfig{
			VCPUs:    2,
			MemoryMB: 2048,
			Image:    "",
		},
		Monitoring: MonitoringConfig{
			Interval:  5 * time.Second,
			Retention: time.Hour,
		},
		Storage: StorageConfig{
			ImagePath: "/var/lib/gpu-share/images",
			QuotaGB:   100,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from defaults, an optional file, and the
// environment. Environment variables use the GPUSHARE_ prefix with
// underscores, e.g. GPUSHARE_SERVER_BIND_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("server.bind_addr", defaults.Server.BindAddr)
	v.SetDefault("hypervisor.backend", defaults.Hypervisor.Backend)
	v.SetDefault("hypervisor.uri", defaults.Hypervisor.URI)
	v.SetDefault("hypervisor.call_timeout", defaults.Hypervisor.CallTimeout)
	v.SetDefault("hypervisor.max_attempts", defaults.Hypervisor.MaxAttempts)
	v.SetDefault("hypervisor.retry_initial_interval", defaults.Hypervisor.RetryInitialInterval)
	v.SetDefault("defaults.vcpus", defaults.Defaults.VCPUs)
	v.SetDefault("defaults.memory_mb", defaults.Defaults.MemoryMB)
	v.SetDefault("defaults.image", defaults.Defaults.Image)
	v.SetDefault("monitoring.interval", defaults.Monitoring.Interval)
	v.SetDefault("monitoring.retention", defaults.Monitoring.Retention)
	v.SetDefault("storage.image_path", defaults.Storage.ImagePath)
	v.SetDefault("storage.quota_gb", defaults.Storage.QuotaGB)
	v.SetDefault("log_level", defaults.LogLevel)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/gpu-share")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("GPUSHARE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine unless the caller named one explicitly.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if path != "" {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.BindAddr == "" {
		return fmt.Errorf("server.bind_addr must not be empty")
	}
	if c.Hypervisor.Backend == "" {
		return fmt.Errorf("hypervisor.backend must not be empty")
	}
	if c.Hypervisor.CallTimeout <= 0 {
		return fmt.Errorf("hypervisor.call_timeout must be positive")
	}
	if c.Hypervisor.MaxAttempts == 0 {
		return fmt.Errorf("hypervisor.max_attempts must be at least 1")
	}
	if c.Monitoring.Interval <= 0 {
		return fmt.Errorf("monitoring.interval must be positive")
	}
	if c.Monitoring.Retention < c.Monitoring.Interval {
		return fmt.Errorf("monitoring.retention must be at least one interval")
	}
	if c.Defaults.VCPUs <= 0 {
		return fmt.Errorf("defaults.vcpus must be positive")
	}
	if c.Defaults.MemoryMB == 0 {
		return fmt.Errorf("defaults.memory_mb must be positive")
	}
	return nil
}
