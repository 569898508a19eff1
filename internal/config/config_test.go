package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsOnly(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.BindAddr)
	assert.Equal(t, "docker", cfg.Hypervisor.Backend)
	assert.Equal(t, 60*time.Second, cfg.Hypervisor.CallTimeout)
	assert.Equal(t, uint64(3), cfg.Hypervisor.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Monitoring.Interval)
	assert.Equal(t, time.Hour, cfg.Monitoring.Retention)
	assert.Equal(t, 2, cfg.Defaults.VCPUs)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  bind_addr: "0.0.0.0:9090"
hypervisor:
  backend: fake
  call_timeout: 30s
  max_attempts: 5
monitoring:
  interval: 10s
  retention: 2h
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.BindAddr)
	assert.Equal(t, "fake", cfg.Hypervisor.Backend)
	assert.Equal(t, 30*time.Second, cfg.Hypervisor.CallTimeout)
	assert.Equal(t, uint64(5), cfg.Hypervisor.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Monitoring.Interval)
	assert.Equal(t, 2*time.Hour, cfg.Monitoring.Retention)

	// Untouched sections keep their defaults.
	assert.Equal(t, uint64(2048), cfg.Defaults.MemoryMB)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hypervisor:
  backend: docker
`), 0644))

	t.Setenv("GPUSHARE_HYPERVISOR_BACKEND", "fake")
	t.Setenv("GPUSHARE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fake", cfg.Hypervisor.Backend)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not a map"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"empty bind addr":     func(c *Config) { c.Server.BindAddr = "" },
		"empty backend":       func(c *Config) { c.Hypervisor.Backend = "" },
		"zero call timeout":   func(c *Config) { c.Hypervisor.CallTimeout = 0 },
		"zero max attempts":   func(c *Config) { c.Hypervisor.MaxAttempts = 0 },
		"zero interval":       func(c *Config) { c.Monitoring.Interval = 0 },
		"retention too short": func(c *Config) { c.Monitoring.Retention = time.Second },
		"zero vcpus":          func(c *Config) { c.Defaults.VCPUs = 0 },
		"zero memory":         func(c *Config) { c.Defaults.MemoryMB = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
