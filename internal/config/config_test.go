package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults_Client(t *testing.T) {
	t.Parallel()

	cfg := Config{Client: &ClientConfig{ClientID: "c1"}}
	ApplyDefaults(&cfg)

	c := cfg.Client
	assert.Equal(t, DefaultPollIntervalMs, c.PollIntervalMs)
	assert.Equal(t, DefaultFailureThreshold, c.FailureThreshold)
	assert.InDelta(t, DefaultSmoothingAlpha, c.SmoothingAlpha, 1e-9)
	assert.Equal(t, DefaultSweepPrefix, c.Discovery.SweepPrefix)
	assert.Equal(t, DefaultSweepWorkers, c.Discovery.SweepWorkers)
	assert.Equal(t, DefaultSweepMaxHosts, c.Discovery.SweepMaxHosts)
	assert.Equal(t, CacheBackendFile, c.CacheBackend)
	assert.Equal(t, "discovery_cache.yaml", filepath.Base(c.CachePath))
	require.NoError(t, Validate(cfg))
}

func TestApplyDefaults_Server(t *testing.T) {
	t.Parallel()

	cfg := Config{Server: &ServerConfig{}}
	ApplyDefaults(&cfg)

	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, DefaultSourceLabel, cfg.Server.SourceLabel)
	assert.True(t, Enabled(cfg.Server.DiscoveryEnabled))
	assert.True(t, Enabled(cfg.Server.MDNSEnabled))
	require.NoError(t, Validate(cfg))
}

func TestValidate_SweepPrefixOutOfRange(t *testing.T) {
	t.Parallel()

	for _, prefix := range []int{7, 31, 32} {
		cfg := Config{Client: &ClientConfig{Discovery: DiscoveryConfig{SweepPrefix: prefix}}}
		ApplyDefaults(&cfg)
		err := Validate(cfg)
		require.ErrorIs(t, err, ErrInvalid, "prefix=%d", prefix)
	}

	for _, prefix := range []int{8, 24, 30} {
		cfg := Config{Client: &ClientConfig{Discovery: DiscoveryConfig{SweepPrefix: prefix}}}
		ApplyDefaults(&cfg)
		require.NoError(t, Validate(cfg), "prefix=%d", prefix)
	}
}

func TestValidate_RejectsBadClientValues(t *testing.T) {
	t.Parallel()

	cases := map[string]func(c *ClientConfig){
		"alpha":      func(c *ClientConfig) { c.SmoothingAlpha = 1.5 },
		"multiplier": func(c *ClientConfig) { c.OutlierRTTMultiplier = 0.5 },
		"cidr":       func(c *ClientConfig) { c.Discovery.SweepCIDR = "not-a-cidr" },
		"backend":    func(c *ClientConfig) { c.CacheBackend = "redis" },
		"timeout":    func(c *ClientConfig) { c.Discovery.SweepTimeoutMs = -1 },
	}
	for name, mutate := range cases {
		cfg := Config{Client: &ClientConfig{}}
		ApplyDefaults(&cfg)
		mutate(cfg.Client)
		assert.ErrorIs(t, Validate(cfg), ErrInvalid, name)
	}
}

func TestLoad_ParsesYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "betterclock.yaml")
	data := []byte(`
log_level: debug
client:
  client_id: kitchen
  poll_interval_ms: 150
  discovery:
    sweep_cidr: 192.168.7.0/24
    sweep_workers: 16
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NotNil(t, cfg.Client)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "kitchen", cfg.Client.ClientID)
	assert.Equal(t, 150, cfg.Client.PollIntervalMs)
	assert.Equal(t, "192.168.7.0/24", cfg.Client.Discovery.SweepCIDR)
	assert.Equal(t, 16, cfg.Client.Discovery.SweepWorkers)
	assert.Equal(t, DefaultSweepMaxHosts, cfg.Client.Discovery.SweepMaxHosts)
	require.NoError(t, Validate(cfg))
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "client.yaml")
	cfg := Config{Client: &ClientConfig{ClientID: "c1"}}
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestApplyEnv_OverridesFileValues(t *testing.T) {
	t.Setenv("BETTERCLOCK_CLIENT_ID", "from-env")
	t.Setenv("BETTERCLOCK_POLL_INTERVAL_MS", "120")
	t.Setenv("BETTERCLOCK_LOG_LEVEL", "warn")

	cfg := Config{Client: &ClientConfig{ClientID: "from-file"}}
	ApplyDefaults(&cfg)
	ApplyEnv(&cfg)

	assert.Equal(t, "from-env", cfg.Client.ClientID)
	assert.Equal(t, 120, cfg.Client.PollIntervalMs)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadDotEnv_MissingFileIsNotAnError(t *testing.T) {
	t.Parallel()

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
}
