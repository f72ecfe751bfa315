package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalid marks configuration that must be rejected at load time.
var ErrInvalid = errors.New("invalid config")

const (
	DefaultPort             = 8099
	DefaultListen           = "0.0.0.0:8099"
	DefaultSourceLabel      = "software"
	DefaultMDNSInstance     = "betterclock"
	DefaultTickIntervalMs   = 50
	DefaultStreamIntervalMs = 250
	DefaultPulseTimeMs      = 250

	DefaultPollIntervalMs       = 200
	DefaultPollTimeoutMs        = 1000
	DefaultFailureThreshold     = 5
	DefaultOutlierRTTMultiplier = 3.0
	DefaultSmoothingAlpha       = 0.25
	DefaultRediscoverBackoffMs  = 2000
	DefaultStatusIntervalMs     = 5000

	DefaultLocalTimeoutMs     = 350
	DefaultCacheTimeoutMs     = 350
	DefaultMDNSTimeoutMs      = 800
	DefaultBroadcastTimeoutMs = 800
	DefaultSweepTimeoutMs     = 800
	DefaultBroadcastAddress   = "255.255.255.255"
	DefaultSweepPrefix        = 24
	DefaultSweepMaxHosts      = 254
	DefaultSweepWorkers       = 48

	DefaultCacheBackend = CacheBackendFile
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "console"
)

const (
	CacheBackendFile = "file"
	CacheBackendBolt = "bolt"
)

// Config holds both server and client settings.
type Config struct {
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"`
	Server    *ServerConfig `yaml:"server,omitempty"`
	Client    *ClientConfig `yaml:"client,omitempty"`
}

// ServerConfig is used by the time server process.
type ServerConfig struct {
	Listen             string   `yaml:"listen"`
	AlarmsPath         string   `yaml:"alarms_path"`
	SourceLabel        string   `yaml:"source_label"`
	TickIntervalMs     int      `yaml:"tick_interval_ms"`
	StreamIntervalMs   int      `yaml:"stream_interval_ms"`
	WarningEnabled     bool     `yaml:"warning_enabled"`
	WarningLeadTimeMs  int64    `yaml:"warning_lead_time_ms"`
	WarningPulseTimeMs int64    `yaml:"warning_pulse_time_ms"`
	DiscoveryEnabled   *bool    `yaml:"discovery_enabled,omitempty"`
	DiscoveryUDPPort   int      `yaml:"discovery_udp_port"`
	MDNSEnabled        *bool    `yaml:"mdns_enabled,omitempty"`
	MDNSInstance       string   `yaml:"mdns_instance"`
	AdvertiseHost      string   `yaml:"advertise_host"`
	CORSOrigins        []string `yaml:"cors_origins"`
	AllowRemote        bool     `yaml:"allow_remote"`
}

// ClientConfig is used by the polling client.
type ClientConfig struct {
	ClientID             string          `yaml:"client_id"`
	Server               string          `yaml:"server"`
	PollIntervalMs       int             `yaml:"poll_interval_ms"`
	PollTimeoutMs        int             `yaml:"poll_timeout_ms"`
	FailureThreshold     int             `yaml:"failure_threshold"`
	OutlierRTTMultiplier float64         `yaml:"outlier_rtt_multiplier"`
	SmoothingAlpha       float64         `yaml:"smoothing_alpha"`
	RediscoverBackoffMs  int             `yaml:"rediscover_backoff_ms"`
	StatusIntervalMs     int             `yaml:"status_interval_ms"`
	CacheBackend         string          `yaml:"cache_backend"`
	CachePath            string          `yaml:"cache_path"`
	STUNServers          []string        `yaml:"stun_servers"`
	Discovery            DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig controls the discovery cascade.
type DiscoveryConfig struct {
	Port               int    `yaml:"port"`
	DiscoveryPort      int    `yaml:"discovery_port"`
	DisableLocal       bool   `yaml:"disable_local"`
	DisableCache       bool   `yaml:"disable_cache"`
	DisableMDNS        bool   `yaml:"disable_mdns"`
	DisableBroadcast   bool   `yaml:"disable_broadcast"`
	DisableSweep       bool   `yaml:"disable_sweep"`
	LocalTimeoutMs     int    `yaml:"local_timeout_ms"`
	CacheTimeoutMs     int    `yaml:"cache_timeout_ms"`
	MDNSTimeoutMs      int    `yaml:"mdns_timeout_ms"`
	BroadcastTimeoutMs int    `yaml:"broadcast_timeout_ms"`
	BroadcastAddress   string `yaml:"broadcast_address"`
	SweepTimeoutMs     int    `yaml:"sweep_timeout_ms"`
	SweepPrefix        int    `yaml:"sweep_prefix"`
	SweepCIDR          string `yaml:"sweep_cidr"`
	SweepMaxHosts      int    `yaml:"sweep_max_hosts"`
	SweepWorkers       int    `yaml:"sweep_workers"`
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate rejects values the server or client cannot run with.
func Validate(cfg Config) error {
	switch strings.ToLower(cfg.LogLevel) {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log_level %q", ErrInvalid, cfg.LogLevel)
	}
	if cfg.Server != nil {
		if err := validateServer(*cfg.Server); err != nil {
			return err
		}
	}
	if cfg.Client != nil {
		if err := validateClient(*cfg.Client); err != nil {
			return err
		}
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if s.Listen == "" {
		return fmt.Errorf("%w: server.listen is required", ErrInvalid)
	}
	if s.TickIntervalMs <= 0 {
		return fmt.Errorf("%w: server.tick_interval_ms must be > 0", ErrInvalid)
	}
	if s.WarningLeadTimeMs < 0 {
		return fmt.Errorf("%w: server.warning_lead_time_ms must be >= 0", ErrInvalid)
	}
	if s.WarningPulseTimeMs <= 0 {
		return fmt.Errorf("%w: server.warning_pulse_time_ms must be > 0", ErrInvalid)
	}
	if s.DiscoveryUDPPort < 0 || s.DiscoveryUDPPort > 65535 {
		return fmt.Errorf("%w: server.discovery_udp_port out of range", ErrInvalid)
	}
	return nil
}

func validateClient(c ClientConfig) error {
	if c.PollIntervalMs <= 0 || c.PollTimeoutMs <= 0 {
		return fmt.Errorf("%w: client poll interval and timeout must be > 0", ErrInvalid)
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("%w: client.failure_threshold must be >= 1", ErrInvalid)
	}
	if c.SmoothingAlpha <= 0 || c.SmoothingAlpha > 1 {
		return fmt.Errorf("%w: client.smoothing_alpha must be in (0,1]", ErrInvalid)
	}
	if c.OutlierRTTMultiplier <= 1 {
		return fmt.Errorf("%w: client.outlier_rtt_multiplier must be > 1", ErrInvalid)
	}
	switch c.CacheBackend {
	case CacheBackendFile, CacheBackendBolt:
	default:
		return fmt.Errorf("%w: client.cache_backend %q", ErrInvalid, c.CacheBackend)
	}

	d := c.Discovery
	if d.SweepPrefix < 8 || d.SweepPrefix > 30 {
		return fmt.Errorf("%w: client.discovery.sweep_prefix %d outside [8,30]", ErrInvalid, d.SweepPrefix)
	}
	if d.SweepCIDR != "" {
		prefix, err := netip.ParsePrefix(d.SweepCIDR)
		if err != nil || !prefix.Addr().Is4() {
			return fmt.Errorf("%w: client.discovery.sweep_cidr %q", ErrInvalid, d.SweepCIDR)
		}
	}
	if d.SweepWorkers < 1 || d.SweepMaxHosts < 1 {
		return fmt.Errorf("%w: client.discovery sweep workers and max hosts must be >= 1", ErrInvalid)
	}
	for name, v := range map[string]int{
		"local_timeout_ms":     d.LocalTimeoutMs,
		"cache_timeout_ms":     d.CacheTimeoutMs,
		"mdns_timeout_ms":      d.MDNSTimeoutMs,
		"broadcast_timeout_ms": d.BroadcastTimeoutMs,
		"sweep_timeout_ms":     d.SweepTimeoutMs,
	} {
		if v <= 0 {
			return fmt.Errorf("%w: client.discovery.%s must be > 0", ErrInvalid, name)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}

	if s := cfg.Server; s != nil {
		if s.Listen == "" {
			s.Listen = DefaultListen
		}
		if s.SourceLabel == "" {
			s.SourceLabel = DefaultSourceLabel
		}
		if s.TickIntervalMs == 0 {
			s.TickIntervalMs = DefaultTickIntervalMs
		}
		if s.StreamIntervalMs == 0 {
			s.StreamIntervalMs = DefaultStreamIntervalMs
		}
		if s.WarningPulseTimeMs == 0 {
			s.WarningPulseTimeMs = DefaultPulseTimeMs
		}
		if s.DiscoveryEnabled == nil {
			s.DiscoveryEnabled = boolPtr(true)
		}
		if s.DiscoveryUDPPort == 0 {
			s.DiscoveryUDPPort = DefaultPort
		}
		if s.MDNSEnabled == nil {
			s.MDNSEnabled = boolPtr(true)
		}
		if s.MDNSInstance == "" {
			s.MDNSInstance = DefaultMDNSInstance
		}
	}

	if c := cfg.Client; c != nil {
		if c.PollIntervalMs == 0 {
			c.PollIntervalMs = DefaultPollIntervalMs
		}
		if c.PollTimeoutMs == 0 {
			c.PollTimeoutMs = DefaultPollTimeoutMs
		}
		if c.FailureThreshold == 0 {
			c.FailureThreshold = DefaultFailureThreshold
		}
		if c.OutlierRTTMultiplier == 0 {
			c.OutlierRTTMultiplier = DefaultOutlierRTTMultiplier
		}
		if c.SmoothingAlpha == 0 {
			c.SmoothingAlpha = DefaultSmoothingAlpha
		}
		if c.RediscoverBackoffMs == 0 {
			c.RediscoverBackoffMs = DefaultRediscoverBackoffMs
		}
		if c.StatusIntervalMs == 0 {
			c.StatusIntervalMs = DefaultStatusIntervalMs
		}
		if c.CacheBackend == "" {
			c.CacheBackend = DefaultCacheBackend
		}
		if c.CachePath == "" {
			c.CachePath = DefaultCachePath(c.CacheBackend)
		}
		applyDiscoveryDefaults(&c.Discovery)
	}
}

func applyDiscoveryDefaults(d *DiscoveryConfig) {
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.DiscoveryPort == 0 {
		d.DiscoveryPort = DefaultPort
	}
	if d.LocalTimeoutMs == 0 {
		d.LocalTimeoutMs = DefaultLocalTimeoutMs
	}
	if d.CacheTimeoutMs == 0 {
		d.CacheTimeoutMs = DefaultCacheTimeoutMs
	}
	if d.MDNSTimeoutMs == 0 {
		d.MDNSTimeoutMs = DefaultMDNSTimeoutMs
	}
	if d.BroadcastTimeoutMs == 0 {
		d.BroadcastTimeoutMs = DefaultBroadcastTimeoutMs
	}
	if d.BroadcastAddress == "" {
		d.BroadcastAddress = DefaultBroadcastAddress
	}
	if d.SweepTimeoutMs == 0 {
		d.SweepTimeoutMs = DefaultSweepTimeoutMs
	}
	if d.SweepPrefix == 0 {
		d.SweepPrefix = DefaultSweepPrefix
	}
	if d.SweepMaxHosts == 0 {
		d.SweepMaxHosts = DefaultSweepMaxHosts
	}
	if d.SweepWorkers == 0 {
		d.SweepWorkers = DefaultSweepWorkers
	}
}

// DefaultCachePath returns the per-user discovery cache location for a backend.
func DefaultCachePath(backend string) string {
	name := "discovery_cache.yaml"
	if backend == CacheBackendBolt {
		name = "discovery_cache.db"
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), ".betterclock_time", name)
	}
	return filepath.Join(home, ".betterclock_time", name)
}

// Enabled reports a tri-state flag, treating unset as true.
func Enabled(v *bool) bool {
	return v == nil || *v
}

func boolPtr(v bool) *bool {
	return &v
}
