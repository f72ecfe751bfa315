package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const envPrefix = "BETTERCLOCK_"

// LoadDotEnv loads key=value pairs from path into the environment.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

// ApplyEnv overrides file values with BETTERCLOCK_* environment variables.
func ApplyEnv(cfg *Config) {
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	if cfg.Server != nil {
		cfg.Server.Listen = getEnv("SERVER_LISTEN", cfg.Server.Listen)
		cfg.Server.AlarmsPath = getEnv("ALARMS_PATH", cfg.Server.AlarmsPath)
		cfg.Server.DiscoveryUDPPort = getEnvAsInt("DISCOVERY_UDP_PORT", cfg.Server.DiscoveryUDPPort)
	}
	if cfg.Client != nil {
		cfg.Client.ClientID = getEnv("CLIENT_ID", cfg.Client.ClientID)
		cfg.Client.Server = getEnv("CLIENT_SERVER", cfg.Client.Server)
		cfg.Client.CachePath = getEnv("CACHE_PATH", cfg.Client.CachePath)
		cfg.Client.PollIntervalMs = getEnvAsInt("POLL_INTERVAL_MS", cfg.Client.PollIntervalMs)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
