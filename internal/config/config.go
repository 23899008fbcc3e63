// Package config provides centralized configuration for the festipay
// client daemon. All tunables (server endpoint, sync cadence, retention)
// are defined here; no hardcoded values should exist elsewhere.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names. HMAC_DEVICE_KEY is provisioned out of band
// and mandatory for creating payments.
const (
	EnvDeviceKey   = "HMAC_DEVICE_KEY"
	EnvBaseURL     = "SYNC_BASE_URL"
	EnvBatchSize   = "SYNC_BATCH_SIZE"
	EnvHeartbeatMS = "SYNC_HEARTBEAT_MS"
	EnvMaxInFlight = "SYNC_MAX_IN_FLIGHT"
)

// Config holds all configuration for the client daemon.
type Config struct {
	// Device identity
	Device DeviceConfig `yaml:"device"`

	// Server endpoints
	Server ServerConfig `yaml:"server"`

	// Sync queue tuning
	Sync SyncConfig `yaml:"sync"`

	// Storage
	Storage StorageConfig `yaml:"storage"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// API is the local control API settings.
	API APIConfig `yaml:"api"`
}

// DeviceConfig holds device identity settings.
type DeviceConfig struct {
	// ID identifies this device in idempotency keys. Generated on first
	// run when empty.
	ID string `yaml:"id"`

	// FestivalID scopes catalogue hydration.
	FestivalID string `yaml:"festival_id"`
}

// ServerConfig holds server endpoint settings.
type ServerConfig struct {
	// BaseURL is the authoritative server, e.g. https://api.festipay.example
	BaseURL string `yaml:"base_url"`

	// PushURL is the websocket push channel. Derived from BaseURL when
	// empty.
	PushURL string `yaml:"push_url"`
}

// SyncConfig holds sync queue tuning.
type SyncConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	Heartbeat      time.Duration `yaml:"heartbeat"`
	MaxInFlight    int           `yaml:"max_in_flight"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
	Retention      time.Duration `yaml:"retention"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// APIConfig holds the local control API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL: "http://localhost:8080",
		},
		Sync: SyncConfig{
			BatchSize:      20,
			Heartbeat:      15 * time.Second,
			MaxInFlight:    4,
			AttemptTimeout: 30 * time.Second,
			Retention:      7 * 24 * time.Hour,
		},
		Storage: StorageConfig{
			DataDir: "~/.festipay",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		API: APIConfig{
			ListenAddr: "127.0.0.1:7450",
		},
	}
}

// ConfigPath returns the config file path inside a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, "config.yaml")
}

// Load reads the config file from the data directory, creating it with
// defaults when missing, then applies environment overrides.
func Load(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	cfg := Default()
	cfg.Storage.DataDir = dataDir

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// First run: persist the defaults so operators can edit them
		if err := Save(cfg, dataDir); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// Save writes the config file into the data directory.
func Save(cfg *Config, dataDir string) error {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(dataDir), data, 0600)
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvBaseURL); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv(EnvBatchSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.BatchSize = n
		}
	}
	if v := os.Getenv(EnvHeartbeatMS); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			c.Sync.Heartbeat = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv(EnvMaxInFlight); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Sync.MaxInFlight = n
		}
	}
}

// DeviceKey returns the HMAC device key from the environment. An empty
// slice means the device is not provisioned.
func DeviceKey() []byte {
	v := os.Getenv(EnvDeviceKey)
	if v == "" {
		return nil
	}
	return []byte(v)
}

// PushURL returns the push channel endpoint, deriving a ws:// URL from the
// base URL when not explicitly configured.
func (c *Config) PushURL() string {
	if c.Server.PushURL != "" {
		return c.Server.PushURL
	}
	base := c.Server.BaseURL
	switch {
	case len(base) > 8 && base[:8] == "https://":
		return "wss://" + base[8:] + "/api/v1/push"
	case len(base) > 7 && base[:7] == "http://":
		return "ws://" + base[7:] + "/api/v1/push"
	default:
		return base + "/api/v1/push"
	}
}
