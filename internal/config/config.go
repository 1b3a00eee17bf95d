// Package config loads securegate's server configuration from YAML with
// environment-variable overrides.
package config

import (
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// Config is the top-level configuration for a securegate server process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Handshake HandshakeConfig `yaml:"handshake"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig controls the listening socket and worker pool.
type ServerConfig struct {
	Port          int `yaml:"port"`
	WorkerCount   int `yaml:"worker_count"`
	RingBufferLen int `yaml:"ring_buffer_len"`
	Backlog       int `yaml:"backlog"`
}

// HandshakeConfig holds handshake timeout and retry settings. No component
// reads them: a handshake has no timeout, and a failed handshake step is
// redriven from Fresh without a retry limit (see gateway.Context).
type HandshakeConfig struct {
	TimeoutSec    int `yaml:"timeout_sec"`
	MaxRetries    int `yaml:"max_retries"`
}

// LoggingConfig controls the bounded-history structured logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	HistorySize int   `yaml:"history_size"`
}

// MetricsConfig controls the Prometheus HTTP exposition endpoint.
type MetricsConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          8000,
			WorkerCount:   0, // 0 means "let workerpool pick a default"
			RingBufferLen: 1024,
			Backlog:       10,
		},
		Handshake: HandshakeConfig{
			TimeoutSec: 10,
			MaxRetries: 3,
		},
		Logging: LoggingConfig{
			Level:       "info",
			HistorySize: 100,
		},
		Metrics: MetricsConfig{
			Addr:    ":9090",
			Enabled: true,
		},
	}
}

// Load reads a YAML config file and layers it over Default(), then applies
// environment-variable overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := getEnvInt("SECUREGATE_PORT", 0); v > 0 {
		c.Server.Port = v
	}
	if v := getEnvInt("SECUREGATE_WORKERS", 0); v > 0 {
		c.Server.WorkerCount = v
	}
	if v := getEnvInt("SECUREGATE_RING_BUFFER_LEN", 0); v > 0 {
		c.Server.RingBufferLen = v
	}
	if v := os.Getenv("SECUREGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("SECUREGATE_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
