// Package config loads client and relay settings from YAML files with
// environment-variable overrides. Missing files fall back to defaults so
// both binaries run with zero configuration in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Client configures the synchronization client.
type Client struct {
	RelayURL             string `yaml:"relay_url"`
	RequestTimeoutMS     int    `yaml:"request_timeout_ms"`
	QueueLimit           int    `yaml:"queue_limit"`
	AutoReconnect        *bool  `yaml:"auto_reconnect"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	BaseBackoffMS        int    `yaml:"base_backoff_ms"`
	MaxBackoffMS         int    `yaml:"max_backoff_ms"`
	PingIntervalMS       int    `yaml:"ping_interval_ms"`
	LogLevel             string `yaml:"log_level"`
}

// DefaultClient returns the development defaults.
func DefaultClient() *Client {
	auto := true
	return &Client{
		RelayURL:             "ws://localhost:8090/ws",
		RequestTimeoutMS:     10000,
		QueueLimit:           50,
		AutoReconnect:        &auto,
		MaxReconnectAttempts: 5,
		BaseBackoffMS:        1000,
		MaxBackoffMS:         30000,
		PingIntervalMS:       15000,
		LogLevel:             "info",
	}
}

// LoadClient reads path (when non-empty) over the defaults, then applies
// environment overrides.
func LoadClient(path string) (*Client, error) {
	cfg := DefaultClient()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.RelayURL = getEnv("ROOMLINK_RELAY_URL", cfg.RelayURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	return cfg, nil
}

func (c *Client) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

func (c *Client) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMS) * time.Millisecond
}

func (c *Client) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMS) * time.Millisecond
}

func (c *Client) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

// Relay configures the development relay server.
type Relay struct {
	Addr                   string   `yaml:"addr"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
	RoomTTLMinutes         int      `yaml:"room_ttl_minutes"`
	DepartureGraceSeconds  int      `yaml:"departure_grace_seconds"`
	JanitorIntervalSeconds int      `yaml:"janitor_interval_seconds"`
	NATSURL                string   `yaml:"nats_url"`
	LogLevel               string   `yaml:"log_level"`
}

// DefaultRelay returns the development defaults. The NATS bridge stays off
// until a URL is configured.
func DefaultRelay() *Relay {
	return &Relay{
		Addr:                   ":8090",
		AllowedOrigins:         []string{"*"},
		RoomTTLMinutes:         60,
		DepartureGraceSeconds:  30,
		JanitorIntervalSeconds: 30,
		LogLevel:               "info",
	}
}

// LoadRelay reads path (when non-empty) over the defaults, then applies
// environment overrides.
func LoadRelay(path string) (*Relay, error) {
	cfg := DefaultRelay()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.Addr = getEnv("RELAY_ADDR", cfg.Addr)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	if origins := os.Getenv("RELAY_ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}
	cfg.RoomTTLMinutes = getEnvAsInt("RELAY_ROOM_TTL_MINUTES", cfg.RoomTTLMinutes)
	cfg.DepartureGraceSeconds = getEnvAsInt("RELAY_DEPARTURE_GRACE_SECONDS", cfg.DepartureGraceSeconds)
	return cfg, nil
}

func (r *Relay) RoomTTL() time.Duration {
	return time.Duration(r.RoomTTLMinutes) * time.Minute
}

func (r *Relay) DepartureGrace() time.Duration {
	return time.Duration(r.DepartureGraceSeconds) * time.Second
}

func (r *Relay) JanitorInterval() time.Duration {
	return time.Duration(r.JanitorIntervalSeconds) * time.Second
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
