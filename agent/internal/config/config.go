// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (SVCMON_AGENT_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	endpoint:
//	  name: Sales
//	  host: web-01
//
//	transport:
//	  redis_url: redis://queue.internal:6379/0
//	  heartbeat_queue: heartbeats
//
//	heartbeat:
//	  interval: 10s
//	  send_timeout: 5s
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Transport TransportConfig `yaml:"transport"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
}

// EndpointConfig identifies the endpoint instance the agent reports for.
type EndpointConfig struct {
	Name string `yaml:"name"` // Logical endpoint name
	Host string `yaml:"host"` // Defaults to the machine hostname

	// HostID overrides the machine id reported by the OS.
	HostID string `yaml:"host_id,omitempty"`
}

// TransportConfig defines where heartbeats are sent.
type TransportConfig struct {
	RedisURL       string `yaml:"redis_url"`
	HeartbeatQueue string `yaml:"heartbeat_queue"`
}

// HeartbeatConfig defines heartbeat timing.
type HeartbeatConfig struct {
	Interval    time.Duration `yaml:"interval"`
	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			RedisURL:       "redis://localhost:6379/0",
			HeartbeatQueue: "heartbeats",
		},
		Heartbeat: HeartbeatConfig{
			Interval:    10 * time.Second,
			SendTimeout: 5 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Endpoint.Name == "" {
		return fmt.Errorf("endpoint.name is required")
	}
	if c.Transport.RedisURL == "" {
		return fmt.Errorf("transport.redis_url is required")
	}
	if c.Transport.HeartbeatQueue == "" {
		return fmt.Errorf("transport.heartbeat_queue is required")
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive, got %s", c.Heartbeat.Interval)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use SVCMON_AGENT_ prefix:
// - SVCMON_AGENT_ENDPOINT_NAME
// - SVCMON_AGENT_HOST
// - SVCMON_AGENT_HOST_ID
// - SVCMON_AGENT_REDIS_URL
// - SVCMON_AGENT_HEARTBEAT_QUEUE
// - SVCMON_AGENT_HEARTBEAT_INTERVAL (Go duration, e.g. "15s")
//
// Invalid durations are returned as errors rather than ignored.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("SVCMON_AGENT_ENDPOINT_NAME"); v != "" {
		c.Endpoint.Name = v
	}
	if v := os.Getenv("SVCMON_AGENT_HOST"); v != "" {
		c.Endpoint.Host = v
	}
	if v := os.Getenv("SVCMON_AGENT_HOST_ID"); v != "" {
		c.Endpoint.HostID = v
	}
	if v := os.Getenv("SVCMON_AGENT_REDIS_URL"); v != "" {
		c.Transport.RedisURL = v
	}
	if v := os.Getenv("SVCMON_AGENT_HEARTBEAT_QUEUE"); v != "" {
		c.Transport.HeartbeatQueue = v
	}
	if v := os.Getenv("SVCMON_AGENT_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SVCMON_AGENT_HEARTBEAT_INTERVAL: %w", err)
		}
		c.Heartbeat.Interval = d
	}
	return nil
}
