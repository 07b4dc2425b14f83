// Package config loads the gateway configuration from defaults, an
// optional YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lemonhall/ai-gateway/internal/middleware"
	"github.com/lemonhall/ai-gateway/internal/registry"
	"github.com/lemonhall/ai-gateway/internal/server"
	"github.com/lemonhall/ai-gateway/internal/status"
)

// Config is the complete application configuration.
type Config struct {
	Server     server.Config               `yaml:"server"`
	Gateway    GatewayConfig               `yaml:"gateway"`
	Providers  []registry.Provider         `yaml:"providers"`
	Logging    LoggingConfig               `yaml:"logging"`
	Monitor    MonitorConfig               `yaml:"monitor"`
	Validation middleware.ValidationConfig `yaml:"validation"`
}

// GatewayConfig holds the probe and forward timing parameters.
type GatewayConfig struct {
	ProbeInterval      time.Duration `yaml:"probe_interval"`
	ProbeErrorInterval time.Duration `yaml:"probe_error_interval"`
	ProbeTimeout       time.Duration `yaml:"probe_timeout"`
	ForwardTimeout     time.Duration `yaml:"forward_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// MonitorConfig holds the optional status sinks.
type MonitorConfig struct {
	MQTT    status.Config `yaml:"mqtt"`
	History HistoryConfig `yaml:"history"`
}

// HistoryConfig configures the embedded probe-history store.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}
	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values.
func (c *Config) setDefaults() {
	c.Server = server.Config{
		Host:           "0.0.0.0",
		Port:           "8000",
		ReadTimeout:    30 * time.Second,
		MaxHeaderBytes: 1 << 20,
		MaxRequestSize: 10 << 20,
	}

	c.Gateway = GatewayConfig{
		ProbeInterval:      5 * time.Minute,
		ProbeErrorInterval: time.Minute,
		ProbeTimeout:       10 * time.Second,
		ForwardTimeout:     30 * time.Second,
	}

	c.Providers = registry.Defaults()

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Monitor = MonitorConfig{
		MQTT: status.Config{
			Enabled:  false,
			ClientID: "ai-gateway",
			Topic:    "api_status",
		},
		History: HistoryConfig{
			Enabled: false,
			Path:    "probe_history.db",
		},
	}

	c.Validation = middleware.ValidationConfig{Enabled: true}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables.
func (c *Config) loadFromEnv() {
	if port := os.Getenv("AI_GATEWAY_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("AI_GATEWAY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("AI_GATEWAY_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if interval := os.Getenv("AI_GATEWAY_PROBE_INTERVAL"); interval != "" {
		if parsed, err := time.ParseDuration(interval); err == nil && parsed > 0 {
			c.Gateway.ProbeInterval = parsed
		}
	}
}

// validate validates the configuration.
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be declared")
	}

	if c.Monitor.MQTT.Enabled && c.Monitor.MQTT.Broker == "" {
		return fmt.Errorf("mqtt broker cannot be empty when mqtt is enabled")
	}

	if c.Monitor.History.Enabled && c.Monitor.History.Path == "" {
		return fmt.Errorf("history path cannot be empty when history is enabled")
	}

	_, err := registry.New(c.Providers)
	return err
}

// Registry builds the provider registry from the declared providers.
func (c *Config) Registry() (*registry.Registry, error) {
	return registry.New(c.Providers)
}
