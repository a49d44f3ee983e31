// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blueberrycongee/clinigate/internal/admission"
	"github.com/blueberrycongee/clinigate/internal/cache"
	"github.com/blueberrycongee/clinigate/internal/faults"
	"github.com/blueberrycongee/clinigate/internal/monitor"
	"github.com/blueberrycongee/clinigate/internal/observability"
	"github.com/blueberrycongee/clinigate/internal/provider/httpprovider"
	"github.com/blueberrycongee/clinigate/internal/resilience"
	"github.com/blueberrycongee/clinigate/internal/secret"
	"github.com/blueberrycongee/clinigate/internal/store"
)

// Config represents the complete governance gateway configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	CORS       CORSConfig                  `yaml:"cors"`
	Store      store.Config                `yaml:"store"`
	Provider   httpprovider.Config         `yaml:"provider"`
	Resilience resilience.Config           `yaml:"resilience"`
	Admission  admission.Config            `yaml:"admission"`
	Cache      cache.Config                `yaml:"cache"`
	Monitor    monitor.Config              `yaml:"monitor"`
	Faults     faults.Config               `yaml:"faults"`
	Alerts     AlertsConfig                `yaml:"alerts"`
	Logging    observability.LoggerConfig  `yaml:"logging"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
	Secrets    secret.Config               `yaml:"secrets"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// CORSConfig controls cross-origin access. Governance routes can be restricted to
// operator consoles through GovernanceOrigins; when empty they follow AllowedOrigins.
type CORSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	AllowCredentials  bool          `yaml:"allow_credentials"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
	GovernanceOrigins []string      `yaml:"governance_origins"`
	DeniedOrigins     []string      `yaml:"denied_origins"`
	AllowMethods      []string      `yaml:"allow_methods"`
	AllowHeaders      []string      `yaml:"allow_headers"`
	ExposeHeaders     []string      `yaml:"expose_headers"`
	MaxAge            time.Duration `yaml:"max_age"`
}

// AlertsConfig configures alert delivery beyond the log.
type AlertsConfig struct {
	Slack monitor.SlackConfig `yaml:"slack"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    1 << 20,
		},
		CORS: CORSConfig{
			AllowMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowHeaders: []string{"Content-Type", "X-Request-ID"},
			ExposeHeaders: []string{
				"X-Request-ID", "Retry-After",
				"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset",
				"X-Quota-Limit", "X-Quota-Remaining", "X-Quota-Reset",
			},
			MaxAge: 10 * time.Minute,
		},
		Store:      store.DefaultConfig(),
		Provider:   httpprovider.DefaultConfig(),
		Resilience: resilience.DefaultConfig(),
		Admission:  admission.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Monitor:    monitor.DefaultConfig(),
		Faults:     faults.DefaultConfig(),
		Alerts: AlertsConfig{
			Slack: monitor.DefaultSlackConfig(),
		},
		Logging: observability.DefaultLoggerConfig(),
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: observability.DefaultTracingConfig(),
		Secrets: secret.DefaultConfig(),
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
// Map entries such as admission.task_per_minute are merged with the defaults.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.MaxBodyBytes < 0 {
		return fmt.Errorf("server.max_body_bytes cannot be negative")
	}

	if c.CORS.Enabled && c.CORS.AllowCredentials && slices.Contains(c.CORS.AllowedOrigins, "*") {
		return fmt.Errorf("cors: wildcard origin cannot be combined with credentials")
	}

	switch c.Store.Type {
	case "", "memory", "redis", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}

	return errors.Join(
		c.Provider.Validate(),
		c.Resilience.Validate(),
		c.Admission.Validate(),
		c.Cache.Validate(),
		c.Monitor.Validate(),
		c.Faults.Validate(),
	)
}
