// Package config loads service configuration from environment variables
// (ROG_ prefix) with an optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config is the complete service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server" envconfig:"SERVER"`
	Store    StoreConfig    `yaml:"store" envconfig:"STORE"`
	Auth     AuthConfig     `yaml:"auth" envconfig:"AUTH"`
	Validate ValidateConfig `yaml:"validate" envconfig:"VALIDATE"`
	Logging  LoggingConfig  `yaml:"logging" envconfig:"LOGGING"`
	Tracing  TracingConfig  `yaml:"tracing" envconfig:"TRACING"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// StoreConfig selects and configures the key store backend.
type StoreConfig struct {
	// Backend is "firestore" for the managed deployment or "bolt" for a
	// standalone install.
	Backend             string        `yaml:"backend" envconfig:"BACKEND" default:"bolt"`
	BoltPath            string        `yaml:"bolt_path" envconfig:"BOLT_PATH" default:"data/keys.db"`
	FirestoreProject    string        `yaml:"firestore_project" envconfig:"FIRESTORE_PROJECT"`
	FirestoreCollection string        `yaml:"firestore_collection" envconfig:"FIRESTORE_COLLECTION" default:"licenses"`
	CredentialsFile     string        `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
	Timeout             time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"12s"`
}

// AuthConfig configures admin capability verification.
type AuthConfig struct {
	// Mode is "firebase" (dashboard identities) or "static" (pre-shared
	// token, standalone installs).
	Mode       string `yaml:"mode" envconfig:"MODE" default:"static"`
	AdminToken string `yaml:"admin_token" envconfig:"ADMIN_TOKEN"`
}

// ValidateConfig configures the public validation endpoint.
type ValidateConfig struct {
	// APISecret is the optional pre-shared x-api-secret value checked
	// before any store access. Empty disables the check.
	APISecret string  `yaml:"api_secret" envconfig:"API_SECRET"`
	RateRPS   float64 `yaml:"rate_rps" envconfig:"RATE_RPS" default:"5"`
	RateBurst int     `yaml:"rate_burst" envconfig:"RATE_BURST" default:"10"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Output string `yaml:"output" envconfig:"OUTPUT" default:"stdout"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled bool `yaml:"enabled" envconfig:"ENABLED" default:"false"`
}

// Load reads configuration from the optional YAML file named by
// ROG_CONFIG_FILE, then applies environment variables and the built-in
// defaults on top. The environment is the primary mechanism; the file is
// a convenience for settings with no default (credentials, project ids).
func Load() (*Config, error) {
	var cfg Config

	if path := os.Getenv("ROG_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := envconfig.Process("ROG", &cfg); err != nil {
		return nil, fmt.Errorf("load config from env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Backend {
	case "bolt":
		if c.Store.BoltPath == "" {
			return fmt.Errorf("store.bolt_path is required for the bolt backend")
		}
	case "firestore":
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store.firestore_project is required for the firestore backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	switch c.Auth.Mode {
	case "static":
		if c.Auth.AdminToken == "" {
			return fmt.Errorf("auth.admin_token is required in static auth mode")
		}
	case "firebase":
		if c.Store.FirestoreProject == "" {
			return fmt.Errorf("store.firestore_project is required in firebase auth mode")
		}
	default:
		return fmt.Errorf("unknown auth mode %q", c.Auth.Mode)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
