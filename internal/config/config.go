// Package config loads the router configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Database DatabaseConfig `yaml:"database"`
	Router   RouterConfig   `yaml:"router"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	RateLimitPerSec   int    `yaml:"rate_limit_per_sec"`
	RateLimitBurst    int    `yaml:"rate_limit_burst"`
	ShutdownTimeoutMS int    `yaml:"shutdown_timeout_ms"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// DatabaseConfig selects the storage backend. Driver is "memory" or
// "postgres".
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// RouterConfig carries the deployment identity used for signature domain
// separation and the root owner account.
type RouterConfig struct {
	ChainID   string `yaml:"chain_id"`
	RouterID  string `yaml:"router_id"`
	Owner     string `yaml:"owner"`
	JWTSecret string `yaml:"jwt_secret"`
	AuditFile string `yaml:"audit_file"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			RateLimitPerSec:   50,
			RateLimitBurst:    100,
			ShutdownTimeoutMS: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Database: DatabaseConfig{
			Driver: "memory",
		},
		Router: RouterConfig{
			ChainID:  "local-priv",
			RouterID: "extension-router",
		},
	}
}

// Load reads the configuration from CONFIG_PATH (default config/router.yaml
// when present) and applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	path := os.Getenv("CONFIG_PATH")
	explicit := path != ""
	if path == "" {
		path = "config/router.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Defaults plus environment are enough for local runs.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("ROUTER_CHAIN_ID"); v != "" {
		cfg.Router.ChainID = v
	}
	if v := os.Getenv("ROUTER_ID"); v != "" {
		cfg.Router.RouterID = v
	}
	if v := os.Getenv("ROUTER_OWNER"); v != "" {
		cfg.Router.Owner = v
	}
	if v := os.Getenv("ROUTER_JWT_SECRET"); v != "" {
		cfg.Router.JWTSecret = v
	}
	if v := os.Getenv("ROUTER_AUDIT_FILE"); v != "" {
		cfg.Router.AuditFile = v
	}
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("postgres driver requires a dsn")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if strings.TrimSpace(c.Router.ChainID) == "" {
		return fmt.Errorf("router chain_id is required")
	}
	if strings.TrimSpace(c.Router.RouterID) == "" {
		return fmt.Errorf("router router_id is required")
	}
	if c.Router.Owner != "" && strings.TrimSpace(c.Router.JWTSecret) == "" {
		return fmt.Errorf("router owner is set but jwt_secret is empty; direct-caller identity would be forgeable")
	}
	return nil
}
