// Package config loads the server configuration from YAML with environment
// overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Listen         string   `yaml:"listen"`          // e.g. "127.0.0.1:7070"
	AllowedOrigins []string `yaml:"allowed_origins"` // WebSocket origin patterns
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"` // base64; auto-generated if empty
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LimitsConfig struct {
	MessagesPerSecond float64 `yaml:"messages_per_second"` // per connection
	MessageBurst      int     `yaml:"message_burst"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Listen: "127.0.0.1:7070"},
		Auth:   AuthConfig{TokenTTL: 30 * 24 * time.Hour},
		Limits: LimitsConfig{
			MessagesPerSecond: 200,
			MessageBurst:      400,
		},
		Database: DatabaseConfig{Path: "termspan.db"},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file, filling gaps from Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if secret := os.Getenv("TERMSPAN_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if listen := os.Getenv("TERMSPAN_LISTEN"); listen != "" {
		cfg.Server.Listen = listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Limits.MessagesPerSecond <= 0 {
		return fmt.Errorf("limits.messages_per_second must be positive")
	}
	if c.Limits.MessageBurst <= 0 {
		return fmt.Errorf("limits.message_burst must be positive")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
