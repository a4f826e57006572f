// Package config loads server settings: defaults, then an optional YAML file,
// then FLOWSYNC_* environment variables (highest precedence). A .env file in
// the working directory is folded into the environment first.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	Addr         string        `yaml:"addr"`
	DatabasePath string        `yaml:"databasePath"`
	Debounce     time.Duration `yaml:"debounce"`
	IdleGrace    time.Duration `yaml:"idleGrace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:         "localhost:8080",
		DatabasePath: "flowsync.sqlite3",
		Debounce:     time.Second,
		IdleGrace:    30 * time.Second,
	}
}

// Load resolves the configuration. path may be empty; a missing .env is not
// an error, a missing explicit config file is.
func Load(path string) (Config, error) {
	_ = godotenv.Load()
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if cfg.Debounce <= 0 || cfg.IdleGrace <= 0 {
		return Config{}, fmt.Errorf("debounce and idleGrace must be positive")
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("FLOWSYNC_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("FLOWSYNC_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("FLOWSYNC_DEBOUNCE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FLOWSYNC_DEBOUNCE: %w", err)
		}
		c.Debounce = d
	}
	if v := os.Getenv("FLOWSYNC_IDLE_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid FLOWSYNC_IDLE_GRACE: %w", err)
		}
		c.IdleGrace = d
	}
	return nil
}
