package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	User      UserConfig      `yaml:"user"`
	Data      DataConfig      `yaml:"data"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type RelayConfig struct {
	// URL is the websocket base URL of the room relay, e.g. "wss://collab.example.com".
	URL string `yaml:"url"`
	// Listen is the bind address when running the relay locally ("devcollab relay").
	Listen string `yaml:"listen"`
}

type UserConfig struct {
	Name string `yaml:"name"`
}

type DataConfig struct {
	// Dir holds the local state database and session temp directories.
	Dir string `yaml:"dir"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type TelemetryConfig struct {
	// File is the JSONL event log path. Empty disables telemetry.
	File string `yaml:"file"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Relay:   RelayConfig{URL: "ws://localhost:7430", Listen: ":7430"},
		Data:    DataConfig{Dir: filepath.Join(home, ".devcollab")},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file, falling back to defaults when the
// file does not exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnv overrides config fields with environment variables if present.
func applyEnv(cfg *Config) {
	if url := os.Getenv("DEVCOLLAB_RELAY_URL"); url != "" {
		cfg.Relay.URL = url
	}
	if name := os.Getenv("DEVCOLLAB_USERNAME"); name != "" {
		cfg.User.Name = name
	}
	if dir := os.Getenv("DEVCOLLAB_DATA_DIR"); dir != "" {
		cfg.Data.Dir = dir
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Relay.URL == "" {
		return fmt.Errorf("relay.url is required")
	}
	if c.Data.Dir == "" {
		return fmt.Errorf("data.dir is required")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
