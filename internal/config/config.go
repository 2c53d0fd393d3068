// Package config loads the bridge configuration from a YAML file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration. Zero values fall back to defaults.
type Config struct {
	// Listen is the HTTP listen address, e.g. ":8317".
	Listen string `yaml:"listen"`

	// AccountsFile is the path of the versioned account storage file.
	AccountsFile string `yaml:"accounts-file"`

	LogLevel string `yaml:"log-level"`
	LogFile  string `yaml:"log-file"`

	// MaxRetries bounds account rotations per request.
	MaxRetries int `yaml:"max-retries"`

	// WaitOnRateLimit makes requests wait for the nearest rate-limit reset
	// instead of failing with 429 when every account is limited.
	WaitOnRateLimit bool `yaml:"wait-on-rate-limit"`
}

func defaults() *Config {
	return &Config{
		Listen:       ":8317",
		AccountsFile: "accounts.json",
		LogLevel:     "info",
		MaxRetries:   3,
	}
}

// Load reads the config file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := defaults()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8317"
	}
	if cfg.AccountsFile == "" {
		cfg.AccountsFile = "accounts.json"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return cfg, nil
}
