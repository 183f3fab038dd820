package node

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the per-node configuration stored as node.yaml in the
// basedir. Command-line flags override file values.
type Config struct {
	Listen   string `yaml:"listen"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

const configFile = "node.yaml"

// DefaultConfig returns the configuration a fresh node starts with.
func DefaultConfig() *Config {
	return &Config{
		Listen:   "127.0.0.1:8420",
		LogLevel: "info",
	}
}

// LoadConfig reads basedir/node.yaml.
func LoadConfig(basedir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(basedir, configFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read node config: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse node config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes basedir/node.yaml.
func SaveConfig(basedir string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(basedir, configFile), data, 0600)
}
