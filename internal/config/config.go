// Package config provides configuration management for the overlay.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete overlay configuration. It is read
// once at startup and never mutated afterwards.
type Config struct {
	MultiUser  bool          `yaml:"multi_user"`
	PadBlocks  int           `yaml:"pad_blocks"`
	ShareLocks bool          `yaml:"share_locks"`
	Quiet      bool          `yaml:"quiet"`
	Dirents    DirentsConfig `yaml:"dirents"`
	Logging    LoggingConfig `yaml:"logging"`
}

// DirentsConfig selects the directory-entry reordering policy.
// Sort and reverse are applied once when a directory is opened;
// shuffling re-randomizes the order on every listing pass.
type DirentsConfig struct {
	Shuffle     bool `yaml:"shuffle"`
	Reverse     bool `yaml:"reverse"`
	Sort        bool `yaml:"sort"`
	SortByCtime bool `yaml:"sort_by_ctime"` // no effect unless sort is enabled
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns a configuration with the stock defaults:
// reversed directory entries, one padding block, single-user mode.
func DefaultConfig() *Config {
	return &Config{
		MultiUser:  false,
		PadBlocks:  1,
		ShareLocks: false,
		Quiet:      false,
		Dirents: DirentsConfig{
			Shuffle:     false,
			Reverse:     true,
			Sort:        false,
			SortByCtime: false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// LoadOrDefault loads configuration from a file, or returns default if file doesn't exist.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}
