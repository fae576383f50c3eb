package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Load reads and parses a configuration from the given YAML file path.
// After parsing, defaults fill in anything the file leaves unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./panoforge.yaml, ~/.panoforge/config.yaml.
// When none exists a default in-memory config is returned.
func LoadDefault() (*Config, error) {
	candidates := []string{"panoforge.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".panoforge", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	cfg := &Config{}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills in data dir, artifact backend and name when unset.
func applyDefaults(cfg *Config) {
	p := &cfg.Pipeline

	if p.Name == "" {
		p.Name = "panoforge"
	}
	if p.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			p.DataDir = filepath.Join(home, ".panoforge")
		} else {
			p.DataDir = ".panoforge"
		}
	}
	if p.Artifacts.Backend == "" {
		p.Artifacts.Backend = "memory"
	}
	if p.Artifacts.MinIO.Region == "" {
		p.Artifacts.MinIO.Region = "us-east-1"
	}
}
