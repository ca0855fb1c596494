// Package config loads the YAML configuration file described in
// spec.md §6.5: one api_key, the store path, the round interval, and a
// set of named subgraph sources, each with its entity-to-table mapping.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceConfig is one named subgraph source.
type SourceConfig struct {
	Host        string            `yaml:"host"`
	SubgraphID  string            `yaml:"subgraph_id"`
	Enabled     bool              `yaml:"enabled"`
	LocalCap    int               `yaml:"local_cap"`
	Entities    map[string]string `yaml:"entities"` // entity name -> storage table override ("" keeps the default)
}

// Config is the top-level configuration document.
type Config struct {
	APIKey              string                  `yaml:"api_key"`
	DBPath              string                  `yaml:"db_path"`
	SyncIntervalSeconds int                     `yaml:"sync_interval_seconds"`
	GlobalConcurrency   int                     `yaml:"global_concurrency"`
	RebuildDir          string                  `yaml:"rebuild_dir"`
	ListenAddr          string                  `yaml:"listen_addr"`
	Sources             map[string]SourceConfig `yaml:"sources"`
}

// Load reads and parses path, applying defaults for any zero-value field
// that must not stay zero, per the teacher's ApplyDefaults-on-load pattern.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = "data/polypnl.duckdb"
	}
	if c.SyncIntervalSeconds <= 0 {
		c.SyncIntervalSeconds = 30
	}
	if c.GlobalConcurrency <= 0 {
		c.GlobalConcurrency = 8
	}
	if c.RebuildDir == "" {
		c.RebuildDir = "data/pnl"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8089"
	}
	for name, src := range c.Sources {
		if src.LocalCap <= 0 {
			src.LocalCap = 4
		}
		c.Sources[name] = src
	}
}

// EnabledSources returns only the sources marked enabled, per spec §6.5
// ("Only enabled sources participate").
func (c *Config) EnabledSources() map[string]SourceConfig {
	out := make(map[string]SourceConfig, len(c.Sources))
	for name, src := range c.Sources {
		if src.Enabled {
			out[name] = src
		}
	}
	return out
}
