package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
api_key: secret
sources:
  polymarket:
    host: https://example.org
    subgraph_id: abc
    enabled: true
    entities:
      condition: ""
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.APIKey)
	require.Equal(t, "data/polypnl.duckdb", cfg.DBPath)
	require.Equal(t, 30, cfg.SyncIntervalSeconds)
	require.Equal(t, 8, cfg.GlobalConcurrency)
	require.Equal(t, 4, cfg.Sources["polymarket"].LocalCap)
}

func TestLoadPreservesExplicitValues(t *testing.T) {
	path := writeConfig(t, `
api_key: secret
db_path: custom.duckdb
sync_interval_seconds: 5
global_concurrency: 2
sources:
  polymarket:
    host: https://example.org
    subgraph_id: abc
    enabled: true
    local_cap: 10
    entities: {}
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "custom.duckdb", cfg.DBPath)
	require.Equal(t, 5, cfg.SyncIntervalSeconds)
	require.Equal(t, 2, cfg.GlobalConcurrency)
	require.Equal(t, 10, cfg.Sources["polymarket"].LocalCap)
}

func TestEnabledSourcesFiltersDisabled(t *testing.T) {
	path := writeConfig(t, `
api_key: secret
sources:
  a:
    host: https://a.example
    subgraph_id: a
    enabled: true
  b:
    host: https://b.example
    subgraph_id: b
    enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	enabled := cfg.EnabledSources()
	require.Len(t, enabled, 1)
	_, ok := enabled["a"]
	require.True(t, ok)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.Error(t, err)
}
