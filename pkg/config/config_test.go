package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/daviddao/podium/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "podium.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cache.DefaultTTLs(), cfg.TTL.Classes())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, cfg.MetadataDelays)
}

func TestLoadFile(t *testing.T) {
	t.Setenv(EnvConfig, "")
	path := writeFile(t, `
store:
  driver: badger
  path: /var/lib/podium/badger
replicas: [a.db, b.db]
ttl:
  live_leaderboard: 30s
metadata_delays: [100ms, 200ms]
tie_break: participant_id
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.Equal(t, []string{"a.db", "b.db"}, cfg.Replicas)
	assert.Equal(t, 30*time.Second, cfg.TTL.LiveLeaderboard)
	assert.Equal(t, 6*time.Hour, cfg.TTL.Metadata, "unset fields keep defaults")
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, cfg.MetadataDelays)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err, "a missing default file is fine")
	assert.Equal(t, "sqlite", cfg.Store.Driver)

	_, err = Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	path := writeFile(t, "store:\n  driver: sqlite\n  path: file.db\n")
	t.Setenv(EnvConfig, path)
	t.Setenv(EnvStore, "memory")
	t.Setenv(EnvReplicas, " one.db, ,two.db ")
	t.Setenv(EnvParticipant, "npub-alice")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Driver)
	assert.Equal(t, "file.db", cfg.Store.Path)
	assert.Equal(t, []string{"one.db", "two.db"}, cfg.Replicas)
	assert.Equal(t, "npub-alice", cfg.Participant)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "postgres" }},
		{"sqlite without path", func(c *Config) { c.Store.Path = "" }},
		{"zero ttl", func(c *Config) { c.TTL.Query = 0 }},
		{"negative delay", func(c *Config) { c.MetadataDelays = []time.Duration{-time.Second} }},
		{"unknown tie-break", func(c *Config) { c.TieBreak = "coin_flip" }},
		{"blank replica", func(c *Config) { c.Replicas = []string{""} }},
		{"no listen address", func(c *Config) { c.Listen = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	cfg := Default()
	cfg.Store = StoreConfig{Driver: "memory"}
	assert.NoError(t, cfg.Validate(), "memory needs no path")
}
