// Package config loads podium's YAML configuration and applies environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/daviddao/podium/pkg/cache"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultDir holds podium's local state.
	DefaultDir = ".podium"
	// DefaultFile is read when no config path is given.
	DefaultFile = DefaultDir + "/podium.yaml"
)

// Environment variables that override file settings.
const (
	EnvConfig      = "PODIUM_CONFIG"
	EnvStore       = "PODIUM_STORE"
	EnvStorePath   = "PODIUM_STORE_PATH"
	EnvReplicas    = "PODIUM_REPLICAS"
	EnvParticipant = "PODIUM_PARTICIPANT"
	EnvLogLevel    = "PODIUM_LOG_LEVEL"
)

var validate = validator.New()

// Config is the full process configuration.
type Config struct {
	Store StoreConfig `yaml:"store"`
	// Replicas are SQLite event-log paths. All are queried and written in
	// parallel.
	Replicas []string `yaml:"replicas" validate:"dive,required"`
	// ReplicaRateLimit caps subscriptions per second across replicas; zero
	// means unlimited.
	ReplicaRateLimit float64 `yaml:"replica_rate_limit" validate:"gte=0"`
	// Participant is the local identity used for joins and private entries.
	Participant string `yaml:"participant"`

	TTL            TTLConfig       `yaml:"ttl"`
	Timeouts       TimeoutConfig   `yaml:"timeouts"`
	MetadataDelays []time.Duration `yaml:"metadata_delays" validate:"max=8,dive,gt=0"`
	WatchInterval  time.Duration   `yaml:"watch_interval" validate:"gt=0"`
	// CacheMaxEntries bounds the volatile cache tier; zero disables pruning.
	CacheMaxEntries int    `yaml:"cache_max_entries" validate:"gte=0"`
	TieBreak        string `yaml:"tie_break" validate:"omitempty,oneof=input earliest_activity participant_id"`

	Listen   string `yaml:"listen" validate:"required"`
	LogLevel string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

// StoreConfig selects the durable key-value backend for the cache and the
// freeze archive.
type StoreConfig struct {
	Driver string `yaml:"driver" validate:"oneof=memory sqlite badger"`
	Path   string `yaml:"path" validate:"required_unless=Driver memory"`
}

// TTLConfig sets the lifetime of each cache class.
type TTLConfig struct {
	Metadata           time.Duration `yaml:"metadata" validate:"gt=0"`
	Participants       time.Duration `yaml:"participants" validate:"gt=0"`
	LiveLeaderboard    time.Duration `yaml:"live_leaderboard" validate:"gt=0"`
	Query              time.Duration `yaml:"query" validate:"gt=0"`
	ActiveCompetitions time.Duration `yaml:"active_competitions" validate:"gt=0"`
}

// Classes returns t keyed by cache class.
func (t TTLConfig) Classes() map[cache.Class]time.Duration {
	return map[cache.Class]time.Duration{
		cache.ClassMetadata:           t.Metadata,
		cache.ClassParticipants:       t.Participants,
		cache.ClassLiveLeaderboard:    t.LiveLeaderboard,
		cache.ClassQuery:              t.Query,
		cache.ClassActiveCompetitions: t.ActiveCompetitions,
	}
}

// TimeoutConfig bounds network waits.
type TimeoutConfig struct {
	Subscribe time.Duration `yaml:"subscribe" validate:"gt=0"`
	Metadata  time.Duration `yaml:"metadata" validate:"gt=0"`
	Publish   time.Duration `yaml:"publish" validate:"gt=0"`
}

// Default returns the stock configuration.
func Default() Config {
	ttl := cache.DefaultTTLs()
	return Config{
		Store:    StoreConfig{Driver: "sqlite", Path: filepath.Join(DefaultDir, "cache.db")},
		Replicas: []string{filepath.Join(DefaultDir, "events.db")},
		TTL: TTLConfig{
			Metadata:           ttl[cache.ClassMetadata],
			Participants:       ttl[cache.ClassParticipants],
			LiveLeaderboard:    ttl[cache.ClassLiveLeaderboard],
			Query:              ttl[cache.ClassQuery],
			ActiveCompetitions: ttl[cache.ClassActiveCompetitions],
		},
		Timeouts: TimeoutConfig{
			Subscribe: 2 * time.Second,
			Metadata:  5 * time.Second,
			Publish:   10 * time.Second,
		},
		MetadataDelays:  []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		WatchInterval:   30 * time.Second,
		CacheMaxEntries: 10000,
		TieBreak:        "input",
		Listen:          "127.0.0.1:8740",
		LogLevel:        "info",
	}
}

// Load reads the config file at path, falling back to $PODIUM_CONFIG and
// then DefaultFile. A missing default file is not an error; a missing file
// that was named explicitly is. Environment overrides are applied last and
// the result is validated.
func Load(path string) (Config, error) {
	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if path == "" {
		path = DefaultFile
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment, read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) {
	envOr := func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
	c.Store.Driver = envOr(EnvStore, c.Store.Driver)
	c.Store.Path = envOr(EnvStorePath, c.Store.Path)
	c.Participant = envOr(EnvParticipant, c.Participant)
	c.LogLevel = strings.ToLower(envOr(EnvLogLevel, c.LogLevel))
	if v := getenv(EnvReplicas); v != "" {
		c.Replicas = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				c.Replicas = append(c.Replicas, p)
			}
		}
	}
}

// Validate checks c against its field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	return ParseLevel(c.LogLevel)
}

// ParseLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
