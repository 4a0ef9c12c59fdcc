// Package config loads syncd's configuration via Viper: a TOML file
// (located by upward directory search, same as the teacher's project-config
// discovery) layered under environment variable overrides, unmarshaled into
// a typed Config with mapstructure tags matching the documented surface.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/teranos/syncd/errors"
)

// ServerEntry is one servers[] entry: a configured media-library node.
type ServerEntry struct {
	Name         string `mapstructure:"name"`
	URL          string `mapstructure:"url"`
	APIKey       string `mapstructure:"api_key"`
	Passwordless bool   `mapstructure:"passwordless"`
}

// SyncConfig is the sync{} block: which fields replicate and the worker's
// timing knobs.
type SyncConfig struct {
	PlaybackProgress        bool `mapstructure:"playback_progress"`
	WatchedStatus           bool `mapstructure:"watched_status"`
	Favorites               bool `mapstructure:"favorites"`
	Ratings                 bool `mapstructure:"ratings"`
	Playlists               bool `mapstructure:"playlists"`
	ProgressDebounceSeconds int  `mapstructure:"progress_debounce_seconds"`
	WorkerIntervalSeconds   int  `mapstructure:"worker_interval_seconds"`
	MaxRetries              int  `mapstructure:"max_retries"`
}

// PathSyncPolicy is one path_sync_policy[] entry consumed by the Policy
// Engine.
type PathSyncPolicy struct {
	Prefix            string `mapstructure:"prefix"`
	AbsentRetryCount  int    `mapstructure:"absent_retry_count"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerBindConfig configures the HTTP listener.
type ServerBindConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// Config is syncd's full configuration surface (spec §6).
type Config struct {
	Servers        []ServerEntry    `mapstructure:"servers"`
	Sync           SyncConfig       `mapstructure:"sync"`
	PathSyncPolicy []PathSyncPolicy `mapstructure:"path_sync_policy"`
	Database       DatabaseConfig   `mapstructure:"database"`
	Server         ServerBindConfig `mapstructure:"server"`
	Logging        LoggingConfig    `mapstructure:"logging"`
}

var globalConfig *Config

// Load reads syncd's configuration the standard way: project config file
// (searched for upward from the working directory) overridden by
// SYNCD_-prefixed environment variables. Subsequent calls return the
// cached result; use Reset in tests that need a fresh load.
func Load() (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}
	v := initViper()
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	globalConfig = &cfg
	return globalConfig, nil
}

// LoadWithViper unmarshals from a caller-provided Viper instance, bypassing
// file discovery entirely (used by tests to load from an isolated instance
// with only SetDefaults and explicit Set calls applied).
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from one explicit TOML path, ignoring
// environment variables and upward search (used by the CLI's --config flag).
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrapf(err, "config: unmarshal %s", path)
	}
	return &cfg, nil
}

// Reset clears the cached configuration. Intended for tests.
func Reset() {
	globalConfig = nil
}

// SetDefaults installs every documented default onto v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "syncd.db")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8420)
	v.SetDefault("logging.level", "info")

	v.SetDefault("sync.playback_progress", true)
	v.SetDefault("sync.watched_status", true)
	v.SetDefault("sync.favorites", true)
	v.SetDefault("sync.ratings", true)
	v.SetDefault("sync.playlists", false)
	v.SetDefault("sync.progress_debounce_seconds", 30)
	v.SetDefault("sync.worker_interval_seconds", 5)
	v.SetDefault("sync.max_retries", 5)
}

func initViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("SYNCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path := findProjectConfig(); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		_ = v.ReadInConfig() // malformed project config falls back to defaults + env
	}

	return v
}

// Default returns a Config populated with every documented default and no
// servers, suitable as the starting point for WriteDefault.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshal never fails against the defaults this package itself sets.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// WriteDefault renders cfg as TOML and writes it to path, refusing to
// overwrite an existing file (used by the CLI's "config init" command to
// scaffold a starting syncd.toml).
func WriteDefault(path string, cfg Config) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config: %s already exists", path)
	}

	buf := &strings.Builder{}
	if err := toml.NewEncoder(buf).Encode(cfg); err != nil {
		return errors.Wrap(err, "config: encode default")
	}
	if err := os.WriteFile(path, []byte(buf.String()), 0o644); err != nil {
		return errors.Wrapf(err, "config: write %s", path)
	}
	return nil
}

// findProjectConfig walks up from the working directory looking for
// syncd.toml, same technique the teacher uses for its own project config
// discovery.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, "syncd.toml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
