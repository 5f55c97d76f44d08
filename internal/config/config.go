// Package config loads apsync settings from a TOML file, APSYNC_* environment
// variables and command-line flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// APSYNC_CACHE_BACKEND.
const EnvPrefix = "APSYNC"

// Config holds every tunable of a sync session.
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache" toml:"cache"`
	Pipeline PipelineConfig `mapstructure:"pipeline" toml:"pipeline"`
	Prefetch PrefetchConfig `mapstructure:"prefetch" toml:"prefetch"`
	Keys     KeysConfig     `mapstructure:"keys" toml:"keys"`
	Log      LogConfig      `mapstructure:"log" toml:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics" toml:"metrics"`
}

// CacheConfig selects the persistence backend and the flush policy.
type CacheConfig struct {
	Backend                  string        `mapstructure:"backend" toml:"backend"` // "sqlite", "leveldb", "memory"
	Path                     string        `mapstructure:"path" toml:"path"`
	TableLimit               int           `mapstructure:"table_limit" toml:"table_limit"`
	// BusyLimit starts a flush on its own, so it may sit above or below TableLimit.
	BusyLimit                int           `mapstructure:"busy_limit" toml:"busy_limit"`
	RetryInitial             time.Duration `mapstructure:"retry_initial" toml:"retry_initial"`
	RetryMax                 time.Duration `mapstructure:"retry_max" toml:"retry_max"`
	DisableBackpressureAfter int           `mapstructure:"disable_backpressure_after" toml:"disable_backpressure_after"`
	ReloadAfter              int           `mapstructure:"reload_after" toml:"reload_after"`
	CrashAfter               int           `mapstructure:"crash_after" toml:"crash_after"`
}

// PipelineConfig tunes the sequencer and the decryption pool.
type PipelineConfig struct {
	Workers     int           `mapstructure:"workers" toml:"workers"`
	Burst       time.Duration `mapstructure:"burst" toml:"burst"`
	BusyBackoff time.Duration `mapstructure:"busy_backoff" toml:"busy_backoff"`
	// SchemaDir replaces the embedded payload definitions with the CUE
	// package in this directory.
	SchemaDir string `mapstructure:"schema_dir" toml:"schema_dir"`
}

// PrefetchConfig tunes the dependency prefetch scheduler.
type PrefetchConfig struct {
	Window      time.Duration `mapstructure:"window" toml:"window"`
	BatchSize   int           `mapstructure:"batch_size" toml:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts" toml:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout" toml:"timeout"`
}

// KeysConfig points at key material. CacheKey is the file holding the
// cache master key; Ring is a JSON object of owner handle to base64url key.
type KeysConfig struct {
	CacheKey string `mapstructure:"cache_key" toml:"cache_key"`
	Ring     string `mapstructure:"ring" toml:"ring"`
}

// LogConfig configures slog output.
type LogConfig struct {
	Level  string `mapstructure:"level" toml:"level"`   // "debug", "info", "warn", "error"
	Format string `mapstructure:"format" toml:"format"` // "text", "json"
	// File routes logs to a rotated file instead of stderr.
	File       string `mapstructure:"file" toml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups"`
}

// MetricsConfig configures the prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" toml:"addr"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			Backend:                  "sqlite",
			Path:                     "apsync.db",
			TableLimit:               1000,
			BusyLimit:                20000,
			RetryInitial:             50 * time.Millisecond,
			RetryMax:                 5 * time.Second,
			DisableBackpressureAfter: 3,
			ReloadAfter:              6,
			CrashAfter:               9,
		},
		Pipeline: PipelineConfig{
			Workers:     4,
			Burst:       200 * time.Millisecond,
			BusyBackoff: 50 * time.Millisecond,
		},
		Prefetch: PrefetchConfig{
			Window:      90 * time.Millisecond,
			BatchSize:   8192,
			MaxAttempts: 3,
			Timeout:     30 * time.Second,
		},
		Keys: KeysConfig{
			CacheKey: "cache.key",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// flagKeys maps command-line flag names to config keys.
var flagKeys = map[string]string{
	"backend":      "cache.backend",
	"db":           "cache.path",
	"workers":      "pipeline.workers",
	"cache-key":    "keys.cache_key",
	"keyring":      "keys.ring",
	"log-level":    "log.level",
	"log-file":     "log.file",
	"metrics-addr": "metrics.addr",
}

// Load builds the configuration. file may be empty, in which case
// apsync.toml is looked up in the working directory and $HOME/.config/apsync
// and skipped if absent. flags may be nil; only flags the user set override
// the file and the environment.
func Load(file string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetConfigType("toml")
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("apsync")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/apsync")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil || !f.Changed {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setDefaults registers every field of d so that AutomaticEnv can see keys
// the file does not mention.
func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("cache.backend", d.Cache.Backend)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("cache.table_limit", d.Cache.TableLimit)
	v.SetDefault("cache.busy_limit", d.Cache.BusyLimit)
	v.SetDefault("cache.retry_initial", d.Cache.RetryInitial)
	v.SetDefault("cache.retry_max", d.Cache.RetryMax)
	v.SetDefault("cache.disable_backpressure_after", d.Cache.DisableBackpressureAfter)
	v.SetDefault("cache.reload_after", d.Cache.ReloadAfter)
	v.SetDefault("cache.crash_after", d.Cache.CrashAfter)

	v.SetDefault("pipeline.workers", d.Pipeline.Workers)
	v.SetDefault("pipeline.burst", d.Pipeline.Burst)
	v.SetDefault("pipeline.busy_backoff", d.Pipeline.BusyBackoff)
	v.SetDefault("pipeline.schema_dir", d.Pipeline.SchemaDir)

	v.SetDefault("prefetch.window", d.Prefetch.Window)
	v.SetDefault("prefetch.batch_size", d.Prefetch.BatchSize)
	v.SetDefault("prefetch.max_attempts", d.Prefetch.MaxAttempts)
	v.SetDefault("prefetch.timeout", d.Prefetch.Timeout)

	v.SetDefault("keys.cache_key", d.Keys.CacheKey)
	v.SetDefault("keys.ring", d.Keys.Ring)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("log.max_size_mb", d.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", d.Log.MaxBackups)

	v.SetDefault("metrics.addr", d.Metrics.Addr)
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Cache.Backend {
	case "sqlite", "leveldb":
		if c.Cache.Path == "" {
			return fmt.Errorf("config: cache.path is required for the %s backend", c.Cache.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("config: pipeline.workers must be at least 1, got %d", c.Pipeline.Workers)
	}
	if c.Prefetch.BatchSize < 1 {
		return fmt.Errorf("config: prefetch.batch_size must be at least 1, got %d", c.Prefetch.BatchSize)
	}
	if c.Prefetch.MaxAttempts < 1 {
		return fmt.Errorf("config: prefetch.max_attempts must be at least 1, got %d", c.Prefetch.MaxAttempts)
	}
	r := c.Cache
	if !(r.DisableBackpressureAfter <= r.ReloadAfter && r.ReloadAfter <= r.CrashAfter) {
		return fmt.Errorf("config: retry thresholds must be ordered (disable_backpressure_after %d, reload_after %d, crash_after %d)",
			r.DisableBackpressureAfter, r.ReloadAfter, r.CrashAfter)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Write encodes c as TOML.
func Write(w io.Writer, c Config) error {
	enc := toml.NewEncoder(w)
	enc.Indent = ""
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
