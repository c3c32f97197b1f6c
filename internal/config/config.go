// Package config loads kernel configuration from a TOML file, with viper
// layering in environment variable overrides on top of it.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"

	"github.com/farant/smaragda-sub002/internal/store"
	"github.com/farant/smaragda-sub002/internal/types"
)

// Retry mirrors store.RetryTuning in TOML-friendly shape (durations as
// milliseconds rather than time.Duration strings, matching how the rest
// of this file's numeric fields round-trip through TOML).
type Retry struct {
	InitialIntervalMS int     `toml:"initial_interval_ms"`
	Multiplier        float64 `toml:"multiplier"`
	MaxIntervalMS     int     `toml:"max_interval_ms"`
	MaxElapsedMS      int     `toml:"max_elapsed_ms"`
}

// Config is the kernel's top-level configuration: where the database
// lives, which branch new entities land on by default, and how
// aggressively to retry a busy SQLite writer lock.
type Config struct {
	DatabasePath  string `toml:"database_path"`
	DefaultBranch string `toml:"default_branch"`
	Retry         Retry  `toml:"retry"`
}

// Default returns the configuration the kernel uses when no config file
// is present: an on-disk database named kernel.db, facts recorded on
// "main" unless told otherwise, and the same retry policy as
// store.DefaultRetryTuning.
func Default() Config {
	return Config{
		DatabasePath:  "kernel.db",
		DefaultBranch: types.MainBranch,
		Retry: Retry{
			InitialIntervalMS: 10,
			Multiplier:        2,
			MaxIntervalMS:     200,
			MaxElapsedMS:      2000,
		},
	}
}

// Load reads path as TOML into Default()'s values (missing fields keep
// their default), then layers the KERNEL_DATABASE_PATH and
// KERNEL_DEFAULT_BRANCH environment variables on top via viper, matching
// the env-override pattern the rest of this codebase's config readers use;
// retry settings come only from the file or the defaults. A missing path
// is not an error: Load returns Default() with only env overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return Config{}, err
			}
		} else if !os.IsNotExist(err) {
			return Config{}, err
		}
	}

	v := viper.New()
	v.SetEnvPrefix("KERNEL")
	v.AutomaticEnv()
	if v.IsSet("database_path") {
		cfg.DatabasePath = v.GetString("database_path")
	}
	if v.IsSet("default_branch") {
		cfg.DefaultBranch = v.GetString("default_branch")
	}

	return cfg, nil
}

// RetryTuning converts Retry into store's duration-based tuning.
func (r Retry) RetryTuning() store.RetryTuning {
	return store.RetryTuning{
		InitialInterval: time.Duration(r.InitialIntervalMS) * time.Millisecond,
		Multiplier:      r.Multiplier,
		MaxInterval:     time.Duration(r.MaxIntervalMS) * time.Millisecond,
		MaxElapsedTime:  time.Duration(r.MaxElapsedMS) * time.Millisecond,
	}
}
