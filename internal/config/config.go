// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package config loads starry's settings from an optional YAML file and the
// command line. Flags that were set explicitly win over the file; the file
// wins over flag defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/holomush/starry/internal/store"
	"github.com/holomush/starry/internal/watcher"
	"github.com/holomush/starry/internal/xdg"
)

// Default values for flags.
const (
	DefaultLogFormat   = "json"
	DefaultLogLevel    = "info"
	DefaultMetricsAddr = "127.0.0.1:9100"
	DefaultStoreDriver = store.DriverLevelDB
)

// CodeInvalidConfig marks load and validation failures.
const CodeInvalidConfig = "INVALID_CONFIG"

// ErrInvalidConfig is the sentinel behind every CodeInvalidConfig error.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds the settings shared by every starry command.
type Config struct {
	DataDir      string        `koanf:"data-dir"`
	CacheDir     string        `koanf:"cache-dir"`
	LogFormat    string        `koanf:"log-format"`
	LogLevel     string        `koanf:"log-level"`
	MetricsAddr  string        `koanf:"metrics-addr"`
	PollInterval time.Duration `koanf:"poll-interval"`
	FSNotify     bool          `koanf:"fsnotify"`
	StoreDriver  string        `koanf:"store-driver"`
	StorePath    string        `koanf:"store-path"`
	StoreDSN     string        `koanf:"store-dsn"`
}

// RegisterFlags adds every config flag to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("data-dir", "", "data directory (default: XDG_DATA_HOME/starry)")
	fs.String("cache-dir", "", "cache directory (default: XDG_CACHE_HOME/starry)")
	fs.String("log-format", DefaultLogFormat, "log format (json or text)")
	fs.String("log-level", DefaultLogLevel, "log level (debug, info, warn or error)")
	fs.String("metrics-addr", DefaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	fs.Duration("poll-interval", watcher.DefaultInterval, "how often installed libraries are checked for changes")
	fs.Bool("fsnotify", true, "also check for changes when the install directory reports a write")
	fs.String("store-driver", DefaultStoreDriver, "descriptor store driver (leveldb, sqlite or postgres)")
	fs.String("store-path", "", "descriptor store location for leveldb or sqlite (default: <data-dir>/db_data)")
	fs.String("store-dsn", "", "postgres connection string for the postgres store driver")
}

// Load reads path (if not empty) and then fs.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code(CodeInvalidConfig).
				With("path", path).
				Wrapf(ErrInvalidConfig, "read %s: %v", path, err)
		}
	}
	if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
		return nil, oops.Code(CodeInvalidConfig).Wrapf(ErrInvalidConfig, "read flags: %v", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code(CodeInvalidConfig).Wrapf(ErrInvalidConfig, "decode: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var problems []error
	if c.LogFormat != "json" && c.LogFormat != "text" {
		problems = append(problems, fmt.Errorf("log-format must be 'json' or 'text', got %q", c.LogFormat))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Errorf("log-level must be debug, info, warn or error, got %q", c.LogLevel))
	}
	if c.PollInterval <= 0 {
		problems = append(problems, fmt.Errorf("poll-interval must be positive, got %s", c.PollInterval))
	}
	switch c.StoreDriver {
	case store.DriverLevelDB, store.DriverSQLite:
	case store.DriverPostgres:
		if c.StoreDSN == "" {
			problems = append(problems, errors.New("store-dsn is required for the postgres store driver"))
		}
	default:
		problems = append(problems, fmt.Errorf("store-driver must be leveldb, sqlite or postgres, got %q", c.StoreDriver))
	}
	if len(problems) > 0 {
		return oops.Code(CodeInvalidConfig).Wrapf(ErrInvalidConfig, "%v", errors.Join(problems...))
	}
	return nil
}

// Paths are the resolved directories of a configuration.
type Paths struct {
	Install string
	Cache   string
	Store   string
}

// Paths resolves the install, cache and store locations, falling back to the
// XDG directories for anything not configured.
func (c *Config) Paths() (Paths, error) {
	dataDir := c.DataDir
	if dataDir == "" {
		dir, err := xdg.DataDir()
		if err != nil {
			return Paths{}, err //nolint:wrapcheck // xdg errors carry their own context
		}
		dataDir = dir
	}
	cacheDir := c.CacheDir
	if cacheDir == "" {
		dir, err := xdg.CacheDir()
		if err != nil {
			return Paths{}, err //nolint:wrapcheck // xdg errors carry their own context
		}
		cacheDir = dir
	}

	p := Paths{
		Install: xdg.ExtensionDir(dataDir),
		Cache:   xdg.ExtensionCacheDir(cacheDir),
		Store:   c.StorePath,
	}
	if p.Store == "" {
		p.Store = xdg.StoreDir(dataDir)
		if c.StoreDriver == store.DriverSQLite {
			p.Store = filepath.Join(p.Store, "descriptors.db")
		}
	}
	return p, nil
}

// StoreConfig returns the descriptor store settings.
func (c *Config) StoreConfig(p Paths) store.Config {
	return store.Config{Driver: c.StoreDriver, Path: p.Store, DSN: c.StoreDSN}
}
