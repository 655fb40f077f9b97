// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package xdg provides XDG Base Directory paths for starry.
package xdg

import (
	"os"
	"path/filepath"

	"github.com/samber/oops"
)

const appName = "starry"

// Subdirectory names below the data and cache roots.
const (
	extensionDirName = "extension"
	storeDirName     = "db_data"
)

// ConfigDir returns the XDG config directory for starry.
// Checks XDG_CONFIG_HOME first, falls back to ~/.config.
func ConfigDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", ".config")
}

// DataDir returns the XDG data directory for starry.
// Checks XDG_DATA_HOME first, falls back to ~/.local/share.
func DataDir() (string, error) {
	return resolve("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// CacheDir returns the XDG cache directory for starry.
// Checks XDG_CACHE_HOME first, falls back to ~/.cache.
func CacheDir() (string, error) {
	return resolve("XDG_CACHE_HOME", ".cache")
}

// ExtensionDir returns the directory installed extension libraries live in.
func ExtensionDir(dataDir string) string {
	return filepath.Join(dataDir, extensionDirName)
}

// ExtensionCacheDir returns the directory staged library copies are loaded from.
func ExtensionCacheDir(cacheDir string) string {
	return filepath.Join(cacheDir, extensionDirName)
}

// StoreDir returns the directory of the embedded descriptor store.
func StoreDir(dataDir string) string {
	return filepath.Join(dataDir, storeDirName)
}

// EnsureDir creates a directory and all parent directories if they don't exist.
// Directories are created with 0700 permissions.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return oops.With("path", path).Wrapf(err, "create directory")
	}
	return nil
}

func resolve(envVar, homeRel string) (string, error) {
	if base := os.Getenv(envVar); base != "" {
		return filepath.Join(base, appName), nil
	}
	home := os.Getenv("HOME")
	if home == "" {
		return "", oops.Code("NO_HOME").With("env", envVar).Errorf("neither %s nor HOME is set", envVar)
	}
	return filepath.Join(home, homeRel, appName), nil
}
