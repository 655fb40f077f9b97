// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/holomush/starry/internal/config"
	"github.com/holomush/starry/internal/logging"
	"github.com/holomush/starry/internal/xdg"
)

// NewRootCmd creates the root command for the starry CLI.
func NewRootCmd() *cobra.Command {
	return NewRootCmdWithDeps(nil)
}

// NewRootCmdWithDeps creates the root command with injectable dependencies.
func NewRootCmdWithDeps(deps *Deps) *cobra.Command {
	deps = deps.withDefaults()

	cmd := &cobra.Command{
		Use:   "starry",
		Short: "starry - native extension host",
		Long: `starry loads native Go extensions built with -buildmode=plugin,
keeps them registered across restarts and hot-reloads them when their
library files change.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "config file path (default: XDG_CONFIG_HOME/starry/config.yaml if present)")
	config.RegisterFlags(cmd.PersistentFlags())

	cmd.AddCommand(NewRunCmd(deps))
	cmd.AddCommand(NewInstallCmd(deps))
	cmd.AddCommand(NewRemoveCmd(deps))
	cmd.AddCommand(NewListCmd(deps))
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// NewVersionCmd creates the version subcommand.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("starry %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
			return nil
		},
	}
}

// loadConfig reads the config file named by --config, or the default config
// file when it exists, and applies the command's flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, fmt.Errorf("read config flag: %w", err)
	}
	if path == "" {
		path = defaultConfigFile()
	}
	return config.Load(path, cmd.Flags()) //nolint:wrapcheck // config errors carry their own codes
}

func defaultConfigFile() string {
	dir, err := xdg.ConfigDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

func setupLogging(cfg *config.Config, deps *Deps) (*slog.Logger, error) {
	logger, err := logging.SetDefault(logging.Options{
		Service: "starry",
		Version: version,
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
		Writer:  deps.LogWriter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	return logger, nil
}
