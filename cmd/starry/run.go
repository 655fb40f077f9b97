// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/holomush/starry/pkg/extension"
)

// NewRunCmd creates the run subcommand.
func NewRunCmd(deps *Deps) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the extension host",
		Long: `Run the extension host: restore installed extensions, accept
install_extension, remove_extension and list_all_extension requests from the
host bus, and hot-reload libraries when they change on disk.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHost(cmd.Context(), cmd, deps)
		},
	}
}

func runHost(ctx context.Context, cmd *cobra.Command, deps *Deps) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := setupLogging(cfg, deps)
	if err != nil {
		return err
	}

	logger.Info("starting extension host",
		"poll_interval", cfg.PollInterval,
		"fsnotify", cfg.FSNotify,
		"log_format", cfg.LogFormat)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h, err := openHost(ctx, cfg, deps, logger)
	if err != nil {
		return err
	}
	defer h.close()

	if _, err := h.bus.Subscribe("*", logEvent(logger)); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}
	detach, err := h.manager.Attach(h.bus)
	if err != nil {
		return fmt.Errorf("failed to attach extension manager: %w", err)
	}
	defer detach()

	var obsServer ObservabilityServer
	if cfg.MetricsAddr != "" {
		obsServer = deps.ObservabilityServerFactory(cfg.MetricsAddr, h.manager.Ready)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	h.start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Extension host started")
	logger.Info("extension host ready", "extensions", len(h.manager.IDs()))

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	logger.Info("shutting down...")
	h.close()

	if obsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "error", err)
		}
	}

	cmd.Println("Extension host stopped")
	logger.Info("shutdown complete")
	return nil
}

// logEvent logs every event crossing the host bus.
func logEvent(logger *slog.Logger) extension.Handler {
	return func(ev extension.Event) {
		logger.Debug("host event",
			"event", ev.Name,
			"id", ev.ID,
			"payload", ev.Payload)
	}
}

// monitorServerErrors cancels the context when a server reports an error. It
// returns once errCh yields or ctx ends.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
