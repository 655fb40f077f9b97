// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/holomush/starry/internal/bridge"
	"github.com/holomush/starry/internal/config"
	"github.com/holomush/starry/internal/eventbus"
	"github.com/holomush/starry/internal/library"
	"github.com/holomush/starry/internal/manager"
	"github.com/holomush/starry/internal/store"
	"github.com/holomush/starry/internal/watcher"
	"github.com/holomush/starry/internal/xdg"
)

// host wires the descriptor store, event bus, bridge and extension manager.
type host struct {
	logger  *slog.Logger
	store   store.Store
	bus     *eventbus.Bus
	bridge  *bridge.Bridge
	manager *manager.Manager
	tracer  *sdktrace.TracerProvider

	cancelBridge context.CancelFunc
	cancelRun    context.CancelFunc
	runDone      chan error
	closeOnce    sync.Once
}

// openHost builds every component and replays installed extensions. The
// manager is not processing commands until start is called.
func openHost(ctx context.Context, cfg *config.Config, deps *Deps, logger *slog.Logger) (*host, error) {
	paths, err := cfg.Paths()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve directories: %w", err)
	}
	if cfg.StoreDriver == store.DriverSQLite {
		if err := xdg.EnsureDir(filepath.Dir(paths.Store)); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	st, err := store.Open(ctx, cfg.StoreConfig(paths))
	if err != nil {
		return nil, fmt.Errorf("failed to open descriptor store: %w", err)
	}

	// Spans are not exported; they give command logs a trace_id and span_id.
	h := &host{
		logger: logger,
		store:  st,
		bus:    eventbus.New(eventbus.WithLogger(logger)),
		tracer: sdktrace.NewTracerProvider(),
	}
	h.bridge = bridge.New(h.bus, bridge.WithLogger(logger))
	bridgeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h.cancelBridge = cancel
	h.bridge.Start(bridgeCtx)

	source := deps.Source
	if source == nil {
		source = library.NewSource(library.WithRemoveOnRetire(), library.WithLogger(logger))
	}
	m, err := manager.New(ctx,
		manager.Dirs{Install: paths.Install, Cache: paths.Cache},
		st, h.bridge.Emitter(), h.bridge.Listener(),
		manager.WithLogger(logger),
		manager.WithSource(source),
		manager.WithTracerProvider(h.tracer),
		manager.WithWatcherOptions(
			watcher.WithInterval(cfg.PollInterval),
			watcher.WithFSNotify(cfg.FSNotify),
		),
	)
	if err != nil {
		h.stopBridge()
		_ = h.tracer.Shutdown(ctx)
		_ = st.Close()
		return nil, fmt.Errorf("failed to start extension manager: %w", err)
	}
	h.manager = m

	logger.Info("extension host opened",
		"install_dir", paths.Install,
		"cache_dir", paths.Cache,
		"store_driver", cfg.StoreDriver,
		"extensions", len(m.IDs()))
	return h, nil
}

// start runs the manager's command loop until close.
func (h *host) start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancelRun = cancel
	h.runDone = make(chan error, 1)
	go func() {
		h.runDone <- h.manager.Run(runCtx)
	}()
}

func (h *host) stopBridge() {
	h.cancelBridge()
	h.bridge.Wait()
	h.bus.Close()
}

// close stops the manager, unloads every extension, drains the bridge and
// closes the store.
func (h *host) close() {
	h.closeOnce.Do(func() {
		if h.cancelRun != nil {
			h.cancelRun()
			if err := <-h.runDone; err != nil {
				h.logger.Warn("extension manager stopped with error", "error", err)
			}
		}
		h.manager.Close()
		h.stopBridge()
		if err := h.tracer.Shutdown(context.Background()); err != nil {
			h.logger.Warn("error stopping tracer provider", "error", err)
		}
		if err := h.store.Close(); err != nil {
			h.logger.Warn("error closing descriptor store", "error", err)
		}
	})
}
