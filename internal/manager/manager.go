// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package manager installs, removes, lists and hot-reloads extensions.
//
// Every operation becomes a command on a single queue consumed by Run, so
// the registry, the watcher's swaps and the descriptor store are only ever
// mutated from one goroutine. Public methods enqueue and return at once; the
// outcome arrives on the returned channel and as a notification on the emit
// queue.
package manager

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/samber/oops"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/starry/internal/bridge"
	"github.com/holomush/starry/internal/eventbus"
	"github.com/holomush/starry/internal/library"
	"github.com/holomush/starry/internal/registry"
	"github.com/holomush/starry/internal/store"
	"github.com/holomush/starry/internal/watcher"
	"github.com/holomush/starry/internal/xdg"
	"github.com/holomush/starry/pkg/errutil"
	"github.com/holomush/starry/pkg/extension"
)

const tracerName = "starry/manager"

// Request carries the correlation id of a command.
type Request struct {
	ID string
}

// normalize fills in a fresh id when the caller did not provide one.
func (r Request) normalize() Request {
	if r.ID == "" {
		r.ID = eventbus.NewID().String()
	}
	return r
}

// Dirs locates the manager's directories.
type Dirs struct {
	// Install holds the installed copy of every extension library.
	Install string
	// Cache holds generation-numbered staged copies that are actually opened.
	Cache string
}

type commandKind int

const (
	cmdInstall commandKind = iota
	cmdRemove
	cmdList
	cmdReload
)

func (k commandKind) String() string {
	switch k {
	case cmdInstall:
		return "install"
	case cmdRemove:
		return "remove"
	case cmdList:
		return "list"
	case cmdReload:
		return "reload"
	default:
		return "unknown"
	}
}

type command struct {
	kind commandKind
	arg  string
	req  Request
	done chan error
}

// Manager owns the registry, watcher and descriptor store.
type Manager struct {
	dirs     Dirs
	store    store.Store
	emit     extension.EmitSender
	registry *registry.Registry
	watcher  *watcher.Watcher
	source   *library.Source
	commands *bridge.Queue[command]
	logger   *slog.Logger
	tracer   trace.Tracer

	watcherOpts []watcher.Option

	ready     atomic.Bool
	running   atomic.Bool
	closeOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// WithTracerProvider sets where command spans are recorded. The default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Manager) {
		m.tracer = tp.Tracer(tracerName)
	}
}

// WithSource replaces the library source. The source should remove staged
// files on retire (library.WithRemoveOnRetire).
func WithSource(src *library.Source) Option {
	return func(m *Manager) {
		m.source = src
	}
}

// WithWatcherOptions passes options to the hot-reload watcher.
func WithWatcherOptions(opts ...watcher.Option) Option {
	return func(m *Manager) {
		m.watcherOpts = append(m.watcherOpts, opts...)
	}
}

// New creates the manager, prepares its directories and registers every
// installed extension whose library file is still present. Notifications go
// to emit; emit and listen are handed to every extension on load.
func New(ctx context.Context, dirs Dirs, st store.Store, emit extension.EmitSender, listen extension.ListenSender, opts ...Option) (*Manager, error) {
	m := &Manager{
		dirs:     dirs,
		store:    st,
		emit:     emit,
		commands: bridge.NewQueue[command]("manager"),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.source == nil {
		m.source = library.NewSource(library.WithRemoveOnRetire(), library.WithLogger(m.logger))
	}

	for _, dir := range []string{dirs.Install, dirs.Cache} {
		if err := xdg.EnsureDir(dir); err != nil {
			return nil, oops.With("operation", "prepare directories").Wrap(err)
		}
	}
	clearCache(m.logger, dirs.Cache)

	m.registry = registry.New(emit, listen, registry.WithLogger(m.logger))
	m.watcher = watcher.New(dirs.Install, dirs.Cache, m.source,
		append([]watcher.Option{watcher.WithLogger(m.logger)}, m.watcherOpts...)...)

	if err := m.replay(ctx); err != nil {
		m.registry.Close()
		m.watcher.Close()
		return nil, err
	}
	m.ready.Store(true)
	return m, nil
}

// clearCache removes staged copies left behind by a previous process.
func clearCache(logger *slog.Logger, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Warn("cannot read cache directory", "dir", dir, "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			logger.Warn("cannot remove stale staged copy", "file", e.Name(), "error", err)
		}
	}
}

// replay registers every persisted extension. Entries whose library file is
// missing, fails to load or reports another id are logged, skipped and kept.
func (m *Manager) replay(ctx context.Context) error {
	restored := 0
	err := m.store.Iterate(ctx, func(id string, raw []byte) error {
		d, err := ParseDescriptor(id, raw)
		if err != nil {
			errutil.LogError(m.logger, "skipping unreadable descriptor", err, "id", id)
			return nil
		}
		if _, err := os.Stat(filepath.Join(m.dirs.Install, d.FileName)); err != nil {
			m.logger.Warn("skipping extension with missing library",
				"id", id,
				"file", d.FileName)
			return nil
		}

		_, info, err := m.load(ctx, d.FileName, id)
		if err != nil {
			errutil.LogError(m.logger, "cannot restore extension", err, "id", id, "file", d.FileName)
			return nil
		}
		restored++
		m.notifyExtension(EventLoaded, Request{}, id, Descriptor{Info: info}.InfoJSON())
		return nil
	})
	if err != nil {
		return errPersistence("replay", "", err)
	}
	m.logger.Info("extensions restored", "count", restored)
	return nil
}

// Ready reports whether startup replay has finished.
func (m *Manager) Ready() bool {
	return m.ready.Load()
}

// IDs returns the ids of the live extensions.
func (m *Manager) IDs() []string {
	return m.registry.IDs()
}

// Install copies the library at path into the install directory and loads it.
func (m *Manager) Install(path string, req Request) <-chan error {
	return m.submit(command{kind: cmdInstall, arg: path, req: req})
}

// Remove unloads the extension with id and deletes its library and descriptor.
func (m *Manager) Remove(id string, req Request) <-chan error {
	return m.submit(command{kind: cmdRemove, arg: id, req: req})
}

// List emits one loaded_extension notification per installed extension,
// then a listed_extension end marker.
func (m *Manager) List(req Request) <-chan error {
	return m.submit(command{kind: cmdList, req: req})
}

// Reload swaps in the current contents of an installed library file. The
// watcher issues the same command when it sees the file change.
func (m *Manager) Reload(fileName string) <-chan error {
	return m.submit(command{kind: cmdReload, arg: fileName})
}

func (m *Manager) submit(cmd command) <-chan error {
	cmd.req = cmd.req.normalize()
	cmd.done = make(chan error, 1)
	if err := m.commands.Send(cmd); err != nil {
		cmd.done <- errStopped()
	}
	return cmd.done
}

// Run processes commands until ctx is done and runs the watcher's poller
// alongside. Commands still queued when Run returns fail with
// MANAGER_STOPPED.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return oops.Errorf("extension manager already running")
	}

	watchCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.watcher.Run(watchCtx, m.changed)
	}()
	defer func() {
		cancel()
		wg.Wait()
		m.failPending()
	}()

	m.logger.Info("extension manager started", "install_dir", m.dirs.Install)
	defer m.logger.Info("extension manager stopped")

	for {
		cmd, err := m.commands.Recv(ctx)
		if err != nil {
			return nil
		}
		m.handle(ctx, cmd)
	}
}

// changed runs on the watcher's goroutine; it only enqueues.
func (m *Manager) changed(fileName string) {
	if err := m.commands.Send(command{kind: cmdReload, arg: fileName}); err != nil {
		m.logger.Debug("dropping change notification after stop", "file", fileName)
	}
}

func (m *Manager) failPending() {
	for _, cmd := range m.commands.Drain() {
		if cmd.done != nil {
			cmd.done <- errStopped()
		}
	}
}

// Close fails queued commands, unloads every extension and releases every
// library. Call it after Run has returned.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.failPending()
		m.registry.Close()
		m.watcher.Close()
	})
}
