// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package watcher implements hot reload for installed extension libraries.
//
// Each watched file in the install directory is staged into the cache
// directory under a generation-numbered name before it is opened, so a
// rebuild can overwrite the installed file while the previous generation is
// still mapped. The poller only reports changes; swapping happens on the
// caller's goroutine through Swap.
package watcher

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/holomush/starry/internal/library"
	"github.com/holomush/starry/pkg/extension"
)

// DefaultInterval is the default poll interval.
const DefaultInterval = 2 * time.Second

// Transitions are the callbacks run by Swap.
type Transitions struct {
	// Probe, when set, inspects an instance built from the new generation
	// before anything is unloaded. An error aborts the swap.
	Probe func(next *library.Handle, probe extension.Extension) error
	// Before runs with the old generation's handle once the new generation
	// has been opened and probed. It should unload the old instance.
	Before func(old *library.Handle) error
	// After runs with the new generation's handle. It should register the
	// new instance.
	After func(next *library.Handle) error
	// Failed runs instead of the remaining steps when the swap fails.
	Failed func(err error)
}

type tracked struct {
	handle  *library.Handle
	modTime time.Time
	size    int64
	missing bool
	state   State
}

// Watcher stages, opens and polls extension libraries.
type Watcher struct {
	installDir  string
	cacheDir    string
	source      *library.Source
	interval    time.Duration
	fsnotify    bool
	copyRetries uint64
	copyBackoff time.Duration
	logger      *slog.Logger

	gen atomic.Uint64

	mu    sync.Mutex
	files map[string]*tracked
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithInterval sets the poll interval.
func WithInterval(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithFSNotify makes filesystem events trigger an immediate poll.
func WithFSNotify(enabled bool) Option {
	return func(w *Watcher) {
		w.fsnotify = enabled
	}
}

// WithCopyRetry sets how often a failed staging copy is retried.
func WithCopyRetry(retries uint64, backoff time.Duration) Option {
	return func(w *Watcher) {
		w.copyRetries = retries
		w.copyBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = l
	}
}

// New creates a watcher for files in installDir, staging copies into cacheDir
// and opening them with source.
func New(installDir, cacheDir string, source *library.Source, opts ...Option) *Watcher {
	w := &Watcher{
		installDir:  installDir,
		cacheDir:    cacheDir,
		source:      source,
		interval:    DefaultInterval,
		copyRetries: defaultCopyRetries,
		copyBackoff: defaultCopyBackoff,
		logger:      slog.Default(),
		files:       make(map[string]*tracked),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Add stages and opens installDir/fileName and starts tracking it. The
// returned handle is owned by the watcher; callers that keep it past Remove
// must Acquire their own reference.
func (w *Watcher) Add(ctx context.Context, fileName string) (*library.Handle, error) {
	w.mu.Lock()
	_, exists := w.files[fileName]
	w.mu.Unlock()
	if exists {
		return nil, errAlreadyWatched(fileName)
	}

	src := filepath.Join(w.installDir, fileName)
	info, err := os.Stat(src)
	if err != nil {
		return nil, errStageFailed(fileName, err)
	}

	h, err := w.open(ctx, fileName)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.files[fileName]; exists {
		h.Release()
		return nil, errAlreadyWatched(fileName)
	}
	w.files[fileName] = &tracked{
		handle:  h,
		modTime: info.ModTime(),
		size:    info.Size(),
		state:   Loaded,
	}
	w.logger.Debug("watching extension library", "file", fileName, "staged", h.Path())
	return h, nil
}

// open stages the next generation of fileName and opens it.
func (w *Watcher) open(ctx context.Context, fileName string) (*library.Handle, error) {
	staged := stagePath(w.cacheDir, fileName, w.gen.Add(1))
	if err := w.stage(ctx, filepath.Join(w.installDir, fileName), staged); err != nil {
		return nil, errStageFailed(fileName, err)
	}
	h, err := w.source.Open(staged)
	if err != nil {
		_ = os.Remove(staged)
		return nil, err //nolint:wrapcheck // library errors carry their own codes
	}
	return h, nil
}

// Remove stops tracking fileName and releases the watcher's reference to its
// handle. It reports false if fileName was not watched.
func (w *Watcher) Remove(fileName string) bool {
	w.mu.Lock()
	t, ok := w.files[fileName]
	delete(w.files, fileName)
	w.mu.Unlock()
	if !ok {
		return false
	}
	t.handle.Release()
	w.logger.Debug("stopped watching extension library", "file", fileName)
	return true
}

// Watching reports whether fileName is tracked.
func (w *Watcher) Watching(fileName string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[fileName]
	return ok
}

// Handle returns the current generation's handle for fileName.
func (w *Watcher) Handle(fileName string) (*library.Handle, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.files[fileName]
	if !ok {
		return nil, false
	}
	return t.handle, true
}

// State returns the lifecycle state of fileName.
func (w *Watcher) State(fileName string) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.files[fileName]
	if !ok {
		return Unwatched
	}
	return t.state
}

// Files returns the watched file names in sorted order.
func (w *Watcher) Files() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	names := make([]string, 0, len(w.files))
	for name := range w.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *Watcher) setState(fileName string, s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.files[fileName]; ok {
		t.state = s
	}
}

// Swap replaces the running generation of fileName. The new generation is
// staged, opened and probed first; if any of that fails, Failed runs and the
// old generation stays in place. Otherwise Before runs with the old handle,
// then After with the new one, and only then is the old handle released.
// A failing Before or After also leaves the old handle tracked, so the next
// change on disk retries the swap.
func (w *Watcher) Swap(ctx context.Context, fileName string, tr Transitions) error {
	old, ok := w.Handle(fileName)
	if !ok {
		return w.fail(tr, fileName, errNotWatched(fileName))
	}

	next, err := w.open(ctx, fileName)
	if err != nil {
		return w.fail(tr, fileName, errSwapFailed(fileName, "open", err))
	}
	probe, err := next.New()
	if err == nil && tr.Probe != nil {
		err = tr.Probe(next, probe)
	}
	if err != nil {
		next.Release()
		return w.fail(tr, fileName, errSwapFailed(fileName, "probe", err))
	}

	w.setState(fileName, ReloadingBefore)
	if tr.Before != nil {
		if err := tr.Before(old); err != nil {
			next.Release()
			return w.fail(tr, fileName, errSwapFailed(fileName, "before", err))
		}
	}

	w.setState(fileName, ReloadingAfter)
	if tr.After != nil {
		if err := tr.After(next); err != nil {
			next.Release()
			return w.fail(tr, fileName, errSwapFailed(fileName, "after", err))
		}
	}

	w.mu.Lock()
	t, ok := w.files[fileName]
	if ok && t.handle == old {
		t.handle = next
		t.state = Loaded
	}
	w.mu.Unlock()
	if !ok || t.handle != next {
		// Removed while the transitions ran.
		next.Release()
		return nil
	}
	old.Release()

	w.logger.Info("extension library swapped", "file", fileName, "staged", next.Path())
	return nil
}

func (w *Watcher) fail(tr Transitions, fileName string, err error) error {
	w.setState(fileName, ReloadFailed)
	if tr.Failed != nil {
		tr.Failed(err)
	}
	return err
}

// Poll stats every watched file once and returns the names whose size or
// modification time changed since the last poll. A missing file is logged
// once and ignored until it reappears.
func (w *Watcher) Poll() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	var changed []string
	for name, t := range w.files {
		info, err := os.Stat(filepath.Join(w.installDir, name))
		if err != nil {
			if !t.missing {
				t.missing = true
				w.logger.Warn("watched extension library disappeared", "file", name, "error", err)
			}
			continue
		}
		if t.missing {
			t.missing = false
			w.logger.Info("watched extension library reappeared", "file", name)
		}
		if info.ModTime().Equal(t.modTime) && info.Size() == t.size {
			continue
		}
		t.modTime = info.ModTime()
		t.size = info.Size()
		changed = append(changed, name)
	}
	sort.Strings(changed)
	return changed
}

// Run polls every interval until ctx is done, calling notify for each changed
// file. notify runs on the poller goroutine and must not block for long.
func (w *Watcher) Run(ctx context.Context, notify func(fileName string)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if w.fsnotify {
		ch, stop := w.wakeOnChange(ctx)
		defer stop()
		wake = ch
	}

	w.logger.Debug("watcher started", "interval", w.interval, "fsnotify", wake != nil)
	defer w.logger.Debug("watcher stopped")

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-wake:
		}
		for _, name := range w.Poll() {
			w.logger.Info("extension library changed", "file", name)
			notify(name)
		}
	}
}

// Close releases every tracked handle.
func (w *Watcher) Close() {
	w.mu.Lock()
	files := w.files
	w.files = make(map[string]*tracked)
	w.mu.Unlock()
	for _, t := range files {
		t.handle.Release()
	}
}
