// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package registry tracks live extension instances by id.
//
// At most one instance per id is live at any time. Lifecycle hooks (Load,
// Unload) run without the registry lock so that an extension may send on its
// queues, or even query the registry, from inside a hook.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/holomush/starry/internal/library"
	"github.com/holomush/starry/internal/observability"
	"github.com/holomush/starry/pkg/errutil"
	"github.com/holomush/starry/pkg/extension"
)

type entry struct {
	ext    extension.Extension
	handle *library.Handle
}

// Registry maps extension ids to live instances.
type Registry struct {
	emit   extension.EmitSender
	listen extension.ListenSender
	logger *slog.Logger

	mu   sync.RWMutex
	live map[string]entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		r.logger = l
	}
}

// New creates an empty registry. emit and listen are handed to every
// instance in Load.
func New(emit extension.EmitSender, listen extension.ListenSender, opts ...Option) *Registry {
	r := &Registry{
		emit:   emit,
		listen: listen,
		logger: slog.Default(),
		live:   make(map[string]entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register makes ext live and calls its Load hook. The registry takes its own
// reference on handle, released when the instance is unregistered. A
// duplicate id fails with ALREADY_REGISTERED and leaves the running
// instance alone.
func (r *Registry) Register(ext extension.Extension, handle *library.Handle) (string, error) {
	id, err := r.idOf(ext)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	if _, exists := r.live[id]; exists {
		r.mu.Unlock()
		return id, errAlreadyRegistered(id)
	}
	if handle != nil {
		handle.Acquire()
	}
	r.live[id] = entry{ext: ext, handle: handle}
	n := len(r.live)
	r.mu.Unlock()
	observability.SetLiveExtensions(n)

	if err := r.hook("load", func() { ext.Load(r.emit, r.listen) }); err != nil {
		errutil.LogError(r.logger, "extension load hook failed", err, "id", id)
	}

	r.logger.Info("extension registered", "id", id)
	return id, nil
}

// Unregister removes the instance with id, calls its Unload hook and releases
// its handle. It reports false if id was not live.
func (r *Registry) Unregister(id string) (extension.Extension, bool) {
	r.mu.Lock()
	e, ok := r.live[id]
	if ok {
		delete(r.live, id)
	}
	n := len(r.live)
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	observability.SetLiveExtensions(n)

	r.drop(id, e)
	r.logger.Info("extension unregistered", "id", id)
	return e.ext, true
}

// UnregisterByHandle asks a fresh instance built from handle for its id and
// unregisters the live instance with that id. Ids are stable across rebuilds,
// so this finds the instance an older generation of the library created.
func (r *Registry) UnregisterByHandle(handle *library.Handle) (string, error) {
	probe, err := handle.New()
	if err != nil {
		return "", err //nolint:wrapcheck // library errors carry their own codes
	}
	id, err := r.idOf(probe)
	if err != nil {
		return "", err
	}
	if _, ok := r.Unregister(id); !ok {
		return id, errNotRegistered(id)
	}
	return id, nil
}

// Has reports whether id is live.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[id]
	return ok
}

// Get returns the live instance with id.
func (r *Registry) Get(id string) (extension.Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.live[id]
	return e.ext, ok
}

// IDs returns the live ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.live))
	for id := range r.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Close unloads every live instance in id order.
func (r *Registry) Close() {
	r.mu.Lock()
	all := r.live
	r.live = make(map[string]entry)
	r.mu.Unlock()
	observability.SetLiveExtensions(0)

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r.drop(id, all[id])
	}
}

func (r *Registry) drop(id string, e entry) {
	if err := r.hook("unload", e.ext.Unload); err != nil {
		errutil.LogError(r.logger, "extension unload hook failed", err, "id", id)
	}
	if e.handle != nil {
		e.handle.Release()
	}
}

func (r *Registry) idOf(ext extension.Extension) (id string, err error) {
	if hookErr := r.hook("id", func() { id = ext.ID() }); hookErr != nil {
		return "", hookErr
	}
	if id == "" {
		return "", errInvalidID()
	}
	return id, nil
}

// hook runs extension code, converting a panic into an error.
func (r *Registry) hook(name string, fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errHookPanic(name, rec)
		}
	}()
	fn()
	return nil
}
