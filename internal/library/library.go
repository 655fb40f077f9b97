// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package library opens extension shared libraries and builds instances from
// their exported factory. It is the only package that touches the plugin
// runtime; everything above it works with extension.Extension values.
package library

import (
	"fmt"
	"log/slog"
	"os"
	"plugin"
	"sync"
	"sync/atomic"

	"github.com/holomush/starry/pkg/extension"
)

// Symbols resolves exported names of an opened library.
// *plugin.Plugin satisfies it.
type Symbols interface {
	Lookup(name string) (plugin.Symbol, error)
}

// Opener maps a library file into the process.
type Opener interface {
	Open(path string) (Symbols, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string) (Symbols, error)

// Open calls f.
func (f OpenerFunc) Open(path string) (Symbols, error) { return f(path) }

// pluginOpener opens Go plugins. plugin.Open fails on platforms or builds
// without plugin support, which surfaces as an OS load failure.
type pluginOpener struct{}

func (pluginOpener) Open(path string) (Symbols, error) {
	p, err := plugin.Open(path) // #nosec G304 -- path is a staged copy inside the cache directory
	if err != nil {
		return nil, err //nolint:wrapcheck // wrapped by Source.Open
	}
	return p, nil
}

// Source opens libraries and produces Handles.
type Source struct {
	opener         Opener
	logger         *slog.Logger
	removeOnRetire bool
}

// Option configures a Source.
type Option func(*Source)

// WithOpener replaces the plugin runtime opener (used by tests).
func WithOpener(o Opener) Option {
	return func(s *Source) {
		s.opener = o
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

// WithRemoveOnRetire deletes a handle's file once its last reference is
// released. Only set this when every opened path is a disposable staged copy.
func WithRemoveOnRetire() Option {
	return func(s *Source) {
		s.removeOnRetire = true
	}
}

// NewSource creates a Source backed by the Go plugin runtime.
func NewSource(opts ...Option) *Source {
	s := &Source{
		opener: pluginOpener{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open maps the library at path and resolves its factory. The returned
// handle holds one reference owned by the caller.
func (s *Source) Open(path string) (*Handle, error) {
	syms, err := s.opener.Open(path)
	if err != nil {
		return nil, errOSLoadFailure(path, err)
	}

	sym, err := syms.Lookup(extension.FactorySymbol)
	if err != nil {
		return nil, errSymbolNotFound(path, fmt.Sprintf("lookup %s: %v", extension.FactorySymbol, err))
	}

	var factory extension.Factory
	switch f := sym.(type) {
	case func() extension.Extension:
		factory = f
	case *func() extension.Extension:
		if f != nil {
			factory = *f
		}
	}
	if factory == nil {
		return nil, errSymbolNotFound(path, fmt.Sprintf("%s has type %T, want func() extension.Extension", extension.FactorySymbol, sym))
	}

	h := &Handle{
		path:           path,
		factory:        factory,
		logger:         s.logger,
		removeOnRetire: s.removeOnRetire,
	}
	h.refs.Store(1)

	s.logger.Debug("opened extension library", "path", path)
	return h, nil
}

// Handle is a reference-counted open library. Instances built by New run
// code mapped from the library, so the handle must outlive them.
type Handle struct {
	path           string
	factory        extension.Factory
	logger         *slog.Logger
	removeOnRetire bool

	refs       atomic.Int64
	retired    atomic.Bool
	retireOnce sync.Once
}

// Path returns the file the handle was opened from.
func (h *Handle) Path() string {
	return h.path
}

// New builds an instance by calling the factory. A panicking or nil-returning
// factory is reported as an error.
func (h *Handle) New() (ext extension.Extension, err error) {
	if h.retired.Load() {
		return nil, errHandleRetired(h.path)
	}
	defer func() {
		if r := recover(); r != nil {
			ext = nil
			err = errFactoryPanic(h.path, r)
		}
	}()
	ext = h.factory()
	if ext == nil {
		return nil, errFactoryPanic(h.path, "factory returned nil")
	}
	return ext, nil
}

// Acquire adds a reference and returns h.
func (h *Handle) Acquire() *Handle {
	h.refs.Add(1)
	return h
}

// Release drops a reference. The last release retires the handle.
func (h *Handle) Release() {
	n := h.refs.Add(-1)
	switch {
	case n == 0:
		h.retire()
	case n < 0:
		h.logger.Warn("library handle released too many times", "path", h.path, "refs", n)
	}
}

// Refs returns the current reference count.
func (h *Handle) Refs() int64 {
	return h.refs.Load()
}

// Retired reports whether the last reference has been released.
func (h *Handle) Retired() bool {
	return h.retired.Load()
}

// retire stops the handle from producing instances. The runtime keeps the
// mapping (Go cannot unload a plugin); only the staged file is discarded.
func (h *Handle) retire() {
	h.retireOnce.Do(func() {
		h.retired.Store(true)
		h.logger.Debug("retired extension library", "path", h.path)
		if !h.removeOnRetire {
			return
		}
		if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to remove staged library", "path", h.path, "error", err)
		}
	})
}
