// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package extensiontest provides a fake extension runtime for tests.
//
// A fake library is a JSON file describing the extension it builds. The
// Opener reads that file instead of mapping a shared object, so install,
// staging and hot reload can be exercised on any platform.
package extensiontest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"plugin"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/holomush/starry/internal/library"
	"github.com/holomush/starry/pkg/extension"
)

// Fake is the content of a fake library file.
type Fake struct {
	ID         string `json:"id"`
	Info       string `json:"info"`
	Generation int    `json:"generation"`
	// OnLoadEmit, when set, is sent on the emit queue from Load.
	OnLoadEmit string `json:"on_load_emit,omitempty"`
	// Subscribe, when set, is subscribed from Load. Received events are
	// recorded as "event:<id>:<name>:<payload>".
	Subscribe  string `json:"subscribe,omitempty"`
	NoFactory  bool   `json:"no_factory,omitempty"`
	PanicOnNew bool   `json:"panic_on_new,omitempty"`
}

// clock hands out strictly increasing modification times so that every
// WriteLibrary call is visible to a polling watcher.
var clock atomic.Int64

// WriteLibrary writes a fake library to path.
func WriteLibrary(t testing.TB, path string, s Fake) {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal fake library: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write fake library: %v", err)
	}
	mtime := time.Unix(1_700_000_000+clock.Add(1), 0)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatalf("touch fake library: %v", err)
	}
}

// Recorder logs lifecycle hooks in call order.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

// Events returns a copy of the recorded hooks, e.g. "load:hello:1".
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Reset clears the log.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Ext is the fake extension described by a Fake.
type Ext struct {
	lib Fake
	rec *Recorder
}

// NewExt builds an Ext directly, without a library file.
func NewExt(rec *Recorder, s Fake) *Ext {
	return &Ext{lib: s, rec: rec}
}

// ID implements extension.Extension.
func (e *Ext) ID() string { return e.lib.ID }

// Info implements extension.Extension.
func (e *Ext) Info() string { return e.lib.Info }

// Load implements extension.Extension.
func (e *Ext) Load(emit extension.EmitSender, listen extension.ListenSender) {
	e.rec.add("load:%s:%d", e.lib.ID, e.lib.Generation)
	if e.lib.OnLoadEmit != "" {
		_ = emit.Send(extension.EmitContent{Event: e.lib.OnLoadEmit, Payload: e.lib.ID})
	}
	if e.lib.Subscribe != "" {
		id := e.lib.ID
		_ = listen.Send(extension.SubscribeTo(e.lib.Subscribe, func(ev extension.Event) {
			e.rec.add("event:%s:%s:%s", id, ev.Name, ev.Payload)
		}))
	}
}

// Unload implements extension.Extension.
func (e *Ext) Unload() {
	e.rec.add("unload:%s:%d", e.lib.ID, e.lib.Generation)
}

type symbols struct {
	lib Fake
	rec *Recorder
}

func (s symbols) Lookup(name string) (plugin.Symbol, error) {
	if name != extension.FactorySymbol || s.lib.NoFactory {
		return nil, fmt.Errorf("symbol %s not found in plugin", name)
	}
	lib, rec := s.lib, s.rec
	return func() extension.Extension {
		if lib.PanicOnNew {
			panic("fake factory panic")
		}
		return NewExt(rec, lib)
	}, nil
}

// Opener returns a library.Opener that reads fake library files. Files that
// are not valid JSON fail the way a corrupt shared object would.
func Opener(rec *Recorder) library.Opener {
	return library.OpenerFunc(func(path string) (library.Symbols, error) {
		data, err := os.ReadFile(path) //nolint:gosec // test helper
		if err != nil {
			return nil, err //nolint:wrapcheck // mirrors plugin.Open
		}
		var s Fake
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, errors.New("invalid ELF header")
		}
		return symbols{lib: s, rec: rec}, nil
	})
}

// Source returns a library.Source over Opener(rec).
func Source(rec *Recorder, opts ...library.Option) *library.Source {
	return library.NewSource(append([]library.Option{library.WithOpener(Opener(rec))}, opts...)...)
}
