// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package manager_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holomush/starry/internal/bridge"
	"github.com/holomush/starry/internal/eventbus"
	"github.com/holomush/starry/internal/extensiontest"
	"github.com/holomush/starry/internal/library"
	"github.com/holomush/starry/internal/manager"
	"github.com/holomush/starry/internal/store"
	"github.com/holomush/starry/internal/watcher"
	"github.com/holomush/starry/pkg/errutil"
	"github.com/holomush/starry/pkg/extension"
)

const timeout = 5 * time.Second

var notifications = []string{
	manager.EventInstalled,
	manager.EventUnloaded,
	manager.EventLoaded,
	manager.EventListed,
	manager.EventReloaded,
	manager.EventError,
}

// harness runs a manager over the fake runtime, a leveldb store and a real
// bus and bridge. Manager notifications are collected in order.
type harness struct {
	rec    *extensiontest.Recorder
	bus    *eventbus.Bus
	bridge *bridge.Bridge
	st     store.Store
	dirs   manager.Dirs
	src    string
	events chan extension.Event
	opts   []manager.Option

	mgr  *manager.Manager
	stop func()
}

func newHarness(t *testing.T, opts ...manager.Option) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		rec: &extensiontest.Recorder{},
		bus: eventbus.New(),
		dirs: manager.Dirs{
			Install: filepath.Join(root, "extension"),
			Cache:   filepath.Join(root, "cache"),
		},
		src:    filepath.Join(root, "src"),
		events: make(chan extension.Event, 256),
		opts:   opts,
	}
	require.NoError(t, os.MkdirAll(h.src, 0o700))

	st, err := store.Open(context.Background(), store.Config{
		Driver: store.DriverLevelDB,
		Path:   filepath.Join(root, "db"),
	})
	require.NoError(t, err)
	h.st = st

	for _, name := range notifications {
		_, err := h.bus.Subscribe(name, func(ev extension.Event) { h.events <- ev })
		require.NoError(t, err)
	}

	h.bridge = bridge.New(h.bus)
	ctx, cancel := context.WithCancel(context.Background())
	h.bridge.Start(ctx)

	t.Cleanup(func() {
		h.shutdown()
		cancel()
		h.bridge.Wait()
		h.bus.Close()
		_ = st.Close()
	})

	h.start(t)
	return h
}

// build creates a manager without running it.
func (h *harness) build(t *testing.T) *manager.Manager {
	t.Helper()
	opts := append([]manager.Option{
		manager.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		manager.WithSource(extensiontest.Source(h.rec, library.WithRemoveOnRetire())),
		manager.WithWatcherOptions(watcher.WithInterval(time.Hour), watcher.WithFSNotify(false)),
	}, h.opts...)
	m, err := manager.New(context.Background(), h.dirs, h.st, h.bridge.Emitter(), h.bridge.Listener(), opts...)
	require.NoError(t, err)
	return m
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	m := h.build(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	h.mgr = m
	h.stop = func() {
		cancel()
		<-done
		m.Close()
	}
}

func (h *harness) shutdown() {
	if h.stop != nil {
		h.stop()
		h.stop = nil
	}
}

// library writes a fake library into the source directory and returns its path.
func (h *harness) library(t *testing.T, name string, lib extensiontest.Fake) string {
	t.Helper()
	path := filepath.Join(h.src, name)
	extensiontest.WriteLibrary(t, path, lib)
	return path
}

func (h *harness) installed(name string) string {
	return filepath.Join(h.dirs.Install, name)
}

// expect returns the next notification and checks its name.
func (h *harness) expect(t *testing.T, name string) extension.Event {
	t.Helper()
	select {
	case ev := <-h.events:
		require.Equal(t, name, ev.Name, "payload: %s", ev.Payload)
		return ev
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for %s", name)
		return extension.Event{}
	}
}

func (h *harness) install(t *testing.T, name string, lib extensiontest.Fake) {
	t.Helper()
	require.NoError(t, wait(t, h.mgr.Install(h.library(t, name, lib), manager.Request{})))
	h.expect(t, manager.EventInstalled)
}

func (h *harness) descriptor(t *testing.T, id string) string {
	t.Helper()
	raw, ok, err := h.st.Get(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "no descriptor for %s", id)
	return string(raw)
}

func (h *harness) descriptors(t *testing.T) int {
	t.Helper()
	n := 0
	require.NoError(t, h.st.Iterate(context.Background(), func(string, []byte) error {
		n++
		return nil
	}))
	return n
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(timeout):
		t.Fatal("timed out waiting for command result")
		return nil
	}
}

func demo(id string, gen int) extensiontest.Fake {
	return extensiontest.Fake{ID: id, Info: `{"name":"demo"}`, Generation: gen}
}

func TestInstall(t *testing.T) {
	t.Run("loads persists and notifies", func(t *testing.T) {
		h := newHarness(t)
		path := h.library(t, "hello.so", demo("abc", 1))

		require.NoError(t, wait(t, h.mgr.Install(path, manager.Request{ID: "req-1"})))

		ev := h.expect(t, manager.EventInstalled)
		assert.Equal(t, "req-1", ev.ID)
		assert.JSONEq(t, `{"id":"abc","info":{"name":"demo"}}`, ev.Payload)
		assert.JSONEq(t, `{"name":"demo","__file_name":"hello.so"}`, h.descriptor(t, "abc"))
		assert.FileExists(t, h.installed("hello.so"))
		assert.Equal(t, []string{"abc"}, h.mgr.IDs())
		assert.Equal(t, []string{"load:abc:1"}, h.rec.Events())
	})

	t.Run("fills in a missing request id", func(t *testing.T) {
		h := newHarness(t)
		path := h.library(t, "hello.so", demo("abc", 1))

		require.NoError(t, wait(t, h.mgr.Install(path, manager.Request{})))

		ev := h.expect(t, manager.EventInstalled)
		assert.NotEmpty(t, ev.ID)
	})

	t.Run("installing from the install directory does not copy", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, os.MkdirAll(h.dirs.Install, 0o700))
		path := h.installed("hello.so")
		extensiontest.WriteLibrary(t, path, demo("abc", 1))

		require.NoError(t, wait(t, h.mgr.Install(path, manager.Request{})))

		h.expect(t, manager.EventInstalled)
		assert.Equal(t, []string{"abc"}, h.mgr.IDs())
	})
}

func TestInstallFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness) string
		code  string
	}{
		{
			name:  "directory",
			setup: func(_ *testing.T, h *harness) string { return h.src },
			code:  manager.CodeNotAFile,
		},
		{
			name:  "missing file",
			setup: func(_ *testing.T, h *harness) string { return filepath.Join(h.src, "missing.so") },
			code:  manager.CodeNotAFile,
		},
		{
			name: "corrupt library",
			setup: func(t *testing.T, h *harness) string {
				path := filepath.Join(h.src, "corrupt.so")
				require.NoError(t, os.WriteFile(path, []byte("\x7fELF garbage"), 0o600))
				return path
			},
			code: manager.CodeLoadFailed,
		},
		{
			name: "missing factory",
			setup: func(t *testing.T, h *harness) string {
				return h.library(t, "nofactory.so", extensiontest.Fake{ID: "nf", Info: `{}`, NoFactory: true})
			},
			code: manager.CodeLoadFailed,
		},
		{
			name: "panicking factory",
			setup: func(t *testing.T, h *harness) string {
				return h.library(t, "panic.so", extensiontest.Fake{ID: "p", Info: `{}`, PanicOnNew: true})
			},
			code: manager.CodeLoadFailed,
		},
		{
			name: "info is not JSON",
			setup: func(t *testing.T, h *harness) string {
				return h.library(t, "badinfo.so", extensiontest.Fake{ID: "b", Info: `name=demo`})
			},
			code: manager.CodeMetadataParse,
		},
		{
			name: "info is an array",
			setup: func(t *testing.T, h *harness) string {
				return h.library(t, "array.so", extensiontest.Fake{ID: "a", Info: `[1,2]`})
			},
			code: manager.CodeMetadataParse,
		},
		{
			name: "info field has wrong type",
			setup: func(t *testing.T, h *harness) string {
				return h.library(t, "typed.so", extensiontest.Fake{ID: "t", Info: `{"name":1}`})
			},
			code: manager.CodeMetadataParse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			path := tt.setup(t, h)

			err := wait(t, h.mgr.Install(path, manager.Request{ID: "req-err"}))
			errutil.AssertErrorCode(t, err, tt.code)

			ev := h.expect(t, manager.EventError)
			assert.Equal(t, "req-err", ev.ID)
			var payload manager.ErrorPayload
			require.NoError(t, json.Unmarshal([]byte(ev.Payload), &payload))
			assert.Equal(t, "req-err", payload.ID)
			assert.Equal(t, tt.code, payload.Code)
			assert.NotEmpty(t, payload.Message)

			assert.Empty(t, h.mgr.IDs())
			assert.Empty(t, h.rec.Events())
			if tt.code != manager.CodeNotAFile {
				assert.NoFileExists(t, h.installed(filepath.Base(path)))
			}
			assert.Zero(t, h.descriptors(t))
		})
	}
}

func TestInstallDuplicates(t *testing.T) {
	h := newHarness(t)
	h.install(t, "a.so", demo("abc", 1))

	t.Run("same id from another file", func(t *testing.T) {
		path := h.library(t, "b.so", demo("abc", 1))
		err := wait(t, h.mgr.Install(path, manager.Request{}))
		errutil.AssertErrorCode(t, err, manager.CodeAlreadyInstalled)
		h.expect(t, manager.EventError)
		assert.NoFileExists(t, h.installed("b.so"))
	})

	t.Run("same file again", func(t *testing.T) {
		path := filepath.Join(h.src, "a.so")
		err := wait(t, h.mgr.Install(path, manager.Request{}))
		errutil.AssertErrorCode(t, err, manager.CodeAlreadyInstalled)
		h.expect(t, manager.EventError)
		assert.FileExists(t, h.installed("a.so"))
	})

	assert.Equal(t, []string{"abc"}, h.mgr.IDs())
	assert.Equal(t, []string{"load:abc:1"}, h.rec.Events())
}

func TestInstallRefusesFileOwnedByAnotherDescriptor(t *testing.T) {
	h := newHarness(t)
	h.install(t, "hello.so", demo("abc", 1))

	// A broken rebuild keeps abc from being restored; its descriptor stays.
	h.shutdown()
	broken := extensiontest.Fake{ID: "abc", Info: `{}`, Generation: 2, NoFactory: true}
	extensiontest.WriteLibrary(t, h.installed("hello.so"), broken)
	h.start(t)
	require.Empty(t, h.mgr.IDs())
	before, err := os.ReadFile(h.installed("hello.so"))
	require.NoError(t, err)

	path := h.library(t, "hello.so", demo("xyz", 1))
	err = wait(t, h.mgr.Install(path, manager.Request{}))

	errutil.AssertErrorCode(t, err, manager.CodeAlreadyInstalled)
	errutil.AssertErrorContext(t, err, "id", "abc")
	h.expect(t, manager.EventError)
	assert.Empty(t, h.mgr.IDs())
	assert.Equal(t, 1, h.descriptors(t))
	after, err := os.ReadFile(h.installed("hello.so"))
	require.NoError(t, err)
	assert.Equal(t, before, after, "installed library must be left untouched")
}

// failingStore rejects every Put.
type failingStore struct {
	store.Store
}

func (failingStore) Put(context.Context, string, []byte) error {
	return errors.New("disk full")
}

func TestInstallRollsBackWhenPersistenceFails(t *testing.T) {
	h := newHarness(t)
	h.shutdown()
	h.st = failingStore{Store: h.st}
	h.start(t)

	path := h.library(t, "hello.so", demo("abc", 1))
	err := wait(t, h.mgr.Install(path, manager.Request{}))

	errutil.AssertErrorCode(t, err, manager.CodePersistenceError)
	h.expect(t, manager.EventError)
	assert.Empty(t, h.mgr.IDs())
	assert.Equal(t, []string{"load:abc:1", "unload:abc:1"}, h.rec.Events())
	assert.NoFileExists(t, h.installed("hello.so"))
}

func TestRemove(t *testing.T) {
	t.Run("unloads and deletes", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))

		require.NoError(t, wait(t, h.mgr.Remove("abc", manager.Request{ID: "req-rm"})))

		ev := h.expect(t, manager.EventUnloaded)
		assert.Equal(t, "req-rm", ev.ID)
		assert.Equal(t, "abc", ev.Payload)
		assert.Empty(t, h.mgr.IDs())
		assert.NoFileExists(t, h.installed("hello.so"))
		assert.Equal(t, []string{"load:abc:1", "unload:abc:1"}, h.rec.Events())
		_, ok, err := h.st.Get(context.Background(), "abc")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("twice succeeds then reports not installed", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))

		require.NoError(t, wait(t, h.mgr.Remove("abc", manager.Request{})))
		h.expect(t, manager.EventUnloaded)

		err := wait(t, h.mgr.Remove("abc", manager.Request{}))
		errutil.AssertErrorCode(t, err, manager.CodeNotInstalled)
		h.expect(t, manager.EventError)
	})

	t.Run("unknown id leaves everything alone", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))

		err := wait(t, h.mgr.Remove("unknown-id", manager.Request{}))
		errutil.AssertErrorCode(t, err, manager.CodeNotInstalled)
		h.expect(t, manager.EventError)

		assert.Equal(t, []string{"abc"}, h.mgr.IDs())
		assert.JSONEq(t, `{"name":"demo","__file_name":"hello.so"}`, h.descriptor(t, "abc"))
		assert.FileExists(t, h.installed("hello.so"))
	})
}

func TestList(t *testing.T) {
	h := newHarness(t)
	h.install(t, "a.so", demo("a", 1))
	h.install(t, "b.so", demo("b", 1))

	require.NoError(t, wait(t, h.mgr.List(manager.Request{ID: "req-ls"})))

	var ids []string
	for range 2 {
		ev := h.expect(t, manager.EventLoaded)
		assert.Equal(t, "req-ls", ev.ID)
		var payload manager.ExtensionPayload
		require.NoError(t, json.Unmarshal([]byte(ev.Payload), &payload))
		assert.JSONEq(t, `{"name":"demo"}`, string(payload.Info))
		ids = append(ids, payload.ID)
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	ev := h.expect(t, manager.EventListed)
	assert.Equal(t, "req-ls", ev.ID)
	assert.JSONEq(t, `{"count":2}`, ev.Payload)
}

func TestCommandsRunInSubmissionOrder(t *testing.T) {
	h := newHarness(t)
	path := h.library(t, "hello.so", demo("abc", 1))

	install := h.mgr.Install(path, manager.Request{ID: "1"})
	remove := h.mgr.Remove("abc", manager.Request{ID: "2"})
	list := h.mgr.List(manager.Request{ID: "3"})

	require.NoError(t, wait(t, install))
	require.NoError(t, wait(t, remove))
	require.NoError(t, wait(t, list))

	ev := h.expect(t, manager.EventInstalled)
	assert.Equal(t, "1", ev.ID)
	ev = h.expect(t, manager.EventUnloaded)
	assert.Equal(t, "2", ev.ID)
	assert.Equal(t, "abc", ev.Payload)
	ev = h.expect(t, manager.EventListed)
	assert.Equal(t, "3", ev.ID)
	assert.JSONEq(t, `{"count":0}`, ev.Payload)
}

func TestRestart(t *testing.T) {
	t.Run("restores installed extensions", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))

		h.shutdown()
		h.start(t)

		ev := h.expect(t, manager.EventLoaded)
		assert.JSONEq(t, `{"id":"abc","info":{"name":"demo"}}`, ev.Payload)
		assert.True(t, h.mgr.Ready())
		assert.Equal(t, []string{"abc"}, h.mgr.IDs())
		assert.Equal(t, []string{"load:abc:1", "unload:abc:1", "load:abc:1"}, h.rec.Events())

		require.NoError(t, wait(t, h.mgr.Remove("abc", manager.Request{})))
		h.expect(t, manager.EventUnloaded)
	})

	t.Run("skips a descriptor whose library is missing", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))

		h.shutdown()
		require.NoError(t, os.Remove(h.installed("hello.so")))
		h.start(t)

		assert.Empty(t, h.mgr.IDs())
		assert.JSONEq(t, `{"name":"demo","__file_name":"hello.so"}`, h.descriptor(t, "abc"))
	})

	t.Run("skips a library that now reports another id", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))

		h.shutdown()
		extensiontest.WriteLibrary(t, h.installed("hello.so"), demo("xyz", 2))
		h.start(t)

		assert.Empty(t, h.mgr.IDs())
		assert.Equal(t, []string{"load:abc:1", "unload:abc:1"}, h.rec.Events())
		assert.JSONEq(t, `{"name":"demo","__file_name":"hello.so"}`, h.descriptor(t, "abc"))

		require.NoError(t, wait(t, h.mgr.Remove("abc", manager.Request{})))
		h.expect(t, manager.EventUnloaded)
		assert.Empty(t, h.mgr.IDs())
		assert.Zero(t, h.descriptors(t))
		assert.NoFileExists(t, h.installed("hello.so"))
	})

	t.Run("clears stale staged copies", func(t *testing.T) {
		h := newHarness(t)
		h.shutdown()
		stale := filepath.Join(h.dirs.Cache, "old.7.so")
		require.NoError(t, os.WriteFile(stale, []byte("x"), 0o600))

		h.start(t)

		assert.NoFileExists(t, stale)
	})
}

func TestReload(t *testing.T) {
	t.Run("unloads the old instance before loading the new one", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))
		h.rec.Reset()

		extensiontest.WriteLibrary(t, h.installed("hello.so"),
			extensiontest.Fake{ID: "abc", Info: `{"name":"demo2"}`, Generation: 2})
		require.NoError(t, wait(t, h.mgr.Reload("hello.so")))

		assert.Equal(t, []string{"unload:abc:1", "load:abc:2"}, h.rec.Events())
		ev := h.expect(t, manager.EventReloaded)
		assert.JSONEq(t, `{"id":"abc","info":{"name":"demo2"}}`, ev.Payload)
		assert.JSONEq(t, `{"name":"demo2","__file_name":"hello.so"}`, h.descriptor(t, "abc"))
		assert.Equal(t, []string{"abc"}, h.mgr.IDs())
	})

	t.Run("failure keeps the running instance", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", extensiontest.Fake{ID: "abc", Info: `{}`, Generation: 1, Subscribe: "ping"})
		h.rec.Reset()

		extensiontest.WriteLibrary(t, h.installed("hello.so"),
			extensiontest.Fake{ID: "abc", Info: `{}`, Generation: 2, NoFactory: true})
		err := wait(t, h.mgr.Reload("hello.so"))

		errutil.AssertErrorCode(t, err, watcher.CodeSwapFailed)
		assert.Equal(t, []string{"abc"}, h.mgr.IDs())
		assert.Empty(t, h.rec.Events())

		ctx := context.Background()
		require.Eventually(t, func() bool {
			_ = h.bus.Emit(ctx, extension.Event{Name: "ping", Payload: "still-here"})
			return slices.Contains(h.rec.Events(), "event:abc:ping:still-here")
		}, timeout, 10*time.Millisecond)
	})

	t.Run("rejects a build that reports another id", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))
		h.rec.Reset()

		extensiontest.WriteLibrary(t, h.installed("hello.so"), demo("other", 2))
		err := wait(t, h.mgr.Reload("hello.so"))

		errutil.AssertErrorCode(t, err, watcher.CodeSwapFailed)
		errutil.AssertErrorContext(t, err, "cause_code", manager.CodeIDChanged)
		assert.Equal(t, []string{"abc"}, h.mgr.IDs())
		assert.Empty(t, h.rec.Events())
	})

	t.Run("rejects a build with invalid info", func(t *testing.T) {
		h := newHarness(t)
		h.install(t, "hello.so", demo("abc", 1))
		h.rec.Reset()

		extensiontest.WriteLibrary(t, h.installed("hello.so"),
			extensiontest.Fake{ID: "abc", Info: `"just a string"`, Generation: 2})
		err := wait(t, h.mgr.Reload("hello.so"))

		errutil.AssertErrorCode(t, err, watcher.CodeSwapFailed)
		errutil.AssertErrorContext(t, err, "cause_code", manager.CodeMetadataParse)
		assert.Empty(t, h.rec.Events())
	})

	t.Run("unknown file", func(t *testing.T) {
		h := newHarness(t)
		err := wait(t, h.mgr.Reload("nothing.so"))
		errutil.AssertErrorCode(t, err, watcher.CodeNotWatched)
	})
}

func TestReloadOnFileChange(t *testing.T) {
	h := newHarness(t, manager.WithWatcherOptions(watcher.WithInterval(20*time.Millisecond)))
	h.install(t, "hello.so", demo("abc", 1))

	extensiontest.WriteLibrary(t, h.installed("hello.so"), demo("abc", 2))

	require.Eventually(t, func() bool {
		return slices.Contains(h.rec.Events(), "load:abc:2")
	}, timeout, 10*time.Millisecond)
	assert.Equal(t, []string{"abc"}, h.mgr.IDs())
}

func TestAttach(t *testing.T) {
	h := newHarness(t)
	before := h.bus.Len()

	detach, err := h.mgr.Attach(h.bus)
	require.NoError(t, err)
	assert.Equal(t, before+3, h.bus.Len())

	ctx := context.Background()
	path := h.library(t, "hello.so", demo("abc", 1))
	require.NoError(t, h.bus.Emit(ctx, extension.Event{ID: "req-1", Name: manager.EventInstallRequest, Payload: path}))
	ev := h.expect(t, manager.EventInstalled)
	assert.Equal(t, "req-1", ev.ID)

	require.NoError(t, h.bus.Emit(ctx, extension.Event{ID: "req-2", Name: manager.EventListRequest}))
	ev = h.expect(t, manager.EventLoaded)
	assert.Equal(t, "req-2", ev.ID)
	ev = h.expect(t, manager.EventListed)
	assert.Equal(t, "req-2", ev.ID)

	require.NoError(t, h.bus.Emit(ctx, extension.Event{ID: "req-3", Name: manager.EventRemoveRequest, Payload: "abc"}))
	ev = h.expect(t, manager.EventUnloaded)
	assert.Equal(t, "req-3", ev.ID)

	detach()
	assert.Equal(t, before, h.bus.Len())
}

func TestStopped(t *testing.T) {
	t.Run("commands after stop fail", func(t *testing.T) {
		h := newHarness(t)
		h.shutdown()

		err := wait(t, h.mgr.List(manager.Request{}))
		errutil.AssertErrorCode(t, err, manager.CodeStopped)
		assert.ErrorIs(t, err, manager.ErrStopped)
	})

	t.Run("queued commands fail on close", func(t *testing.T) {
		h := newHarness(t)
		h.shutdown()

		m := h.build(t)
		pending := m.List(manager.Request{})
		m.Close()

		errutil.AssertErrorCode(t, wait(t, pending), manager.CodeStopped)
	})

	t.Run("run twice", func(t *testing.T) {
		h := newHarness(t)
		require.Error(t, h.mgr.Run(context.Background()))
	})
}
