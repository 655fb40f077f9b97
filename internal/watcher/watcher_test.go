// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package watcher_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/holomush/starry/internal/extensiontest"
	"github.com/holomush/starry/internal/library"
	"github.com/holomush/starry/internal/watcher"
	"github.com/holomush/starry/pkg/errutil"
	"github.com/holomush/starry/pkg/extension"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	install string
	cache   string
	rec     *extensiontest.Recorder
	w       *watcher.Watcher
}

func newFixture(t *testing.T, opts ...watcher.Option) *fixture {
	t.Helper()
	f := &fixture{
		install: t.TempDir(),
		cache:   t.TempDir(),
		rec:     &extensiontest.Recorder{},
	}
	src := extensiontest.Source(f.rec, library.WithRemoveOnRetire())
	f.w = watcher.New(f.install, f.cache, src, opts...)
	return f
}

func (f *fixture) write(t *testing.T, name string, lib extensiontest.Fake) {
	t.Helper()
	extensiontest.WriteLibrary(t, filepath.Join(f.install, name), lib)
}

func cacheEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestWatcher_AddStagesGeneration(t *testing.T) {
	f := newFixture(t)
	f.write(t, "hello.so", extensiontest.Fake{ID: "hello", Generation: 1})

	h, err := f.w.Add(context.Background(), "hello.so")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(f.cache, "hello.1.so"), h.Path())
	assert.Equal(t, watcher.Loaded, f.w.State("hello.so"))
	assert.True(t, f.w.Watching("hello.so"))
	assert.Equal(t, []string{"hello.so"}, f.w.Files())

	ext, err := h.New()
	require.NoError(t, err)
	assert.Equal(t, "hello", ext.ID())
}

func TestWatcher_AddTwiceFails(t *testing.T) {
	f := newFixture(t)
	f.write(t, "hello.so", extensiontest.Fake{ID: "hello"})
	_, err := f.w.Add(context.Background(), "hello.so")
	require.NoError(t, err)

	_, err = f.w.Add(context.Background(), "hello.so")
	errutil.AssertErrorCode(t, err, watcher.CodeAlreadyWatched)
}

func TestWatcher_AddMissingFile(t *testing.T) {
	f := newFixture(t)
	_, err := f.w.Add(context.Background(), "absent.so")
	errutil.AssertErrorCode(t, err, watcher.CodeStageFailed)
	assert.False(t, f.w.Watching("absent.so"))
}

func TestWatcher_AddCorruptLibraryCleansCache(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.install, "junk.so"), []byte("not a library"), 0o600))

	_, err := f.w.Add(context.Background(), "junk.so")
	errutil.AssertErrorCode(t, err, library.CodeOSLoadFailure)
	assert.Empty(t, cacheEntries(t, f.cache))
	assert.Equal(t, watcher.Unwatched, f.w.State("junk.so"))
}

func TestWatcher_RemoveReleasesHandle(t *testing.T) {
	f := newFixture(t)
	f.write(t, "hello.so", extensiontest.Fake{ID: "hello"})
	h, err := f.w.Add(context.Background(), "hello.so")
	require.NoError(t, err)

	assert.True(t, f.w.Remove("hello.so"))
	assert.False(t, f.w.Remove("hello.so"))
	assert.True(t, h.Retired())
	assert.Empty(t, cacheEntries(t, f.cache), "retired staged copy is deleted")
}

func TestWatcher_PollDetectsChanges(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.so", extensiontest.Fake{ID: "a", Generation: 1})
	f.write(t, "b.so", extensiontest.Fake{ID: "b", Generation: 1})
	for _, name := range []string{"a.so", "b.so"} {
		_, err := f.w.Add(context.Background(), name)
		require.NoError(t, err)
	}

	assert.Empty(t, f.w.Poll())

	f.write(t, "b.so", extensiontest.Fake{ID: "b", Generation: 2})
	assert.Equal(t, []string{"b.so"}, f.w.Poll())
	assert.Empty(t, f.w.Poll(), "a change is reported once")
}

func TestWatcher_PollIgnoresMissingUntilReappears(t *testing.T) {
	f := newFixture(t)
	f.write(t, "a.so", extensiontest.Fake{ID: "a", Generation: 1})
	_, err := f.w.Add(context.Background(), "a.so")
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.install, "a.so")))
	assert.Empty(t, f.w.Poll())
	assert.Empty(t, f.w.Poll())
	assert.True(t, f.w.Watching("a.so"))

	f.write(t, "a.so", extensiontest.Fake{ID: "a", Generation: 2})
	assert.Equal(t, []string{"a.so"}, f.w.Poll())
}

func TestWatcher_SwapOrdering(t *testing.T) {
	f := newFixture(t)
	f.write(t, "hello.so", extensiontest.Fake{ID: "hello", Generation: 1})
	old, err := f.w.Add(context.Background(), "hello.so")
	require.NoError(t, err)
	f.write(t, "hello.so", extensiontest.Fake{ID: "hello", Generation: 2})

	var steps []string
	var next *library.Handle
	err = f.w.Swap(context.Background(), "hello.so", watcher.Transitions{
		Before: func(h *library.Handle) error {
			steps = append(steps, "before")
			assert.Same(t, old, h)
			assert.Equal(t, watcher.ReloadingBefore, f.w.State("hello.so"))
			return nil
		},
		After: func(h *library.Handle) error {
			steps = append(steps, "after")
			next = h
			assert.False(t, old.Retired(), "old handle is held until After returns")
			assert.Equal(t, watcher.ReloadingAfter, f.w.State("hello.so"))
			return nil
		},
		Failed: func(error) { steps = append(steps, "failed") },
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"before", "after"}, steps)
	assert.True(t, old.Retired())
	assert.Equal(t, filepath.Join(f.cache, "hello.2.so"), next.Path())
	assert.Equal(t, watcher.Loaded, f.w.State("hello.so"))
	cur, ok := f.w.Handle("hello.so")
	require.True(t, ok)
	assert.Same(t, next, cur)
	assert.Equal(t, []string{"hello.2.so"}, cacheEntries(t, f.cache))
}

func TestWatcher_SwapFailureKeepsOldGeneration(t *testing.T) {
	tests := []struct {
		name    string
		rewrite func(t *testing.T, f *fixture)
		probe   error
		before  error
		after   error
		phase   string
	}{
		{
			name: "corrupt library",
			rewrite: func(t *testing.T, f *fixture) {
				require.NoError(t, os.WriteFile(filepath.Join(f.install, "hello.so"), []byte("garbage"), 0o600))
			},
			phase: "open",
		},
		{
			name: "missing factory",
			rewrite: func(t *testing.T, f *fixture) {
				f.write(t, "hello.so", extensiontest.Fake{ID: "hello", NoFactory: true})
			},
			phase: "open",
		},
		{
			name: "panicking factory",
			rewrite: func(t *testing.T, f *fixture) {
				f.write(t, "hello.so", extensiontest.Fake{ID: "hello", PanicOnNew: true})
			},
			phase: "probe",
		},
		{
			name: "probe rejects",
			rewrite: func(t *testing.T, f *fixture) {
				f.write(t, "hello.so", extensiontest.Fake{ID: "renamed", Generation: 2})
			},
			probe: errors.New("id changed"),
			phase: "probe",
		},
		{
			name: "before fails",
			rewrite: func(t *testing.T, f *fixture) {
				f.write(t, "hello.so", extensiontest.Fake{ID: "hello", Generation: 2})
			},
			before: errors.New("unload refused"),
			phase:  "before",
		},
		{
			name: "after fails",
			rewrite: func(t *testing.T, f *fixture) {
				f.write(t, "hello.so", extensiontest.Fake{ID: "hello", Generation: 2})
			},
			after: errors.New("register refused"),
			phase: "after",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.write(t, "hello.so", extensiontest.Fake{ID: "hello", Generation: 1})
			old, err := f.w.Add(context.Background(), "hello.so")
			require.NoError(t, err)
			tt.rewrite(t, f)

			var failed error
			err = f.w.Swap(context.Background(), "hello.so", watcher.Transitions{
				Probe:  func(*library.Handle, extension.Extension) error { return tt.probe },
				Before: func(*library.Handle) error { return tt.before },
				After:  func(*library.Handle) error { return tt.after },
				Failed: func(err error) { failed = err },
			})

			errutil.AssertErrorCode(t, err, watcher.CodeSwapFailed)
			errutil.AssertErrorContext(t, err, "phase", tt.phase)
			assert.Equal(t, err, failed)
			assert.Equal(t, watcher.ReloadFailed, f.w.State("hello.so"))
			assert.False(t, old.Retired())
			cur, ok := f.w.Handle("hello.so")
			require.True(t, ok)
			assert.Same(t, old, cur)
			assert.Equal(t, []string{"hello.1.so"}, cacheEntries(t, f.cache))
		})
	}
}

func TestWatcher_SwapUnwatched(t *testing.T) {
	f := newFixture(t)
	var failed error
	err := f.w.Swap(context.Background(), "nope.so", watcher.Transitions{Failed: func(err error) { failed = err }})
	errutil.AssertErrorCode(t, err, watcher.CodeNotWatched)
	assert.Equal(t, err, failed)
}

func TestWatcher_RunNotifiesChanges(t *testing.T) {
	for _, useFSNotify := range []bool{false, true} {
		name := "polling"
		if useFSNotify {
			name = "fsnotify"
		}
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, watcher.WithInterval(20*time.Millisecond), watcher.WithFSNotify(useFSNotify))
			f.write(t, "hello.so", extensiontest.Fake{ID: "hello", Generation: 1})
			_, err := f.w.Add(context.Background(), "hello.so")
			require.NoError(t, err)

			var mu sync.Mutex
			var notified []string
			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				f.w.Run(ctx, func(name string) {
					mu.Lock()
					defer mu.Unlock()
					notified = append(notified, name)
				})
			}()

			f.write(t, "hello.so", extensiontest.Fake{ID: "hello", Generation: 2})
			require.Eventually(t, func() bool {
				mu.Lock()
				defer mu.Unlock()
				return len(notified) >= 1
			}, 2*time.Second, 10*time.Millisecond)

			cancel()
			<-done
			f.w.Close()
		})
	}
}
