// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

//go:build integration

package extension_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/holomush/starry/internal/bridge"
	"github.com/holomush/starry/internal/eventbus"
	"github.com/holomush/starry/internal/manager"
	"github.com/holomush/starry/internal/store"
	"github.com/holomush/starry/internal/watcher"
	"github.com/holomush/starry/pkg/extension"
)

const helloPackage = "github.com/holomush/starry/plugins/hello"

// buildHello builds the example extension. Every generation gets its own
// plugin path because a process can map each plugin path only once.
func buildHello(goBin, dir, version string) string {
	out := filepath.Join(dir, version, "hello.so")
	cmd := exec.Command(goBin, "build", //nolint:gosec // test builds a fixed package
		"-buildmode=plugin",
		"-ldflags", "-pluginpath=starry-hello-"+version+" -X main.version="+version,
		"-o", out,
		helloPackage)
	output, err := cmd.CombinedOutput()
	Expect(err).NotTo(HaveOccurred(), string(output))
	return out
}

func await(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(30 * time.Second):
		Fail("timed out waiting for command result")
		return nil
	}
}

func copyFile(src, dst string) {
	data, err := os.ReadFile(src) //nolint:gosec // test fixture
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(dst, data, 0o600)).To(Succeed())
}

var _ = Describe("Native extension lifecycle", Ordered, func() {
	var (
		ctx       context.Context
		cancel    context.CancelFunc
		dirs      manager.Dirs
		st        store.Store
		bus       *eventbus.Bus
		br        *bridge.Bridge
		mgr       *manager.Manager
		runDone   chan error
		replies   chan extension.Event
		notes     chan extension.Event
		gen1      string
		gen2      string
		installed string
	)

	// sayHello emits say_hello until a reply with payload arrives.
	sayHello := func(payload string) {
		Eventually(func() bool {
			Expect(bus.Emit(ctx, extension.Event{Name: "say_hello", Payload: payload})).To(Succeed())
			select {
			case ev := <-replies:
				return ev.Payload == payload
			case <-time.After(50 * time.Millisecond):
				return false
			}
		}, 10*time.Second).Should(BeTrue())
	}

	// countReplies emits one say_hello and counts the replies carrying
	// payload within window.
	countReplies := func(payload string, window time.Duration) int {
		Expect(bus.Emit(ctx, extension.Event{Name: "say_hello", Payload: payload})).To(Succeed())
		count := 0
		deadline := time.After(window)
		for {
			select {
			case ev := <-replies:
				if ev.Payload == payload {
					count++
				}
			case <-deadline:
				return count
			}
		}
	}

	nextNote := func(name string) extension.Event {
		var ev extension.Event
		Eventually(notes, 10*time.Second).Should(Receive(&ev))
		Expect(ev.Name).To(Equal(name), "payload: %s", ev.Payload)
		return ev
	}

	BeforeAll(func() {
		if runtime.GOOS == "windows" {
			Skip("Go plugins are not supported on windows")
		}
		goBin, err := exec.LookPath("go")
		if err != nil {
			Skip("go toolchain not found")
		}

		buildDir := GinkgoT().TempDir()
		gen1 = buildHello(goBin, buildDir, "1.0.0")
		gen2 = buildHello(goBin, buildDir, "2.0.0")

		root := GinkgoT().TempDir()
		dirs = manager.Dirs{
			Install: filepath.Join(root, "extension"),
			Cache:   filepath.Join(root, "cache"),
		}
		installed = filepath.Join(dirs.Install, "hello.so")

		ctx, cancel = context.WithCancel(context.Background())
		st, err = store.Open(ctx, store.Config{Driver: store.DriverLevelDB, Path: filepath.Join(root, "db")})
		Expect(err).NotTo(HaveOccurred())

		bus = eventbus.New()
		replies = make(chan extension.Event, 64)
		notes = make(chan extension.Event, 64)
		_, err = bus.Subscribe("hello_reply", func(ev extension.Event) { replies <- ev })
		Expect(err).NotTo(HaveOccurred())
		_, err = bus.Subscribe("*_extension", func(ev extension.Event) { notes <- ev })
		Expect(err).NotTo(HaveOccurred())

		br = bridge.New(bus)
		br.Start(ctx)

		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		mgr, err = manager.New(ctx, dirs, st, br.Emitter(), br.Listener(),
			manager.WithLogger(logger),
			manager.WithWatcherOptions(watcher.WithInterval(time.Hour), watcher.WithFSNotify(false)),
		)
		Expect(err).NotTo(HaveOccurred())

		runDone = make(chan error, 1)
		go func() { runDone <- mgr.Run(ctx) }()
	})

	AfterAll(func() {
		if cancel == nil {
			return
		}
		cancel()
		if runDone != nil {
			Eventually(runDone, 10*time.Second).Should(Receive())
		}
		if mgr != nil {
			mgr.Close()
		}
		if br != nil {
			br.Wait()
		}
		if bus != nil {
			bus.Close()
		}
		if st != nil {
			Expect(st.Close()).To(Succeed())
		}
	})

	It("installs a library and answers its events", func() {
		Expect(await(mgr.Install(gen1, manager.Request{ID: "install-1"}))).To(Succeed())

		ev := nextNote(manager.EventInstalled)
		Expect(ev.ID).To(Equal("install-1"))
		var payload manager.ExtensionPayload
		Expect(json.Unmarshal([]byte(ev.Payload), &payload)).To(Succeed())
		Expect(payload.ID).To(Equal("hello"))
		Expect(string(payload.Info)).To(ContainSubstring(`"version":"1.0.0"`))
		Expect(mgr.IDs()).To(ConsistOf("hello"))

		sayHello("first")
	})

	It("hot-reloads a rebuilt library", func() {
		copyFile(gen2, installed)
		Expect(await(mgr.Reload("hello.so"))).To(Succeed())

		ev := nextNote(manager.EventReloaded)
		Expect(ev.Payload).To(ContainSubstring(`"version":"2.0.0"`))
		Expect(mgr.IDs()).To(ConsistOf("hello"))

		sayHello("second")
		Expect(countReplies("once", 300*time.Millisecond)).To(Equal(1), "exactly one generation may answer")
	})

	It("keeps the running generation when a reload fails", func() {
		Expect(os.WriteFile(installed, []byte("not a shared object"), 0o600)).To(Succeed())

		err := await(mgr.Reload("hello.so"))
		Expect(err).To(HaveOccurred())
		Expect(mgr.IDs()).To(ConsistOf("hello"))

		sayHello("third")
	})

	It("removes the extension", func() {
		Expect(await(mgr.Remove("hello", manager.Request{ID: "remove-1"}))).To(Succeed())

		ev := nextNote(manager.EventUnloaded)
		Expect(ev.Payload).To(Equal("hello"))
		Expect(mgr.IDs()).To(BeEmpty())
		Expect(installed).NotTo(BeAnExistingFile())

		Expect(countReplies("gone", 300*time.Millisecond)).To(BeZero())
	})
})
