// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package watcher

import (
	"context"

	"github.com/fsnotify/fsnotify"
)

// wakeOnChange returns a channel that receives whenever the install directory
// reports a write, create or rename. Polling stays authoritative; this only
// shortens the delay. If fsnotify is unavailable the channel never fires.
func (w *Watcher) wakeOnChange(ctx context.Context) (<-chan struct{}, func()) {
	wake := make(chan struct{}, 1)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("fsnotify unavailable, polling only", "error", err)
		return wake, func() {}
	}
	if err := fw.Add(w.installDir); err != nil {
		_ = fw.Close()
		w.logger.Warn("cannot watch install directory, polling only", "dir", w.installDir, "error", err)
		return wake, func() {}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("fsnotify error", "error", err)
			}
		}
	}()

	return wake, func() {
		_ = fw.Close()
		<-done
	}
}
