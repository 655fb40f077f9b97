// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/holomush/starry/internal/library"
	"github.com/holomush/starry/internal/observability"
	"github.com/holomush/starry/internal/registry"
	"github.com/holomush/starry/internal/watcher"
	"github.com/holomush/starry/pkg/errutil"
	"github.com/holomush/starry/pkg/extension"
)

func (m *Manager) handle(ctx context.Context, cmd command) {
	ctx, span := m.tracer.Start(ctx, "manager."+cmd.kind.String(),
		trace.WithAttributes(
			attribute.String("command", cmd.kind.String()),
			attribute.String("request_id", cmd.req.ID),
			attribute.String("argument", cmd.arg),
		),
	)
	defer span.End()

	var err error
	switch cmd.kind {
	case cmdInstall:
		err = m.install(ctx, cmd.arg, cmd.req)
	case cmdRemove:
		err = m.remove(ctx, cmd.arg, cmd.req)
	case cmdList:
		err = m.list(ctx, cmd.req)
	case cmdReload:
		err = m.reload(ctx, cmd.arg)
	}

	result := observability.ResultOK
	if err != nil {
		result = observability.ResultError
	}
	observability.RecordCommand(cmd.kind.String(), result)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := errutil.Code(err); code != "" {
			span.SetAttributes(attribute.String("error.code", code))
		}
	}
	if err != nil && cmd.kind != cmdReload {
		errutil.LogErrorContext(ctx, m.logger, "extension command failed", err,
			"command", cmd.kind.String(),
			"request_id", cmd.req.ID)
		m.notifyError(cmd.req, err)
	}
	if cmd.done != nil {
		cmd.done <- err
	}
}

func (m *Manager) install(ctx context.Context, path string, req Request) error {
	fi, err := os.Stat(path)
	if err != nil {
		return errNotAFile(path, err)
	}
	if !fi.Mode().IsRegular() {
		return errNotAFile(path, nil)
	}

	fileName := filepath.Base(path)
	if m.watcher.Watching(fileName) {
		return errAlreadyInstalled(fileName, "")
	}
	owner, err := m.ownerOf(ctx, fileName)
	if err != nil {
		return err
	}
	if owner != "" {
		return errAlreadyInstalled(fileName, owner)
	}

	dst := filepath.Join(m.dirs.Install, fileName)
	copied, err := copyInto(path, dst)
	if err != nil {
		return errCopyFailed(path, err)
	}
	rollback := func() {
		if !copied {
			return
		}
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("cannot remove copied library", "file", fileName, "error", err)
		}
	}

	id, info, err := m.load(ctx, fileName, "")
	if err != nil {
		rollback()
		return err
	}

	d := Descriptor{ID: id, Info: info, FileName: fileName}
	value, err := json.Marshal(d)
	if err == nil {
		err = m.store.Put(ctx, id, value)
	}
	if err != nil {
		m.registry.Unregister(id)
		m.watcher.Remove(fileName)
		rollback()
		return errPersistence("put", id, err)
	}

	m.logger.InfoContext(ctx, "extension installed", "id", id, "file", fileName, "request_id", req.ID)
	m.notifyExtension(EventInstalled, req, id, d.InfoJSON())
	return nil
}

// ownerOf returns the id of the descriptor backed by fileName, or "".
func (m *Manager) ownerOf(ctx context.Context, fileName string) (string, error) {
	var owner string
	err := m.store.Iterate(ctx, func(id string, raw []byte) error {
		d, err := ParseDescriptor(id, raw)
		if err == nil && d.FileName == fileName {
			owner = id
			return errStopIteration
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return "", errPersistence("iterate", "", err)
	}
	return owner, nil
}

var errStopIteration = errors.New("stop iteration")

// load starts watching fileName and registers the instance it builds. When
// wantID is set the instance must report it. On failure nothing stays
// watched or registered.
func (m *Manager) load(ctx context.Context, fileName, wantID string) (string, map[string]json.RawMessage, error) {
	h, err := m.watcher.Add(ctx, fileName)
	if err != nil {
		if errutil.Code(err) == watcher.CodeAlreadyWatched {
			return "", nil, errAlreadyInstalled(fileName, "")
		}
		return "", nil, errLoadFailed(fileName, err)
	}

	ext, err := h.New()
	if err != nil {
		m.watcher.Remove(fileName)
		return "", nil, errLoadFailed(fileName, err)
	}
	raw, err := infoOf(ext)
	if err != nil {
		m.watcher.Remove(fileName)
		return "", nil, errLoadFailed(fileName, err)
	}
	info, err := ParseInfo(raw)
	if err != nil {
		m.watcher.Remove(fileName)
		return "", nil, errMetadataParse(fileName, err)
	}
	if wantID != "" {
		got, err := identify(ext)
		if err != nil {
			m.watcher.Remove(fileName)
			return "", nil, errLoadFailed(fileName, err)
		}
		if got != wantID {
			m.watcher.Remove(fileName)
			return "", nil, errIDChanged(fileName, wantID, got)
		}
	}

	id, err := m.registry.Register(ext, h)
	if err != nil {
		m.watcher.Remove(fileName)
		if errors.Is(err, registry.ErrAlreadyRegistered) {
			return "", nil, errAlreadyInstalled(fileName, id)
		}
		return "", nil, errLoadFailed(fileName, err)
	}
	return id, info, nil
}

func (m *Manager) remove(ctx context.Context, id string, req Request) error {
	raw, ok, err := m.store.Get(ctx, id)
	if err != nil {
		return errPersistence("get", id, err)
	}
	if !ok {
		return errNotInstalled(id)
	}

	d, err := ParseDescriptor(id, raw)
	if err != nil {
		errutil.LogErrorContext(ctx, m.logger, "removing extension with unreadable descriptor", err, "id", id)
	}

	m.registry.Unregister(id)
	if _, _, err := m.store.Delete(ctx, id); err != nil {
		return errPersistence("delete", id, err)
	}

	if d.FileName != "" {
		m.watcher.Remove(d.FileName)
		if err := os.Remove(filepath.Join(m.dirs.Install, d.FileName)); err != nil && !os.IsNotExist(err) {
			m.logger.Warn("cannot remove extension library", "id", id, "file", d.FileName, "error", err)
		}
	}

	m.logger.InfoContext(ctx, "extension removed", "id", id, "request_id", req.ID)
	m.send(EventUnloaded, req, id)
	return nil
}

func (m *Manager) list(ctx context.Context, req Request) error {
	count := 0
	err := m.store.Iterate(ctx, func(id string, raw []byte) error {
		d, err := ParseDescriptor(id, raw)
		if err != nil {
			errutil.LogErrorContext(ctx, m.logger, "skipping unreadable descriptor", err, "id", id)
			return nil
		}
		count++
		m.notifyExtension(EventLoaded, req, id, d.InfoJSON())
		return nil
	})
	if err != nil {
		return errPersistence("iterate", "", err)
	}
	m.notifyListed(req, count)
	return nil
}

// reload swaps fileName to its current contents. The new build must report
// the id of the running instance, and its info is validated before anything
// is unloaded. If registering the new instance fails, a fresh instance of the
// old generation takes its place.
func (m *Manager) reload(ctx context.Context, fileName string) error {
	var (
		next *library.Handle
		info map[string]json.RawMessage
		id   string
	)
	err := m.watcher.Swap(ctx, fileName, watcher.Transitions{
		Probe: func(h *library.Handle, probe extension.Extension) error {
			nextID, err := identify(probe)
			if err != nil {
				return err
			}
			if running := m.runningID(fileName); running != "" && running != nextID {
				return errIDChanged(fileName, running, nextID)
			}
			raw, err := infoOf(probe)
			if err != nil {
				return err
			}
			if info, err = ParseInfo(raw); err != nil {
				return errMetadataParse(fileName, err)
			}
			next, id = h, nextID
			return nil
		},
		Before: func(*library.Handle) error {
			_, err := m.registry.UnregisterByHandle(next)
			if errors.Is(err, registry.ErrNotRegistered) {
				m.logger.Warn("no running instance to unload before reload", "id", id, "file", fileName)
				return nil
			}
			return err //nolint:wrapcheck // reported with the swap phase
		},
		After: func(h *library.Handle) error {
			ext, err := h.New()
			if err == nil {
				_, err = m.registry.Register(ext, h)
			}
			if err != nil {
				m.restore(fileName)
				return err //nolint:wrapcheck // reported with the swap phase
			}
			return nil
		},
		Failed: func(err error) {
			errutil.LogErrorContext(ctx, m.logger, "extension reload failed", err, "file", fileName)
		},
	})
	if err != nil {
		observability.RecordReload(observability.ResultError)
		return err //nolint:wrapcheck // watcher errors carry their own codes
	}
	observability.RecordReload(observability.ResultOK)

	m.updateDescriptor(ctx, id, fileName, info)
	m.logger.InfoContext(ctx, "extension reloaded", "id", id, "file", fileName)
	m.notifyExtension(EventReloaded, Request{}, id, Descriptor{Info: info}.InfoJSON())
	return nil
}

// runningID returns the id reported by the generation the watcher currently
// tracks for fileName, or "" if it cannot be determined.
func (m *Manager) runningID(fileName string) string {
	h, ok := m.watcher.Handle(fileName)
	if !ok {
		return ""
	}
	ext, err := h.New()
	if err != nil {
		return ""
	}
	id, err := identify(ext)
	if err != nil {
		return ""
	}
	return id
}

// restore registers a fresh instance of the generation the watcher still
// tracks for fileName.
func (m *Manager) restore(fileName string) {
	old, ok := m.watcher.Handle(fileName)
	if !ok {
		return
	}
	ext, err := old.New()
	if err == nil {
		_, err = m.registry.Register(ext, old)
	}
	if err != nil {
		errutil.LogError(m.logger, "cannot restore previous extension generation", err, "file", fileName)
		return
	}
	m.logger.Warn("restored previous extension generation", "file", fileName)
}

func (m *Manager) updateDescriptor(ctx context.Context, id, fileName string, info map[string]json.RawMessage) {
	if _, ok, err := m.store.Get(ctx, id); err != nil || !ok {
		if err != nil {
			errutil.LogErrorContext(ctx, m.logger, "cannot read descriptor after reload", err, "id", id)
		}
		return
	}
	value, err := json.Marshal(Descriptor{ID: id, Info: info, FileName: fileName})
	if err == nil {
		err = m.store.Put(ctx, id, value)
	}
	if err != nil {
		errutil.LogErrorContext(ctx, m.logger, "cannot update descriptor after reload", err, "id", id)
	}
}

// identify calls ext.ID, converting a panic into an error.
func identify(ext extension.Extension) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("id hook panicked: %v", r)
		}
	}()
	return ext.ID(), nil
}

// infoOf calls ext.Info, converting a panic into an error.
func infoOf(ext extension.Extension) (info string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("info hook panicked: %v", r)
		}
	}()
	return ext.Info(), nil
}

// copyInto copies src to dst through a temporary file in dst's directory. It
// reports false without copying when src already is dst.
func copyInto(src, dst string) (bool, error) {
	if same, err := sameFile(src, dst); err != nil || same {
		return false, err
	}

	in, err := os.Open(src) //nolint:gosec // path comes from the operator
	if err != nil {
		return false, fmt.Errorf("open source: %w", err)
	}
	defer in.Close() //nolint:errcheck // read-only

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return false, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename

	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("copy: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return false, fmt.Errorf("sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return false, fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return false, fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return false, fmt.Errorf("rename: %w", err)
	}
	return true, nil
}

func sameFile(a, b string) (bool, error) {
	ai, err := os.Stat(a)
	if err != nil {
		return false, fmt.Errorf("stat source: %w", err)
	}
	bi, err := os.Stat(b)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat destination: %w", err)
	}
	return os.SameFile(ai, bi), nil
}
