// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package errutil holds helpers for oops errors shared by the host packages.
package errutil

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/samber/oops"
)

// LogError logs err at error level. Oops errors contribute their code and
// context as separate attributes; attrs are appended as-is.
func LogError(logger *slog.Logger, msg string, err error, attrs ...any) {
	LogAtContext(context.Background(), logger, slog.LevelError, msg, err, attrs...)
}

// LogErrorContext is LogError with a context, so handlers can pick up the
// active trace span.
func LogErrorContext(ctx context.Context, logger *slog.Logger, msg string, err error, attrs ...any) {
	LogAtContext(ctx, logger, slog.LevelError, msg, err, attrs...)
}

// LogAt is LogError with an explicit level.
func LogAt(logger *slog.Logger, level slog.Level, msg string, err error, attrs ...any) {
	LogAtContext(context.Background(), logger, level, msg, err, attrs...)
}

// LogAtContext is LogAt with a context.
func LogAtContext(ctx context.Context, logger *slog.Logger, level slog.Level, msg string, err error, attrs ...any) {
	if logger == nil {
		logger = slog.Default()
	}
	all := make([]any, 0, len(attrs)+6)
	all = append(all, attrs...)
	if oopsErr, ok := oops.AsOops(err); ok {
		all = append(all, "error", oopsErr.Error())
		if code := Code(err); code != "" {
			all = append(all, "code", code)
		}
		if octx := oopsErr.Context(); len(octx) > 0 {
			all = append(all, "context", octx)
		}
	} else {
		all = append(all, "error", err)
	}
	logger.Log(ctx, level, msg, all...)
}

// Code returns the oops code attached to err, or "" when there is none.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	code := oopsErr.Code()
	if code == nil {
		return ""
	}
	return fmt.Sprint(code)
}

// Message returns the human-readable message of err without its context.
func Message(err error) string {
	if err == nil {
		return ""
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		return oopsErr.Error()
	}
	return err.Error()
}
