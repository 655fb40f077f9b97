// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package manager

import (
	"errors"

	"github.com/samber/oops"

	"github.com/holomush/starry/pkg/errutil"
)

// Error codes reported on result channels and in error notifications.
const (
	CodeNotAFile          = "NOT_A_FILE"
	CodeCopyFailed        = "COPY_FAILED"
	CodeLoadFailed        = "LOAD_FAILED"
	CodeMetadataParse     = "METADATA_PARSE_ERROR"
	CodeAlreadyInstalled  = "ALREADY_INSTALLED"
	CodeNotInstalled      = "NOT_INSTALLED"
	CodePersistenceError  = "PERSISTENCE_ERROR"
	CodeStopped           = "MANAGER_STOPPED"
	CodeInvalidDescriptor = "INVALID_DESCRIPTOR"
	CodeIDChanged         = "ID_CHANGED"
)

// Sentinel errors for programmatic error checking.
var (
	ErrNotAFile          = errors.New("not a regular file")
	ErrCopyFailed        = errors.New("cannot copy extension into install directory")
	ErrLoadFailed        = errors.New("cannot load extension")
	ErrMetadataParse     = errors.New("extension info is not a valid JSON object")
	ErrAlreadyInstalled  = errors.New("extension already installed")
	ErrNotInstalled      = errors.New("extension not installed")
	ErrPersistence       = errors.New("descriptor store failure")
	ErrStopped           = errors.New("extension manager stopped")
	ErrInvalidDescriptor = errors.New("invalid descriptor")
	ErrIDChanged         = errors.New("rebuilt extension reports a different id")
)

// withCause starts an error with code and records the cause's code as
// context. Causes are formatted rather than wrapped so that Code reports this
// layer's code instead of the innermost one.
func withCause(code string, cause error) oops.OopsErrorBuilder {
	b := oops.Code(code)
	if cause != nil {
		b = b.With("cause_code", errutil.Code(cause))
	}
	return b
}

func errNotAFile(path string, cause error) error {
	b := withCause(CodeNotAFile, cause).With("path", path)
	if cause != nil {
		return b.Wrapf(ErrNotAFile, "%s: %v", path, cause)
	}
	return b.Wrapf(ErrNotAFile, "%s", path)
}

func errCopyFailed(path string, cause error) error {
	return withCause(CodeCopyFailed, cause).
		With("path", path).
		Wrapf(ErrCopyFailed, "%v", cause)
}

func errLoadFailed(file string, cause error) error {
	return withCause(CodeLoadFailed, cause).
		With("file", file).
		Wrapf(ErrLoadFailed, "%s: %v", file, cause)
}

func errMetadataParse(file string, cause error) error {
	return withCause(CodeMetadataParse, cause).
		With("file", file).
		Wrapf(ErrMetadataParse, "%s: %v", file, cause)
}

func errAlreadyInstalled(file, id string) error {
	return oops.Code(CodeAlreadyInstalled).
		With("file", file).
		With("id", id).
		Wrap(ErrAlreadyInstalled)
}

func errNotInstalled(id string) error {
	return oops.Code(CodeNotInstalled).With("id", id).Wrap(ErrNotInstalled)
}

func errPersistence(op, id string, cause error) error {
	return withCause(CodePersistenceError, cause).
		With("operation", op).
		With("id", id).
		Wrapf(ErrPersistence, "%s %s: %v", op, id, cause)
}

func errStopped() error {
	return oops.Code(CodeStopped).Wrap(ErrStopped)
}

func errInvalidDescriptor(id, reason string) error {
	return oops.Code(CodeInvalidDescriptor).
		With("id", id).
		Wrapf(ErrInvalidDescriptor, "%s: %s", id, reason)
}

func errIDChanged(file, running, next string) error {
	return oops.Code(CodeIDChanged).
		With("file", file).
		With("running_id", running).
		With("new_id", next).
		Wrapf(ErrIDChanged, "%s: %s became %s", file, running, next)
}
