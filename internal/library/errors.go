// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package library

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes for library loading failures.
const (
	CodeSymbolNotFound = "SYMBOL_NOT_FOUND"
	CodeOSLoadFailure  = "OS_LOAD_FAILURE"
	CodeFactoryPanic   = "FACTORY_PANIC"
	CodeHandleRetired  = "HANDLE_RETIRED"
)

// Sentinel errors for errors.Is checks.
var (
	ErrSymbolNotFound = errors.New("factory symbol not found")
	ErrOSLoadFailure  = errors.New("cannot load shared library")
	ErrFactoryPanic   = errors.New("factory panicked")
	ErrHandleRetired  = errors.New("library handle retired")
)

func errSymbolNotFound(path, detail string) error {
	return oops.Code(CodeSymbolNotFound).
		With("path", path).
		Wrapf(ErrSymbolNotFound, "%s", detail)
}

func errOSLoadFailure(path string, cause error) error {
	return oops.Code(CodeOSLoadFailure).
		With("path", path).
		With("cause", cause.Error()).
		Wrapf(ErrOSLoadFailure, "open %s: %v", path, cause)
}

func errFactoryPanic(path string, recovered any) error {
	return oops.Code(CodeFactoryPanic).
		With("path", path).
		Wrapf(ErrFactoryPanic, "%v", recovered)
}

func errHandleRetired(path string) error {
	return oops.Code(CodeHandleRetired).
		With("path", path).
		Wrap(ErrHandleRetired)
}
