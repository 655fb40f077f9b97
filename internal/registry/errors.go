// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package registry

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes for registry failures.
const (
	CodeAlreadyRegistered = "ALREADY_REGISTERED"
	CodeNotRegistered     = "NOT_REGISTERED"
	CodeInvalidID         = "INVALID_ID"
	CodeHookPanic         = "HOOK_PANIC"
)

// Sentinel errors for programmatic error checking.
var (
	ErrAlreadyRegistered = errors.New("extension already registered")
	ErrNotRegistered     = errors.New("extension not registered")
	ErrInvalidID         = errors.New("invalid extension id")
	ErrHookPanic         = errors.New("extension hook panicked")
)

func errAlreadyRegistered(id string) error {
	return oops.Code(CodeAlreadyRegistered).With("id", id).Wrap(ErrAlreadyRegistered)
}

func errNotRegistered(id string) error {
	return oops.Code(CodeNotRegistered).With("id", id).Wrap(ErrNotRegistered)
}

func errInvalidID() error {
	return oops.Code(CodeInvalidID).Wrapf(ErrInvalidID, "extension reported an empty id")
}

func errHookPanic(hook string, r any) error {
	return oops.Code(CodeHookPanic).With("hook", hook).Wrapf(ErrHookPanic, "%s: %v", hook, r)
}
