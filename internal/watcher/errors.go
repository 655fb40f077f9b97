// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package watcher

import (
	"errors"

	"github.com/samber/oops"
)

// Error codes for watcher failures.
const (
	CodeAlreadyWatched = "ALREADY_WATCHED"
	CodeNotWatched     = "NOT_WATCHED"
	CodeStageFailed    = "STAGE_FAILED"
	CodeSwapFailed     = "SWAP_FAILED"
)

// Sentinel errors for programmatic error checking.
var (
	ErrAlreadyWatched = errors.New("file already watched")
	ErrNotWatched     = errors.New("file not watched")
	ErrStageFailed    = errors.New("cannot stage library copy")
	ErrSwapFailed     = errors.New("swap failed")
)

func errAlreadyWatched(file string) error {
	return oops.Code(CodeAlreadyWatched).With("file", file).Wrap(ErrAlreadyWatched)
}

func errNotWatched(file string) error {
	return oops.Code(CodeNotWatched).With("file", file).Wrap(ErrNotWatched)
}

func errStageFailed(file string, cause error) error {
	return oops.Code(CodeStageFailed).
		With("file", file).
		Wrapf(ErrStageFailed, "%v", cause)
}

func errSwapFailed(file, phase string, cause error) error {
	return oops.Code(CodeSwapFailed).
		With("file", file).
		With("phase", phase).
		With("cause_code", codeOf(cause)).
		Wrapf(ErrSwapFailed, "%s: %v", phase, cause)
}

func codeOf(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok {
			return code
		}
	}
	return ""
}
