// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package watcher

// State is the lifecycle position of one watched file.
type State int

// File states.
const (
	Unwatched State = iota
	Loaded
	ReloadingBefore
	ReloadingAfter
	ReloadFailed
)

var stateNames = map[State]string{
	Unwatched:       "unwatched",
	Loaded:          "loaded",
	ReloadingBefore: "reloading_before",
	ReloadingAfter:  "reloading_after",
	ReloadFailed:    "reload_failed",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
