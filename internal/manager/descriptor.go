// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package manager

import (
	"encoding/json"
	"maps"
)

// FileNameKey is the field injected into a persisted descriptor to record
// which file in the install directory backs the extension.
const FileNameKey = "__file_name"

// Descriptor is the persisted record of an installed extension.
type Descriptor struct {
	ID string
	// Info is the extension's own info object, without FileNameKey.
	Info     map[string]json.RawMessage
	FileName string
}

// MarshalJSON encodes the info object with FileNameKey added.
func (d Descriptor) MarshalJSON() ([]byte, error) {
	obj := maps.Clone(d.Info)
	if obj == nil {
		obj = make(map[string]json.RawMessage, 1)
	}
	name, err := json.Marshal(d.FileName)
	if err != nil {
		return nil, err //nolint:wrapcheck // strings always marshal
	}
	obj[FileNameKey] = name
	return json.Marshal(obj) //nolint:wrapcheck // RawMessage values are already valid JSON
}

// InfoJSON returns the info object as JSON.
func (d Descriptor) InfoJSON() json.RawMessage {
	if d.Info == nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(d.Info)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// ParseDescriptor decodes a persisted descriptor for id.
func ParseDescriptor(id string, raw []byte) (Descriptor, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return Descriptor{}, errInvalidDescriptor(id, "not a JSON object")
	}

	d := Descriptor{ID: id}
	if name, ok := obj[FileNameKey]; ok {
		if err := json.Unmarshal(name, &d.FileName); err != nil {
			return Descriptor{}, errInvalidDescriptor(id, FileNameKey+" is not a string")
		}
		delete(obj, FileNameKey)
	}
	if d.FileName == "" {
		return Descriptor{}, errInvalidDescriptor(id, "missing "+FileNameKey)
	}
	d.Info = obj
	return d, nil
}
