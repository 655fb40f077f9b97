// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package manager

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// InfoSchemaID is the $id of the generated info schema.
const InfoSchemaID = "https://holomush.dev/schemas/starry-extension-info.schema.json"

// Info documents the well-known fields of an extension's info object.
// Any other fields are allowed and persisted unchanged.
type Info struct {
	Name        string `json:"name,omitempty" jsonschema:"description=Human readable extension name"`
	Version     string `json:"version,omitempty" jsonschema:"description=Extension version string"`
	Description string `json:"description,omitempty" jsonschema:"description=Short description of the extension"`
	Author      string `json:"author,omitempty" jsonschema:"description=Extension author"`
}

var (
	infoSchemaOnce sync.Once
	infoSchema     *jschema.Schema
	infoSchemaErr  error
)

// GenerateInfoSchema returns the JSON Schema for extension info objects.
func GenerateInfoSchema() ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
	}
	schema := r.Reflect(&Info{})
	schema.ID = jsonschema.ID(InfoSchemaID)
	schema.Title = "Starry Extension Info"
	schema.Description = "Schema for the object returned by an extension's Info method"

	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal info schema: %w", err)
	}
	return data, nil
}

func compiledInfoSchema() (*jschema.Schema, error) {
	infoSchemaOnce.Do(func() {
		data, err := GenerateInfoSchema()
		if err != nil {
			infoSchemaErr = err
			return
		}
		doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
		if err != nil {
			infoSchemaErr = fmt.Errorf("parse info schema: %w", err)
			return
		}
		c := jschema.NewCompiler()
		if err := c.AddResource("info.schema.json", doc); err != nil {
			infoSchemaErr = fmt.Errorf("add info schema: %w", err)
			return
		}
		infoSchema, infoSchemaErr = c.Compile("info.schema.json")
	})
	return infoSchema, infoSchemaErr
}

// ParseInfo validates an extension's info string and returns its fields.
// The info must be a JSON object whose well-known fields have the
// documented types.
func ParseInfo(info string) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(info), &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("info is null, want an object")
	}

	sch, err := compiledInfoSchema()
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(strings.NewReader(info))
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	delete(obj, FileNameKey)
	return obj, nil
}
