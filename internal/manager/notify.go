// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package manager

import (
	"encoding/json"

	"github.com/holomush/starry/pkg/errutil"
	"github.com/holomush/starry/pkg/extension"
)

// Notification events emitted on the host bus.
const (
	EventInstalled = "installed_extension"
	EventUnloaded  = "unloaded_extension"
	EventLoaded    = "loaded_extension"
	EventListed    = "listed_extension"
	EventReloaded  = "reloaded_extension"
	EventError     = "error"
)

// Request events accepted from the host bus by Attach.
const (
	EventInstallRequest = "install_extension"
	EventRemoveRequest  = "remove_extension"
	EventListRequest    = "list_all_extension"
)

// ExtensionPayload is the payload of installed, loaded and reloaded
// notifications.
type ExtensionPayload struct {
	ID   string          `json:"id"`
	Info json.RawMessage `json:"info"`
}

// ListedPayload is the payload of the listed_extension end marker.
type ListedPayload struct {
	Count int `json:"count"`
}

// ErrorPayload is the payload of an error notification.
type ErrorPayload struct {
	ID      string `json:"id"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (m *Manager) send(event string, req Request, payload string) {
	err := m.emit.Send(extension.EmitContent{ID: req.ID, Event: event, Payload: payload})
	if err != nil {
		errutil.LogError(m.logger, "cannot deliver notification", err,
			"event", event,
			"request_id", req.ID)
	}
}

func (m *Manager) sendJSON(event string, req Request, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("cannot encode notification", "event", event, "error", err)
		return
	}
	m.send(event, req, string(data))
}

func (m *Manager) notifyExtension(event string, req Request, id string, info json.RawMessage) {
	m.sendJSON(event, req, ExtensionPayload{ID: id, Info: info})
}

func (m *Manager) notifyError(req Request, err error) {
	m.sendJSON(EventError, req, ErrorPayload{
		ID:      req.ID,
		Code:    errutil.Code(err),
		Message: err.Error(),
	})
}

func (m *Manager) notifyListed(req Request, count int) {
	m.sendJSON(EventListed, req, ListedPayload{Count: count})
}
