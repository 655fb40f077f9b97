// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package manager

import (
	"github.com/samber/oops"

	"github.com/holomush/starry/internal/eventbus"
	"github.com/holomush/starry/pkg/extension"
)

// Subscriber is the part of the host bus Attach needs.
type Subscriber interface {
	Subscribe(pattern string, h extension.Handler) (eventbus.SubscriptionID, error)
	Unsubscribe(id eventbus.SubscriptionID) bool
}

// Attach turns host request events into commands: install_extension carries
// a library path, remove_extension an extension id and list_all_extension no
// payload. The event id becomes the request id. The returned func detaches.
func (m *Manager) Attach(bus Subscriber) (func(), error) {
	handlers := map[string]extension.Handler{
		EventInstallRequest: func(ev extension.Event) {
			m.Install(ev.Payload, Request{ID: ev.ID})
		},
		EventRemoveRequest: func(ev extension.Event) {
			m.Remove(ev.Payload, Request{ID: ev.ID})
		},
		EventListRequest: func(ev extension.Event) {
			m.List(Request{ID: ev.ID})
		},
	}

	ids := make([]eventbus.SubscriptionID, 0, len(handlers))
	detach := func() {
		for _, id := range ids {
			bus.Unsubscribe(id)
		}
	}
	for _, event := range []string{EventInstallRequest, EventRemoveRequest, EventListRequest} {
		id, err := bus.Subscribe(event, handlers[event])
		if err != nil {
			detach()
			return nil, oops.With("event", event).Wrapf(err, "attach extension manager")
		}
		ids = append(ids, id)
	}
	return detach, nil
}
