// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package extension defines the contract between the starry host and native
// extensions built with -buildmode=plugin.
//
// An extension library exports a single factory:
//
//	func New() extension.Extension
//
// The host calls New, asks the instance for its ID and Info, then hands it two
// senders in Load. The senders stay valid until Unload returns.
package extension

// FactorySymbol is the exported symbol every extension library must provide.
const FactorySymbol = "New"

// Factory is the signature of the exported FactorySymbol.
type Factory = func() Extension

// Extension is implemented by plugin code.
type Extension interface {
	// ID must be stable across rebuilds of the same extension so that a
	// hot reload can match the old and new instances.
	ID() string

	// Info returns a JSON object describing the extension.
	Info() string

	// Load is called once the instance is registered. The senders may be used
	// from any goroutine for the rest of the instance's lifetime.
	Load(emit EmitSender, listen ListenSender)

	// Unload is called before the instance is dropped.
	Unload()
}

// Sender is the producing side of an unbounded FIFO queue owned by the host.
// Send never blocks. It fails once the consumer has stopped.
type Sender[T any] interface {
	Send(msg T) error
}

// EmitSender forwards notifications to the host event bus.
type EmitSender = Sender[EmitContent]

// ListenSender requests (un)subscriptions on the host event bus.
type ListenSender = Sender[ListenContent]

// EmitContent is a notification bound for the host event bus.
type EmitContent struct {
	// ID correlates the notification with the request that caused it.
	// Empty for notifications that were not requested.
	ID      string
	Event   string
	Payload string
}

// ListenKind selects the action of a ListenContent message.
type ListenKind int

// Listen kinds.
const (
	Subscribe ListenKind = iota
	Unsubscribe
)

// String returns the kind name.
func (k ListenKind) String() string {
	switch k {
	case Subscribe:
		return "subscribe"
	case Unsubscribe:
		return "unsubscribe"
	default:
		return "unknown"
	}
}

// ListenContent asks the host to start or stop delivering a named event.
type ListenContent struct {
	Event string
	Kind  ListenKind
	// Handler is required for Subscribe and ignored for Unsubscribe.
	Handler Handler
}

// Handler receives host events. It may be called from any goroutine.
type Handler func(Event)

// Event is a named event travelling on the host bus.
type Event struct {
	ID      string
	Name    string
	Payload string
}

// SubscribeTo builds a Subscribe message.
func SubscribeTo(event string, h Handler) ListenContent {
	return ListenContent{Event: event, Kind: Subscribe, Handler: h}
}

// UnsubscribeFrom builds an Unsubscribe message.
func UnsubscribeFrom(event string) ListenContent {
	return ListenContent{Event: event, Kind: Unsubscribe}
}
