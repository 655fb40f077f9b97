// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package main is an example starry extension. It answers every say_hello
// event with a hello_reply event carrying the same payload.
//
// Build with:
//
//	go build -buildmode=plugin -o hello.so ./plugins/hello
//
// and install with "starry install hello.so".
package main

import (
	"encoding/json"
	"sync"

	"github.com/holomush/starry/pkg/extension"
)

// Events used by the extension.
const (
	EventSayHello   = "say_hello"
	EventHelloReply = "hello_reply"
)

// version can be overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

type hello struct {
	mu     sync.Mutex
	emit   extension.EmitSender
	listen extension.ListenSender
}

// New is the factory looked up by the host.
func New() extension.Extension {
	return &hello{}
}

func (h *hello) ID() string { return "hello" }

func (h *hello) Info() string {
	data, _ := json.Marshal(map[string]string{
		"name":        "hello",
		"version":     version,
		"description": "Replies to say_hello events",
	})
	return string(data)
}

func (h *hello) Load(emit extension.EmitSender, listen extension.ListenSender) {
	h.mu.Lock()
	h.emit, h.listen = emit, listen
	h.mu.Unlock()
	_ = listen.Send(extension.SubscribeTo(EventSayHello, h.onSayHello))
}

// Unload cancels the subscription. The host processes it before the
// subscription of a reloaded instance.
func (h *hello) Unload() {
	h.mu.Lock()
	listen := h.listen
	h.emit, h.listen = nil, nil
	h.mu.Unlock()
	if listen != nil {
		_ = listen.Send(extension.UnsubscribeFrom(EventSayHello))
	}
}

func (h *hello) onSayHello(ev extension.Event) {
	h.mu.Lock()
	emit := h.emit
	h.mu.Unlock()
	if emit == nil {
		return
	}
	_ = emit.Send(extension.EmitContent{ID: ev.ID, Event: EventHelloReply, Payload: ev.Payload})
}

func main() {}
