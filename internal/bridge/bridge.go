// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/holomush/starry/internal/eventbus"
	"github.com/holomush/starry/internal/observability"
	"github.com/holomush/starry/pkg/errutil"
	"github.com/holomush/starry/pkg/extension"
)

// Loop names used in logs and metrics.
const (
	LoopEmit   = "emit"
	LoopListen = "listen"
)

// Bus is the host event bus the bridge forwards to.
type Bus interface {
	Emit(ctx context.Context, ev extension.Event) error
	Subscribe(pattern string, h extension.Handler) (eventbus.SubscriptionID, error)
	Unsubscribe(id eventbus.SubscriptionID) bool
}

// Bridge owns the emit and listen queues and the two loops consuming them.
type Bridge struct {
	bus     Bus
	emit    *Queue[extension.EmitContent]
	listen  *Queue[extension.ListenContent]
	logger  *slog.Logger
	wg      sync.WaitGroup
	started atomic.Bool
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// New creates a bridge forwarding to bus. Call Start to run the loops.
func New(bus Bus, opts ...Option) *Bridge {
	b := &Bridge{
		bus:    bus,
		emit:   NewQueue[extension.EmitContent](LoopEmit),
		listen: NewQueue[extension.ListenContent](LoopListen),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emitter returns the producing side of the emit queue.
func (b *Bridge) Emitter() *Queue[extension.EmitContent] {
	return b.emit
}

// Listener returns the producing side of the listen queue.
func (b *Bridge) Listener() *Queue[extension.ListenContent] {
	return b.listen
}

// Start launches the emit and listen loops. They run until ctx is done or
// their queue is closed. Start is a no-op after the first call.
func (b *Bridge) Start(ctx context.Context) {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.runEmit(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.runListen(ctx)
	}()
}

// Wait blocks until both loops have returned.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Close closes both queues, which stops the loops. Further sends fail.
func (b *Bridge) Close() {
	b.emit.Close()
	b.listen.Close()
}

func (b *Bridge) runEmit(ctx context.Context) {
	defer b.emit.Close()
	b.logger.Debug("emit loop started")
	defer b.logger.Debug("emit loop stopped")

	for {
		msg, err := b.emit.Recv(ctx)
		if err != nil {
			return
		}

		ev := extension.Event{ID: msg.ID, Name: msg.Event, Payload: msg.Payload}
		if err := b.bus.Emit(ctx, ev); err != nil {
			observability.RecordBridgeMessage(LoopEmit, observability.ResultError)
			if errors.Is(err, eventbus.ErrClosed) {
				b.logger.Warn("host bus closed, stopping emit loop")
				return
			}
			errutil.LogError(b.logger, "host bus rejected notification", err,
				"event", msg.Event,
				"request_id", msg.ID)
			continue
		}
		observability.RecordBridgeMessage(LoopEmit, observability.ResultOK)
	}
}

func (b *Bridge) runListen(ctx context.Context) {
	defer b.listen.Close()
	b.logger.Debug("listen loop started")
	defer b.logger.Debug("listen loop stopped")

	// Owned by this goroutine only.
	subs := make(map[string]eventbus.SubscriptionID)
	defer func() {
		for event, id := range subs {
			b.bus.Unsubscribe(id)
			delete(subs, event)
		}
	}()

	for {
		msg, err := b.listen.Recv(ctx)
		if err != nil {
			return
		}

		switch msg.Kind {
		case extension.Subscribe:
			b.subscribe(subs, msg)
		case extension.Unsubscribe:
			b.unsubscribe(subs, msg.Event)
		default:
			observability.RecordBridgeMessage(LoopListen, observability.ResultError)
			b.logger.Warn("unknown listen kind", "event", msg.Event, "kind", msg.Kind.String())
		}
	}
}

func (b *Bridge) subscribe(subs map[string]eventbus.SubscriptionID, msg extension.ListenContent) {
	if msg.Handler == nil {
		observability.RecordBridgeMessage(LoopListen, observability.ResultError)
		b.logger.Warn("subscribe without handler ignored", "event", msg.Event)
		return
	}

	id, err := b.bus.Subscribe(msg.Event, msg.Handler)
	if err != nil {
		observability.RecordBridgeMessage(LoopListen, observability.ResultError)
		errutil.LogError(b.logger, "host bus rejected subscription", err, "event", msg.Event)
		return
	}

	// The earlier subscription stays active on the bus but can no longer be
	// cancelled through an Unsubscribe for this event.
	if prev, ok := subs[msg.Event]; ok {
		observability.RecordSupersededSubscription()
		b.logger.Warn("subscription superseded",
			"event", msg.Event,
			"previous", prev.String(),
			"current", id.String())
	}
	subs[msg.Event] = id
	observability.RecordBridgeMessage(LoopListen, observability.ResultOK)
}

func (b *Bridge) unsubscribe(subs map[string]eventbus.SubscriptionID, event string) {
	id, ok := subs[event]
	if !ok {
		b.logger.Debug("unsubscribe for unknown event ignored", "event", event)
		observability.RecordBridgeMessage(LoopListen, observability.ResultOK)
		return
	}
	delete(subs, event)
	b.bus.Unsubscribe(id)
	observability.RecordBridgeMessage(LoopListen, observability.ResultOK)
}
