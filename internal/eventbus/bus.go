// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package eventbus is the in-process host event bus. It stands in for the
// embedding application's global event system: named events with string
// payloads, subscriptions identified by opaque handles.
package eventbus

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/holomush/starry/pkg/extension"
)

// SubscriptionID identifies one subscription.
type SubscriptionID = ulid.ULID

// Sentinel errors for programmatic error checking.
var (
	// ErrClosed is returned by Emit and Subscribe after Close.
	ErrClosed = errors.New("event bus closed")
	// ErrInvalidSubscription is returned for an empty pattern or nil handler.
	ErrInvalidSubscription = errors.New("invalid subscription")
)

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new ULID.
func NewID() ulid.ULID {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

type subscription struct {
	pattern string
	matcher glob.Glob // nil for exact names
	handler extension.Handler
}

func (s *subscription) matches(name string) bool {
	if s.matcher != nil {
		return s.matcher.Match(name)
	}
	return s.pattern == name
}

// Bus delivers named events to subscribed handlers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[SubscriptionID]*subscription
	order  []SubscriptionID
	closed bool
	logger *slog.Logger
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[SubscriptionID]*subscription),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers h for events whose name matches pattern. Patterns
// containing glob metacharacters (*, ?, [, {) are matched with gobwas/glob.
func (b *Bus) Subscribe(pattern string, h extension.Handler) (SubscriptionID, error) {
	if pattern == "" || h == nil {
		return SubscriptionID{}, oops.With("pattern", pattern).Wrap(ErrInvalidSubscription)
	}

	sub := &subscription{pattern: pattern, handler: h}
	if strings.ContainsAny(pattern, "*?[{") {
		g, err := glob.Compile(pattern)
		if err != nil {
			return SubscriptionID{}, oops.With("pattern", pattern).Wrapf(ErrInvalidSubscription, "compile pattern: %v", err)
		}
		sub.matcher = g
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return SubscriptionID{}, ErrClosed
	}
	id := NewID()
	b.subs[id] = sub
	b.order = append(b.order, id)
	return id, nil
}

// Unsubscribe cancels a subscription. It reports whether id was active.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[id]; !ok {
		return false
	}
	delete(b.subs, id)
	for i, sid := range b.order {
		if sid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Emit delivers ev to every matching handler, in subscription order, on the
// calling goroutine. An empty ev.ID is replaced with a new ULID. A panicking
// handler is logged and does not stop delivery to the others.
func (b *Bus) Emit(_ context.Context, ev extension.Event) error {
	if ev.Name == "" {
		return oops.Code("EMPTY_EVENT_NAME").Errorf("event name is empty")
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	// Collect handlers to invoke outside the lock
	var targets []extension.Handler
	for _, id := range b.order {
		if sub := b.subs[id]; sub.matches(ev.Name) {
			targets = append(targets, sub.handler)
		}
	}
	b.mu.RUnlock()

	if ev.ID == "" {
		ev.ID = NewID().String()
	}
	for _, h := range targets {
		b.deliver(h, ev)
	}
	return nil
}

func (b *Bus) deliver(h extension.Handler, ev extension.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", ev.Name,
				"event_id", ev.ID,
				"panic", r)
		}
	}()
	h(ev)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close drops every subscription. Later Emit and Subscribe calls fail with ErrClosed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	clear(b.subs)
	b.order = nil
}
