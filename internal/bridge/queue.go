// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package bridge relays messages between extensions and the host event bus.
//
// Extensions hold the producing side of two unbounded FIFO queues: one for
// notifications (EmitContent) and one for subscription requests
// (ListenContent). Each queue has exactly one consuming loop.
package bridge

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/oops"

	"github.com/holomush/starry/pkg/extension"
)

// CodeChannelClosed is attached to sends on a queue whose consumer has stopped.
const CodeChannelClosed = "CHANNEL_CLOSED"

// ErrQueueClosed is returned by Send and Recv once the queue is closed.
var ErrQueueClosed = errors.New("queue closed")

// Queue is an unbounded single-consumer FIFO. Send never blocks.
// There is no backpressure: the queues carry low-frequency lifecycle traffic.
type Queue[T any] struct {
	name   string
	mu     sync.Mutex
	items  []T
	closed bool
	ready  chan struct{}
}

// Compile-time interface checks.
var (
	_ extension.EmitSender   = (*Queue[extension.EmitContent])(nil)
	_ extension.ListenSender = (*Queue[extension.ListenContent])(nil)
)

// NewQueue creates an open queue. name is used in errors and logs.
func NewQueue[T any](name string) *Queue[T] {
	return &Queue[T]{
		name:  name,
		ready: make(chan struct{}, 1),
	}
}

// Name returns the queue name.
func (q *Queue[T]) Name() string {
	return q.name
}

// Send appends msg. It fails with CHANNEL_CLOSED once the consumer is gone.
func (q *Queue[T]) Send(msg T) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return oops.Code(CodeChannelClosed).With("queue", q.name).Wrap(ErrQueueClosed)
	}
	q.items = append(q.items, msg)
	// Signalled under the lock so Close cannot close ready in between.
	select {
	case q.ready <- struct{}{}:
	default:
	}
	q.mu.Unlock()
	return nil
}

// Recv blocks until a message is available, the queue is closed or ctx ends.
func (q *Queue[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return zero, ErrQueueClosed
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return zero, ctx.Err() //nolint:wrapcheck // callers compare against context errors
		case <-q.ready:
		}
	}
}

// Close marks the consumer as gone. Pending messages are dropped.
func (q *Queue[T]) Close() {
	_ = q.Drain()
}

// Drain closes the queue and returns the messages that were still pending,
// so a stopping consumer can answer them.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	pending := q.items
	q.items = nil
	close(q.ready)
	return pending
}

// Closed reports whether Close has been called.
func (q *Queue[T]) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Len returns the number of pending messages.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
