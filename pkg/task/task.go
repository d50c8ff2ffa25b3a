// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package task provides the wake-up plumbing shared by pollable objects.
//
// A pollable object exposes a Poll-style method which never blocks: it either
// returns a ready value, or arranges for the supplied Waker to be woken once
// progress might be possible and returns a pending result.
package task

import "context"

// Waker is notified when a pending poll may be able to make progress.
//
// Wake must be safe to call from any goroutine and must never block.
type Waker interface {
	Wake()
}

// WakerFunc adapts a function to the Waker interface.
type WakerFunc func()

// Wake implements Waker.
func (f WakerFunc) Wake() {
	f()
}

// Notifier is a channel-backed Waker.
//
// Wake-ups are coalesced: any number of Wake calls before the channel is
// read result in a single value on the channel.
type Notifier struct {
	ch chan struct{}
}

// NewNotifier creates a Notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		ch: make(chan struct{}, 1),
	}
}

// Wake implements Waker.
func (n *Notifier) Wake() {
	select {
	case n.ch <- struct{}{}:
	default:
	}
}

// C returns the channel which receives a value after Wake.
func (n *Notifier) C() <-chan struct{} {
	return n.ch
}

// Poll is the result of a single poll attempt.
type Poll[T any] struct {
	value T
	ready bool
}

// Ready returns a ready Poll carrying v.
func Ready[T any](v T) Poll[T] {
	return Poll[T]{value: v, ready: true}
}

// Pending returns a pending Poll.
func Pending[T any]() Poll[T] {
	return Poll[T]{}
}

// IsReady reports whether the poll completed.
func (p Poll[T]) IsReady() bool {
	return p.ready
}

// IsPending reports whether the poll has to be retried after a wake-up.
func (p Poll[T]) IsPending() bool {
	return !p.ready
}

// Value returns the ready value (zero value if pending).
func (p Poll[T]) Value() T {
	return p.value
}

// Block drives poll until it is ready or ctx is canceled.
//
// Between attempts Block sleeps on a Notifier which is handed to poll,
// so poll is only retried after a wake-up.
func Block[T any](ctx context.Context, poll func(Waker) Poll[T]) (T, error) {
	n := NewNotifier()

	for {
		p := poll(n)
		if p.IsReady() {
			return p.Value(), nil
		}

		select {
		case <-ctx.Done():
			var zero T

			return zero, ctx.Err()
		case <-n.C():
		}
	}
}
