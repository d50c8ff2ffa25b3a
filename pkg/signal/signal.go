// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package signal delivers OS signal notifications to pollable subscriptions.
//
// A Driver wraps the event loop reactor: after each park it broadcasts the
// recorded signals through the Registry, which wakes subscriptions waiting
// for the corresponding Kind.
package signal

import (
	"context"
	"errors"
	"fmt"

	"github.com/siderolabs/reaper/pkg/task"
)

var (
	// ErrUnknownKind is returned when subscribing to a kind outside of the registry.
	ErrUnknownKind = errors.New("unknown signal kind")

	// ErrForbiddenKind is returned when subscribing to a signal which can't be handled.
	ErrForbiddenKind = errors.New("signal can't be listened for")

	// ErrDriverGone is returned when the signal driver has been shut down.
	ErrDriverGone = errors.New("signal driver is gone")
)

// Signal is a subscription to notifications for a single Kind.
//
// A Signal only observes broadcasts which happen after it was created.
// It is owned by a single consumer: concurrent PollRecv calls are not supported.
type Signal struct {
	handle Handle
	kind   Kind
	slot   *slot
	seen   uint64
}

// New subscribes to notifications of kind.
//
// The first subscription for a kind installs the OS signal handler for it,
// which stays installed for the rest of the process lifetime.
func New(handle Handle, kind Kind) (*Signal, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, int(kind))
	}

	if kind.Forbidden() {
		return nil, fmt.Errorf("%w: %s", ErrForbiddenKind, kind)
	}

	if handle.Closed() {
		return nil, ErrDriverGone
	}

	if err := handle.enable(kind); err != nil {
		return nil, err
	}

	s := &Signal{
		handle: handle,
		kind:   kind,
		slot:   handle.Registry().slot(kind),
	}

	s.slot.mu.Lock()
	s.seen = s.slot.generation
	s.slot.mu.Unlock()

	return s, nil
}

// Kind returns the subscribed kind.
func (s *Signal) Kind() Kind {
	return s.kind
}

// PollRecv polls for the next notification.
//
// It returns ready(true) if a broadcast was delivered since the previous
// notification, and ready(false) once the driver is gone. Otherwise w is
// woken by the next broadcast of the kind.
func (s *Signal) PollRecv(w task.Waker) task.Poll[bool] {
	s.slot.mu.Lock()
	defer s.slot.mu.Unlock()

	if s.slot.generation != s.seen {
		s.seen = s.slot.generation

		return task.Ready(true)
	}

	if s.handle.Closed() {
		return task.Ready(false)
	}

	s.slot.listeners[s] = w

	return task.Pending[bool]()
}

// TryRecv consumes a notification if one is available, without registering for wake-ups.
func (s *Signal) TryRecv() bool {
	s.slot.mu.Lock()
	defer s.slot.mu.Unlock()

	if s.slot.generation != s.seen {
		s.seen = s.slot.generation

		return true
	}

	return false
}

// Recv waits for the next notification.
//
// It returns false when the driver is gone.
func (s *Signal) Recv(ctx context.Context) (bool, error) {
	return task.Block(ctx, s.PollRecv)
}

// Close removes the subscription from the registry.
func (s *Signal) Close() {
	s.slot.mu.Lock()
	delete(s.slot.listeners, s)
	s.slot.mu.Unlock()
}
