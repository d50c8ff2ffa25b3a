// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package reactor implements the readiness-polling primitive the event loop parks on.
package reactor

import (
	"errors"
	"time"

	"github.com/siderolabs/reaper/pkg/task"
)

var (
	// ErrShutdown is returned by Park after Shutdown.
	ErrShutdown = errors.New("reactor is shut down")

	// ErrUnsupported is returned by Register on reactors without fd readiness support.
	ErrUnsupported = errors.New("fd registration is not supported by this reactor")
)

// Reactor blocks the event loop until I/O readiness, an unpark or a timeout.
//
// Park, ParkTimeout and Shutdown are called from the single event loop goroutine.
// Unpark, Register and Deregister may be called from any goroutine.
type Reactor interface {
	// Park blocks until a registered fd becomes ready or Unpark is called.
	Park() error
	// ParkTimeout is like Park, but returns after at most d.
	ParkTimeout(d time.Duration) error
	// Unpark wakes up a parked (or the next) Park call.
	Unpark()
	// Register adds a non-blocking fd; w is woken each time the fd becomes ready.
	//
	// Readiness is edge-triggered: the owner has to drain the fd until EAGAIN.
	Register(fd int, w task.Waker) error
	// Deregister removes fd from the reactor.
	Deregister(fd int) error
	// Shutdown releases the reactor resources.
	Shutdown() error
}

// Option configures a reactor.
type Option func(*Options)

// Options for reactor construction.
type Options struct {
	// MaxEvents is the number of readiness events fetched by a single wait.
	MaxEvents int
}

// DefaultOptions returns default reactor options.
func DefaultOptions() *Options {
	return &Options{
		MaxEvents: 128,
	}
}

// WithMaxEvents sets the readiness event batch size.
func WithMaxEvents(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEvents = n
		}
	}
}

func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}

	ms := int(d / time.Millisecond)
	if ms == 0 && d > 0 {
		ms = 1
	}

	return ms
}
