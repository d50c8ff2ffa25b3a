// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package runtime

import (
	"time"

	"go.uber.org/zap"

	"github.com/siderolabs/reaper/pkg/process"
	"github.com/siderolabs/reaper/pkg/signal"
)

// Options is the functional options struct.
type Options struct {
	// Logger is the parent logger of all the components.
	Logger *zap.Logger
	// ParkTimeout bounds a single wait of the event loop.
	ParkTimeout time.Duration
	// Mode selects how signals are delivered.
	Mode signal.Mode
	// Registry is the signal registry, the process-wide one if nil.
	Registry *signal.Registry
	// Queue receives spawned children closed before they exit, and is drained
	// after every park. The global queue if nil.
	Queue *process.Queue[*process.Command]
	// MaxEvents is the maximum number of readiness events handled per park.
	MaxEvents int
}

// Option is the functional option func.
type Option func(*Options)

// DefaultOptions describes the default options of a runtime.
func DefaultOptions() *Options {
	return &Options{
		Logger:      zap.NewNop(),
		ParkTimeout: time.Second,
		Mode:        signal.ModeAuto,
		MaxEvents:   128,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithParkTimeout sets the maximum duration of a single park.
func WithParkTimeout(timeout time.Duration) Option {
	return func(o *Options) {
		o.ParkTimeout = timeout
	}
}

// WithMode sets the signal delivery mode.
func WithMode(mode signal.Mode) Option {
	return func(o *Options) {
		o.Mode = mode
	}
}

// WithRegistry sets the signal registry.
func WithRegistry(registry *signal.Registry) Option {
	return func(o *Options) {
		o.Registry = registry
	}
}

// WithQueue sets the orphan queue.
func WithQueue(queue *process.Queue[*process.Command]) Option {
	return func(o *Options) {
		o.Queue = queue
	}
}

// WithMaxEvents sets the maximum number of readiness events handled per park.
func WithMaxEvents(n int) Option {
	return func(o *Options) {
		o.MaxEvents = n
	}
}
