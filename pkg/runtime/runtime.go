// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package runtime hosts the event loop which delivers signals and reaps children.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/siderolabs/reaper/pkg/logging"
	"github.com/siderolabs/reaper/pkg/process"
	"github.com/siderolabs/reaper/pkg/reactor"
	"github.com/siderolabs/reaper/pkg/signal"
)

// ErrAlreadyRunning is returned by Run when the event loop is already running.
var ErrAlreadyRunning = errors.New("event loop is already running")

// Runtime owns the reactor, the signal driver and the process driver stacked on top of it.
//
// Exactly one goroutine runs the event loop (Run), any goroutine may spawn
// children and subscribe to signals.
type Runtime struct {
	opts   *Options
	logger *zap.Logger

	reactor reactor.Reactor
	signals *signal.Driver
	driver  *process.Driver
	queue   *process.Queue[*process.Command]

	running atomic.Bool
}

// New builds the driver stack.
func New(setters ...Option) (*Runtime, error) {
	opts := DefaultOptions()

	for _, setter := range setters {
		setter(opts)
	}

	r, err := reactor.New(reactor.WithMaxEvents(opts.MaxEvents))
	if err != nil {
		return nil, fmt.Errorf("error creating reactor: %w", err)
	}

	signalOpts := []signal.Option{
		signal.WithLogger(opts.Logger),
		signal.WithMode(opts.Mode),
	}

	if opts.Registry != nil {
		signalOpts = append(signalOpts, signal.WithRegistry(opts.Registry))
	}

	signals, err := signal.NewDriver(r, signalOpts...)
	if err != nil {
		r.Shutdown() //nolint:errcheck

		return nil, err
	}

	queue := opts.Queue
	if queue == nil {
		queue = process.GlobalQueue()
	}

	return &Runtime{
		opts:    opts,
		logger:  opts.Logger.With(logging.Component("runtime")),
		reactor: r,
		signals: signals,
		driver:  process.NewDriver(signals, process.WithQueue(queue)),
		queue:   queue,
	}, nil
}

// Run runs the event loop until ctx is canceled, then shuts the runtime down.
//
// If the runtime is shut down by other means, Run returns nil.
func (rt *Runtime) Run(ctx context.Context) error {
	if !rt.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	rt.logger.Debug("event loop started", zap.Stringer("mode", rt.signals.Mode()))

	stop := context.AfterFunc(ctx, rt.driver.Unpark)
	defer stop()

	for ctx.Err() == nil {
		if err := rt.driver.ParkTimeout(rt.opts.ParkTimeout); err != nil {
			if errors.Is(err, reactor.ErrShutdown) {
				return nil
			}

			return err
		}
	}

	rt.logger.Debug("event loop stopped")

	return rt.Shutdown()
}

// Shutdown stops signal delivery and releases the reactor.
//
// Pending subscriptions and waiters observe the driver being gone.
func (rt *Runtime) Shutdown() error {
	return rt.driver.Shutdown()
}

// Handle returns the signal driver handle.
func (rt *Runtime) Handle() signal.Handle {
	return rt.driver.Handle()
}

// Mode returns the signal delivery mode the runtime ended up with.
func (rt *Runtime) Mode() signal.Mode {
	return rt.signals.Mode()
}

// Orphans returns the number of closed children which weren't reaped yet.
func (rt *Runtime) Orphans() int {
	return rt.queue.Len()
}

// Unpark wakes up the event loop.
func (rt *Runtime) Unpark() {
	rt.driver.Unpark()
}

// Spawn starts cmd as a child awaited by the event loop.
//
// A child closed before it exits is reaped by the runtime's orphan queue.
func (rt *Runtime) Spawn(cmd *exec.Cmd, setters ...process.SpawnOption) (*process.Child, error) {
	setters = append([]process.SpawnOption{
		process.WithReactor(rt.reactor),
		process.WithOrphanQueue(rt.queue),
	}, setters...)

	child, err := process.Spawn(rt.Handle(), cmd, setters...)
	if err != nil {
		return nil, err
	}

	rt.logger.Debug("spawned child", logging.PID(child.ID()), zap.Strings("args", cmd.Args))

	return child, nil
}

// Signal subscribes to notifications of kind.
func (rt *Runtime) Signal(kind signal.Kind) (*signal.Signal, error) {
	return signal.New(rt.Handle(), kind)
}

// CtrlC waits for the next SIGINT.
func (rt *Runtime) CtrlC(ctx context.Context) error {
	return signal.CtrlC(ctx, rt.Handle())
}
