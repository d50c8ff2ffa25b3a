// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/siderolabs/gen/optional"

	"github.com/siderolabs/reaper/pkg/signal"
	"github.com/siderolabs/reaper/pkg/task"
)

var (
	// ErrNotOwned is returned when the process was already handed off to the orphan queue.
	ErrNotOwned = errors.New("process is no longer owned by the reaper")

	// ErrKillUnsupported is returned by Kill for processes which can't be killed.
	ErrKillUnsupported = errors.New("process does not support kill")
)

// Reaper waits for a process to exit, woken by notifications on a Stream.
//
// A Reaper owns its process until Close: if the process hasn't exited yet by
// then, it is handed to the orphan queue, which reaps it later.
type Reaper[W Waiter, Q OrphanQueue[W], S Stream] struct {
	inner  optional.Optional[W]
	status optional.Optional[ExitStatus]
	queue  Q
	signal S
}

// NewReaper creates a Reaper owning inner.
func NewReaper[W Waiter, Q OrphanQueue[W], S Stream](inner W, queue Q, stream S) *Reaper[W, Q, S] {
	return &Reaper[W, Q, S]{
		inner:  optional.Some(inner),
		queue:  queue,
		signal: stream,
	}
}

// Inner returns the owned process.
func (r *Reaper[W, Q, S]) Inner() (W, bool) {
	return r.inner.Get()
}

// ID returns the process identifier, or -1 once the process is no longer owned.
func (r *Reaper[W, Q, S]) ID() int {
	inner, ok := r.inner.Get()
	if !ok {
		return -1
	}

	return inner.ID()
}

// TryWait checks the owned process without blocking.
func (r *Reaper[W, Q, S]) TryWait() (optional.Optional[ExitStatus], error) {
	if hasExited(r.status) {
		return r.status, nil
	}

	inner, ok := r.inner.Get()
	if !ok {
		return optional.None[ExitStatus](), ErrNotOwned
	}

	status, err := inner.TryWait()
	if err != nil {
		return status, err
	}

	if hasExited(status) {
		r.status = status
	}

	return status, nil
}

// Kill forcibly terminates the owned process.
func (r *Reaper[W, Q, S]) Kill() error {
	inner, ok := r.inner.Get()
	if !ok {
		return ErrNotOwned
	}

	killer, ok := any(inner).(Killer)
	if !ok {
		return ErrKillUnsupported
	}

	return killer.Kill()
}

// Poll resolves to the exit status once the process has exited.
//
// When Poll returns pending, w is woken on the next notification of the stream.
// A non-nil error resolves the reaper as well.
func (r *Reaper[W, Q, S]) Poll(w task.Waker) (task.Poll[ExitStatus], error) {
	if status, ok := r.status.Get(); ok {
		return task.Ready(status), nil
	}

	inner, ok := r.inner.Get()
	if !ok {
		return task.Pending[ExitStatus](), ErrNotOwned
	}

	for {
		// Register for the next notification BEFORE checking the process.
		// Otherwise the process could exit, and its SIGCHLD arrive, after the check
		// but before the registration, and nothing would ever wake us up again.
		recv := r.signal.PollRecv(w)

		status, err := inner.TryWait()
		if err != nil {
			return task.Pending[ExitStatus](), err
		}

		if exitStatus, exited := status.Get(); exited {
			r.status = status

			return task.Ready(exitStatus), nil
		}

		if recv.IsPending() {
			return task.Pending[ExitStatus](), nil
		}

		if !recv.Value() {
			return task.Pending[ExitStatus](), fmt.Errorf("waiting for process %d: %w", inner.ID(), signal.ErrDriverGone)
		}

		// a notification was consumed without registering w, so loop to register
		// and re-check: the process might have exited together with that notification
	}
}

// Wait blocks until the process exits or ctx is canceled.
//
// Canceling ctx doesn't release the process: call Close to hand it off.
func (r *Reaper[W, Q, S]) Wait(ctx context.Context) (ExitStatus, error) {
	var pollErr error

	status, err := task.Block(ctx, func(w task.Waker) task.Poll[ExitStatus] {
		p, err := r.Poll(w)
		if err != nil {
			pollErr = err

			return task.Ready(ExitStatus{})
		}

		return p
	})
	if err != nil {
		return ExitStatus{}, err
	}

	return status, pollErr
}

// Close releases the process.
//
// A process which is still running is pushed to the orphan queue exactly once,
// nothing happens for a process which has already exited.
func (r *Reaper[W, Q, S]) Close() {
	inner, ok := r.inner.Get()
	if !ok {
		return
	}

	r.inner = optional.None[W]()

	if closer, ok := any(r.signal).(interface{ Close() }); ok {
		closer.Close()
	}

	if hasExited(r.status) {
		return
	}

	if status, err := inner.TryWait(); err == nil && hasExited(status) {
		return
	}

	r.queue.PushOrphan(inner)
}

func hasExited(status optional.Optional[ExitStatus]) bool {
	_, ok := status.Get()

	return ok
}
