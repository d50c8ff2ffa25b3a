// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process

import (
	"fmt"

	"github.com/siderolabs/gen/optional"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/reaper/pkg/task"
)

// Waiter is a process which can be checked for exit without blocking.
type Waiter interface {
	// ID returns the process identifier, for diagnostics.
	ID() int
	// TryWait reaps the process if it has exited.
	//
	// It returns an empty optional if the process is still running.
	TryWait() (optional.Optional[ExitStatus], error)
}

// Killer is a process which can be forcibly terminated.
type Killer interface {
	Kill() error
}

// OrphanQueue accepts processes nobody waits for anymore.
type OrphanQueue[W any] interface {
	PushOrphan(orphan W)
}

// Stream is a pollable source of "something might have changed" notifications.
//
// A ready(false) result means the source is gone and will never notify again.
type Stream interface {
	PollRecv(w task.Waker) task.Poll[bool]
}

// ExitStatus is the final state of a reaped process.
type ExitStatus struct {
	ws unix.WaitStatus
}

// NewExitStatus wraps a wait status returned by wait4.
func NewExitStatus(ws unix.WaitStatus) ExitStatus {
	return ExitStatus{ws: ws}
}

// ExitedWith builds the status of a process which exited with code.
func ExitedWith(code int) ExitStatus {
	return ExitStatus{ws: unix.WaitStatus((code & 0xff) << 8)}
}

// SignaledWith builds the status of a process terminated by sig.
func SignaledWith(sig unix.Signal) ExitStatus {
	return ExitStatus{ws: unix.WaitStatus(sig & 0x7f)}
}

// Sys returns the raw wait status.
func (s ExitStatus) Sys() unix.WaitStatus {
	return s.ws
}

// Exited reports whether the process called exit.
func (s ExitStatus) Exited() bool {
	return s.ws.Exited()
}

// Signaled reports whether the process was terminated by a signal.
func (s ExitStatus) Signaled() bool {
	return s.ws.Signaled()
}

// Code returns the exit code, or -1 if the process was terminated by a signal.
func (s ExitStatus) Code() int {
	if !s.ws.Exited() {
		return -1
	}

	return s.ws.ExitStatus()
}

// Signal returns the terminating signal, or -1 if the process exited.
func (s ExitStatus) Signal() unix.Signal {
	if !s.ws.Signaled() {
		return -1
	}

	return s.ws.Signal()
}

// Success reports whether the process exited with code zero.
func (s ExitStatus) Success() bool {
	return s.ws.Exited() && s.ws.ExitStatus() == 0
}

func (s ExitStatus) String() string {
	if s.ws.Signaled() {
		return fmt.Sprintf("signal: %s", s.ws.Signal())
	}

	return fmt.Sprintf("exit status %d", s.ws.ExitStatus())
}

// Err returns nil on success and an *ExitError otherwise.
func (s ExitStatus) Err() error {
	if s.Success() {
		return nil
	}

	return &ExitError{Status: s}
}

// ExitError reports an unsuccessful exit.
type ExitError struct {
	Status ExitStatus
}

func (e *ExitError) Error() string {
	return e.Status.String()
}
