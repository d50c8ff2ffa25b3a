// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/siderolabs/gen/optional"
	"golang.org/x/sys/unix"
)

// Command is a started *exec.Cmd reaped with wait4(WNOHANG).
//
// cmd.Wait must never be called for a Command: the process is reaped by TryWait.
type Command struct {
	cmd *exec.Cmd
	pid int

	mu     sync.Mutex
	status optional.Optional[ExitStatus]
}

// NewCommand wraps a started command.
func NewCommand(cmd *exec.Cmd) (*Command, error) {
	if cmd.Process == nil {
		return nil, errors.New("command is not started")
	}

	return &Command{
		cmd: cmd,
		pid: cmd.Process.Pid,
	}, nil
}

// Cmd returns the wrapped command.
func (c *Command) Cmd() *exec.Cmd {
	return c.cmd
}

// ID implements Waiter.
func (c *Command) ID() int {
	return c.pid
}

// TryWait implements Waiter.
func (c *Command) TryWait() (optional.Optional[ExitStatus], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hasExited(c.status) {
		return c.status, nil
	}

	var ws unix.WaitStatus

	for {
		pid, err := unix.Wait4(c.pid, &ws, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			return optional.None[ExitStatus](), fmt.Errorf("wait4 %d: %w", c.pid, err)
		}

		if pid == 0 {
			return optional.None[ExitStatus](), nil
		}

		break
	}

	c.status = optional.Some(NewExitStatus(ws))

	// the pid is gone, release the pidfd (if any) held by os.Process
	c.cmd.Process.Release() //nolint:errcheck

	return c.status, nil
}

// Kill implements Killer.
func (c *Command) Kill() error {
	return c.Signal(unix.SIGKILL)
}

// Signal sends sig to the process, unless it was already reaped.
func (c *Command) Signal(sig os.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if hasExited(c.status) {
		return os.ErrProcessDone
	}

	return c.cmd.Process.Signal(sig)
}
