// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/siderolabs/gen/optional"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/reaper/pkg/reactor"
	"github.com/siderolabs/reaper/pkg/signal"
	"github.com/siderolabs/reaper/pkg/task"
)

// Child is a spawned process which can be awaited without blocking a goroutine per child.
//
// If the Child is closed before the process exits, the process is reaped
// later by the orphan queue, the global one unless WithOrphanQueue is given.
type Child struct {
	reaper *Reaper[*Command, OrphanQueue[*Command], *signal.Signal]

	// Stdin, Stdout and Stderr are set when the corresponding pipe was requested.
	Stdin  *ChildStdio
	Stdout *ChildStdio
	Stderr *ChildStdio
}

// SpawnOption configures Spawn.
type SpawnOption func(*spawnOptions)

type spawnOptions struct {
	reactor reactor.Reactor
	queue   OrphanQueue[*Command]

	stdin, stdout, stderr bool
}

// WithReactor sets the reactor stdio pipes are registered with.
func WithReactor(r reactor.Reactor) SpawnOption {
	return func(o *spawnOptions) {
		o.reactor = r
	}
}

// WithOrphanQueue sets the queue the child is handed to when closed before it exits.
//
// The queue must be drained by the driver of the handle passed to Spawn.
func WithOrphanQueue(queue OrphanQueue[*Command]) SpawnOption {
	return func(o *spawnOptions) {
		o.queue = queue
	}
}

// WithStdinPipe connects the child's stdin to Child.Stdin.
func WithStdinPipe() SpawnOption {
	return func(o *spawnOptions) {
		o.stdin = true
	}
}

// WithStdoutPipe connects the child's stdout to Child.Stdout.
func WithStdoutPipe() SpawnOption {
	return func(o *spawnOptions) {
		o.stdout = true
	}
}

// WithStderrPipe connects the child's stderr to Child.Stderr.
func WithStderrPipe() SpawnOption {
	return func(o *spawnOptions) {
		o.stderr = true
	}
}

type stdioPipe struct {
	parent *ChildStdio
	child  *os.File
}

// Spawn starts cmd and returns a Child awaiting it.
//
// cmd must not be created with exec.CommandContext, and non-file stdio is not
// supported: both require cmd.Wait, which is never called.
//
//nolint:gocyclo
func Spawn(handle signal.Handle, cmd *exec.Cmd, setters ...SpawnOption) (*Child, error) {
	opts := spawnOptions{
		queue: GlobalOrphanQueue{},
	}

	for _, setter := range setters {
		setter(&opts)
	}

	if cmd.Cancel != nil {
		return nil, errors.New("commands with a context are not supported")
	}

	for _, stream := range []any{cmd.Stdin, cmd.Stdout, cmd.Stderr} {
		if stream == nil {
			continue
		}

		if _, ok := stream.(*os.File); !ok {
			return nil, fmt.Errorf("stdio of type %T is not supported, use *os.File or pipes", stream)
		}
	}

	// subscribe before starting, so that the SIGCHLD handler is installed by the time the child may exit
	sigchild, err := signal.New(handle, signal.KindChild)
	if err != nil {
		return nil, fmt.Errorf("error subscribing to SIGCHLD: %w", err)
	}

	var pipes []*stdioPipe

	cleanup := func() {
		sigchild.Close()

		for _, p := range pipes {
			p.parent.Close() //nolint:errcheck
			p.child.Close()  //nolint:errcheck
		}
	}

	child := &Child{}

	for _, req := range []struct {
		enabled     bool
		childReads  bool
		stream      *io.Reader
		writeStream *io.Writer
		dest        **ChildStdio
	}{
		{enabled: opts.stdin, childReads: true, stream: &cmd.Stdin, dest: &child.Stdin},
		{enabled: opts.stdout, writeStream: &cmd.Stdout, dest: &child.Stdout},
		{enabled: opts.stderr, writeStream: &cmd.Stderr, dest: &child.Stderr},
	} {
		if !req.enabled {
			continue
		}

		if opts.reactor == nil {
			cleanup()

			return nil, errors.New("stdio pipes require a reactor")
		}

		p, err := newStdioPipe(opts.reactor, req.childReads)
		if err != nil {
			cleanup()

			return nil, err
		}

		pipes = append(pipes, p)

		if req.childReads {
			*req.stream = p.child
		} else {
			*req.writeStream = p.child
		}

		*req.dest = p.parent
	}

	if err = cmd.Start(); err != nil {
		cleanup()

		return nil, err
	}

	// the child has its own copies now
	for _, p := range pipes {
		p.child.Close() //nolint:errcheck
	}

	command, err := NewCommand(cmd)
	if err != nil {
		cleanup()

		return nil, err
	}

	child.reaper = NewReaper(command, opts.queue, sigchild)

	return child, nil
}

func newStdioPipe(r reactor.Reactor, childReads bool) (*stdioPipe, error) {
	var fds [2]int

	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("pipe2: %w", err)
	}

	parentFd, childFd := fds[0], fds[1]
	if childReads {
		parentFd, childFd = fds[1], fds[0]
	}

	parent, err := NewChildStdio(parentFd, r)
	if err != nil {
		unix.Close(childFd) //nolint:errcheck

		return nil, err
	}

	return &stdioPipe{
		parent: parent,
		child:  os.NewFile(uintptr(childFd), "pipe"),
	}, nil
}

// ID returns the process identifier.
func (c *Child) ID() int {
	return c.reaper.ID()
}

// TryWait checks whether the child exited, without blocking.
func (c *Child) TryWait() (optional.Optional[ExitStatus], error) {
	return c.reaper.TryWait()
}

// Kill sends SIGKILL to the child.
func (c *Child) Kill() error {
	return c.reaper.Kill()
}

// Signal sends sig to the child.
func (c *Child) Signal(sig os.Signal) error {
	command, ok := c.reaper.Inner()
	if !ok {
		return ErrNotOwned
	}

	return command.Signal(sig)
}

// Poll resolves to the exit status once the child exited.
func (c *Child) Poll(w task.Waker) (task.Poll[ExitStatus], error) {
	return c.reaper.Poll(w)
}

// Wait blocks until the child exits or ctx is canceled.
func (c *Child) Wait(ctx context.Context) (ExitStatus, error) {
	return c.reaper.Wait(ctx)
}

// Stop sends SIGTERM to the child and waits for it to exit.
//
// If the child is still running after timeout, it is killed with SIGKILL.
func (c *Child) Stop(ctx context.Context, timeout time.Duration) (ExitStatus, error) {
	if err := c.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return ExitStatus{}, err
	}

	graceCtx, cancel := context.WithTimeout(ctx, timeout)
	status, err := c.Wait(graceCtx)

	cancel()

	if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
		return status, err
	}

	if err = c.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return ExitStatus{}, err
	}

	return c.Wait(ctx)
}

// Close closes stdio pipes and releases the child, handing it to the orphan
// queue if it is still running.
func (c *Child) Close() error {
	c.reaper.Close()

	var result *multierror.Error

	for _, s := range []*ChildStdio{c.Stdin, c.Stdout, c.Stderr} {
		if s == nil {
			continue
		}

		if err := s.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}
