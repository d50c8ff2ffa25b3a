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
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/reaper/pkg/reactor"
	"github.com/siderolabs/reaper/pkg/task"
)

// ErrExtracted is returned when using a Pipe after its fd was extracted.
var ErrExtracted = errors.New("pipe fd was extracted")

// Pipe owns a raw pipe fd and closes it on Close, unless the fd was extracted.
type Pipe struct {
	mu sync.Mutex
	fd int
}

// NewPipe takes ownership of fd.
func NewPipe(fd int) *Pipe {
	return &Pipe{fd: fd}
}

// Fd returns the owned fd, or -1 after Extract or Close.
func (p *Pipe) Fd() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.fd
}

// Read reads from the pipe; unix.EAGAIN is returned as is for non-blocking pipes.
func (p *Pipe) Read(b []byte) (int, error) {
	fd := p.Fd()
	if fd < 0 {
		return 0, ErrExtracted
	}

	n, err := unix.Read(fd, b)
	if n < 0 {
		n = 0
	}

	return n, err
}

// Write writes to the pipe; unix.EAGAIN is returned as is for non-blocking pipes.
func (p *Pipe) Write(b []byte) (int, error) {
	fd := p.Fd()
	if fd < 0 {
		return 0, ErrExtracted
	}

	n, err := unix.Write(fd, b)
	if n < 0 {
		n = 0
	}

	return n, err
}

// Extract hands the fd over to the caller. It succeeds only once.
func (p *Pipe) Extract() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fd < 0 {
		return -1, ErrExtracted
	}

	fd := p.fd
	p.fd = -1

	return fd, nil
}

// Close closes the fd unless it was extracted. It is safe to call multiple times.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.fd < 0 {
		return nil
	}

	fd := p.fd
	p.fd = -1

	return unix.Close(fd)
}

// SetNonblocking switches fd between blocking and non-blocking mode.
func SetNonblocking(fd int, nonblocking bool) error {
	if err := unix.SetNonblock(fd, nonblocking); err != nil {
		return fmt.Errorf("fcntl O_NONBLOCK on fd %d: %w", fd, err)
	}

	return nil
}

// ChildStdio is the parent end of a child's stdio pipe, registered with the reactor.
//
// Reads and writes wait for readiness reported by the reactor, so the event
// loop must be running.
type ChildStdio struct {
	pipe    *Pipe
	reactor reactor.Reactor
	ready   *task.Notifier
}

// NewChildStdio registers the parent end of a pipe with r.
//
// The fd is switched to non-blocking mode first. On any failure fd is closed.
func NewChildStdio(fd int, r reactor.Reactor) (*ChildStdio, error) {
	pipe := NewPipe(fd)

	if err := SetNonblocking(fd, true); err != nil {
		pipe.Close() //nolint:errcheck

		return nil, err
	}

	s := &ChildStdio{
		pipe:    pipe,
		reactor: r,
		ready:   task.NewNotifier(),
	}

	if err := r.Register(fd, s.ready); err != nil {
		pipe.Close() //nolint:errcheck

		return nil, err
	}

	return s, nil
}

// Fd returns the parent end fd.
func (s *ChildStdio) Fd() int {
	return s.pipe.Fd()
}

// Read implements io.Reader.
func (s *ChildStdio) Read(b []byte) (int, error) {
	return s.ReadContext(context.Background(), b)
}

// ReadContext reads from the pipe, waiting for readiness until ctx is canceled.
func (s *ChildStdio) ReadContext(ctx context.Context, b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	for {
		n, err := s.pipe.Read(b)

		switch {
		case errors.Is(err, unix.EAGAIN):
			if err = s.waitReady(ctx); err != nil {
				return 0, err
			}
		case errors.Is(err, unix.EINTR):
		case err != nil:
			return n, err
		case n == 0:
			return 0, io.EOF
		default:
			return n, nil
		}
	}
}

// Write implements io.Writer.
func (s *ChildStdio) Write(b []byte) (int, error) {
	return s.WriteContext(context.Background(), b)
}

// WriteContext writes all of b, waiting for readiness until ctx is canceled.
func (s *ChildStdio) WriteContext(ctx context.Context, b []byte) (int, error) {
	written := 0

	for written < len(b) {
		n, err := s.pipe.Write(b[written:])
		written += n

		switch {
		case errors.Is(err, unix.EAGAIN):
			if err = s.waitReady(ctx); err != nil {
				return written, err
			}
		case errors.Is(err, unix.EINTR):
		case err != nil:
			return written, err
		}
	}

	return written, nil
}

func (s *ChildStdio) waitReady(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ready.C():
		return nil
	}
}

// IntoStdio converts the pipe into a blocking *os.File, to be inherited by another command.
//
// The pipe is deregistered from the reactor and extracted, then switched back to
// blocking mode, which virtually all programs expect their stdio to be in.
func (s *ChildStdio) IntoStdio() (*os.File, error) {
	fd := s.pipe.Fd()
	if fd < 0 {
		return nil, ErrExtracted
	}

	if err := s.reactor.Deregister(fd); err != nil {
		return nil, err
	}

	fd, err := s.pipe.Extract()
	if err != nil {
		return nil, err
	}

	if err = SetNonblocking(fd, false); err != nil {
		unix.Close(fd) //nolint:errcheck

		return nil, err
	}

	return os.NewFile(uintptr(fd), "pipe"), nil
}

// Close deregisters and closes the pipe.
func (s *ChildStdio) Close() error {
	fd := s.pipe.Fd()
	if fd < 0 {
		return nil
	}

	var result *multierror.Error

	if err := s.reactor.Deregister(fd); err != nil && !errors.Is(err, reactor.ErrShutdown) {
		result = multierror.Append(result, err)
	}

	if err := s.pipe.Close(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}
