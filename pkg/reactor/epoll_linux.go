// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/reaper/pkg/task"
)

// Epoll is a Reactor backed by epoll(7), unparked through an eventfd.
type Epoll struct {
	epfd    int
	eventfd int

	events []unix.EpollEvent

	mu      sync.Mutex
	wakers  map[int]task.Waker
	stopped bool
	// waiting is set while a goroutine is inside epoll_wait, the fds are
	// closed by that goroutine once it returns
	waiting bool
}

// New creates the default reactor for the platform.
func New(setters ...Option) (Reactor, error) {
	return NewEpoll(setters...)
}

// NewEpoll creates an epoll reactor.
func NewEpoll(setters ...Option) (*Epoll, error) {
	opts := DefaultOptions()

	for _, setter := range setters {
		setter(opts)
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd) //nolint:errcheck

		return nil, fmt.Errorf("eventfd: %w", err)
	}

	if err = unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(efd),
	}); err != nil {
		unix.Close(efd)  //nolint:errcheck
		unix.Close(epfd) //nolint:errcheck

		return nil, fmt.Errorf("registering eventfd: %w", err)
	}

	return &Epoll{
		epfd:    epfd,
		eventfd: efd,
		events:  make([]unix.EpollEvent, opts.MaxEvents),
		wakers:  map[int]task.Waker{},
	}, nil
}

// Park implements Reactor.
func (e *Epoll) Park() error {
	return e.wait(-1)
}

// ParkTimeout implements Reactor.
func (e *Epoll) ParkTimeout(d time.Duration) error {
	return e.wait(timeoutMillis(d))
}

func (e *Epoll) wait(msec int) error {
	e.mu.Lock()

	if e.stopped {
		e.mu.Unlock()

		return ErrShutdown
	}

	e.waiting = true
	e.mu.Unlock()

	n, err := unix.EpollWait(e.epfd, e.events, msec)

	e.mu.Lock()
	e.waiting = false

	if e.stopped {
		e.closeFds() //nolint:errcheck
		e.mu.Unlock()

		return ErrShutdown
	}

	e.mu.Unlock()

	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}

		return fmt.Errorf("epoll_wait: %w", err)
	}

	var ready []task.Waker

	e.mu.Lock()

	for _, ev := range e.events[:n] {
		fd := int(ev.Fd)

		if fd == e.eventfd {
			e.drainEventfd()

			continue
		}

		if w := e.wakers[fd]; w != nil {
			ready = append(ready, w)
		}
	}

	e.mu.Unlock()

	for _, w := range ready {
		w.Wake()
	}

	return nil
}

func (e *Epoll) drainEventfd() {
	var buf [8]byte

	for {
		if _, err := unix.Read(e.eventfd, buf[:]); err != nil {
			return
		}
	}
}

// Unpark implements Reactor.
func (e *Epoll) Unpark() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return
	}

	e.signalEventfd()
}

// signalEventfd wakes up epoll_wait, e.mu must be held.
func (e *Epoll) signalEventfd() {
	var buf [8]byte

	binary.NativeEndian.PutUint64(buf[:], 1)

	// EAGAIN means the counter is already non-zero, the park is woken anyways
	unix.Write(e.eventfd, buf[:]) //nolint:errcheck
}

// Register implements Reactor.
func (e *Epoll) Register(fd int, w task.Waker) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrShutdown
	}

	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(fd),
	}); err != nil {
		return fmt.Errorf("registering fd %d: %w", fd, err)
	}

	e.wakers[fd] = w

	return nil
}

// Deregister implements Reactor.
func (e *Epoll) Deregister(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return ErrShutdown
	}

	delete(e.wakers, fd)

	if err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("deregistering fd %d: %w", fd, err)
	}

	return nil
}

// Shutdown implements Reactor.
//
// A concurrent Park is woken up and returns ErrShutdown.
func (e *Epoll) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped {
		return nil
	}

	e.stopped = true
	e.wakers = nil

	if e.waiting {
		e.signalEventfd()

		return nil
	}

	return e.closeFds()
}

// closeFds releases the epoll and eventfd fds, e.mu must be held.
func (e *Epoll) closeFds() error {
	var result *multierror.Error

	if err := unix.Close(e.eventfd); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing eventfd: %w", err))
	}

	if err := unix.Close(e.epfd); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing epoll: %w", err))
	}

	return result.ErrorOrNil()
}
