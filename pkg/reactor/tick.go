// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package reactor

import (
	"sync"
	"time"

	"github.com/siderolabs/reaper/pkg/task"
)

// Tick is a Reactor without fd readiness support.
//
// Park returns on Unpark or timeout only; it is used on platforms without
// epoll, and by callers which rely on re-checking state on every loop tick.
type Tick struct {
	unpark chan struct{}

	mu      sync.Mutex
	stopped bool
}

// NewTick creates a Tick reactor.
func NewTick() *Tick {
	return &Tick{
		unpark: make(chan struct{}, 1),
	}
}

// Park implements Reactor.
func (t *Tick) Park() error {
	if t.isStopped() {
		return ErrShutdown
	}

	<-t.unpark

	return nil
}

// ParkTimeout implements Reactor.
func (t *Tick) ParkTimeout(d time.Duration) error {
	if t.isStopped() {
		return ErrShutdown
	}

	if d <= 0 {
		select {
		case <-t.unpark:
		default:
		}

		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-t.unpark:
	case <-timer.C:
	}

	return nil
}

// Unpark implements Reactor.
func (t *Tick) Unpark() {
	select {
	case t.unpark <- struct{}{}:
	default:
	}
}

// Register implements Reactor.
func (t *Tick) Register(int, task.Waker) error {
	return ErrUnsupported
}

// Deregister implements Reactor.
func (t *Tick) Deregister(int) error {
	return ErrUnsupported
}

// Shutdown implements Reactor.
func (t *Tick) Shutdown() error {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()

	// release a concurrent Park
	t.Unpark()

	return nil
}

func (t *Tick) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopped
}
