// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process_test

import (
	"sync"

	"github.com/siderolabs/gen/optional"

	"github.com/siderolabs/reaper/pkg/process"
	"github.com/siderolabs/reaper/pkg/task"
)

// fakeWaiter is a process which exits when told to.
type fakeWaiter struct {
	mu sync.Mutex

	pid    int
	status optional.Optional[process.ExitStatus]
	err    error

	waits int
	kills int
}

func newFakeWaiter(pid int) *fakeWaiter {
	return &fakeWaiter{pid: pid}
}

func (w *fakeWaiter) ID() int {
	return w.pid
}

func (w *fakeWaiter) TryWait() (optional.Optional[process.ExitStatus], error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.waits++

	if w.err != nil {
		return optional.None[process.ExitStatus](), w.err
	}

	return w.status, nil
}

func (w *fakeWaiter) Kill() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.kills++

	return nil
}

func (w *fakeWaiter) exit(status process.ExitStatus) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.status = optional.Some(status)
}

func (w *fakeWaiter) fail(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.err = err
}

func (w *fakeWaiter) waitCalls() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.waits
}

// noKillWaiter is a process without the Killer capability.
type noKillWaiter struct {
	pid int
}

func (w noKillWaiter) ID() int {
	return w.pid
}

func (w noKillWaiter) TryWait() (optional.Optional[process.ExitStatus], error) {
	return optional.None[process.ExitStatus](), nil
}

// fakeQueue records pushed orphans.
type fakeQueue[W any] struct {
	mu      sync.Mutex
	orphans []W
}

func (q *fakeQueue[W]) PushOrphan(orphan W) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.orphans = append(q.orphans, orphan)
}

func (q *fakeQueue[W]) pushed() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.orphans)
}

// fakeStream replays queued poll results, then stays pending until notified.
type fakeStream struct {
	mu sync.Mutex

	results []task.Poll[bool]
	waker   task.Waker
	polls   int
	closed  bool

	// onPoll runs after every PollRecv, outside of the lock
	onPoll func()
}

func (s *fakeStream) PollRecv(w task.Waker) task.Poll[bool] {
	s.mu.Lock()

	s.polls++

	var p task.Poll[bool]

	if len(s.results) > 0 {
		p = s.results[0]
		s.results = s.results[1:]
	} else {
		s.waker = w
		p = task.Pending[bool]()
	}

	onPoll := s.onPoll

	s.mu.Unlock()

	if onPoll != nil {
		onPoll()
	}

	return p
}

func (s *fakeStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
}

func (s *fakeStream) push(p task.Poll[bool]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results = append(s.results, p)
}

// notify delivers a notification and wakes the registered waker.
func (s *fakeStream) notify() {
	s.mu.Lock()

	s.results = append(s.results, task.Ready(true))
	w := s.waker
	s.waker = nil

	s.mu.Unlock()

	if w != nil {
		w.Wake()
	}
}

func (s *fakeStream) registered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.waker != nil
}

func (s *fakeStream) pollCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.polls
}

func (s *fakeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}
