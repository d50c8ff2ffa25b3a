// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process

import (
	"sync"

	"go.uber.org/zap"

	"github.com/siderolabs/reaper/pkg/logging"
	"github.com/siderolabs/reaper/pkg/signal"
)

// Queue holds processes whose waiter went away before they exited.
//
// Orphans are reaped opportunistically by ReapOrphans, which the event loop
// calls after every park.
type Queue[W Waiter] struct {
	logger *zap.Logger

	// sigchildMu guards sigchild and its handle; ReapOrphans only ever TryLocks it.
	sigchildMu     sync.Mutex
	sigchild       *signal.Signal
	sigchildHandle signal.Handle

	mu    sync.Mutex
	queue []W
}

// QueueOption configures a Queue.
type QueueOption func(*queueOptions)

type queueOptions struct {
	logger *zap.Logger
}

// WithQueueLogger sets the queue logger.
func WithQueueLogger(logger *zap.Logger) QueueOption {
	return func(o *queueOptions) {
		o.logger = logger
	}
}

// NewQueue creates an empty orphan queue.
func NewQueue[W Waiter](setters ...QueueOption) *Queue[W] {
	opts := queueOptions{
		logger: zap.NewNop(),
	}

	for _, setter := range setters {
		setter(&opts)
	}

	return &Queue[W]{
		logger: opts.logger.With(logging.Component("orphans")),
	}
}

// PushOrphan adds orphan to the queue.
//
// No attempt to reap it is made until the next ReapOrphans.
func (q *Queue[W]) PushOrphan(orphan W) {
	q.mu.Lock()
	q.queue = append(q.queue, orphan)
	q.mu.Unlock()

	q.logger.Debug("queued orphan", logging.PID(orphan.ID()))
}

// Len returns the number of queued orphans.
func (q *Queue[W]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.queue)
}

// ReapOrphans reaps every orphan which has exited since the last SIGCHLD.
//
// It never blocks: if another goroutine is already reaping, it returns
// immediately and leaves the work to that goroutine.
//
// The SIGCHLD subscription follows handle: a subscription made through
// another (possibly shut down) driver is replaced.
func (q *Queue[W]) ReapOrphans(handle signal.Handle) {
	if !q.sigchildMu.TryLock() {
		return
	}

	defer q.sigchildMu.Unlock()

	if q.sigchild != nil && (q.sigchildHandle != handle || q.sigchildHandle.Closed()) {
		q.sigchild.Close()

		q.sigchild = nil
		q.sigchildHandle = signal.Handle{}
	}

	if q.sigchild != nil {
		if q.sigchild.TryRecv() {
			q.drain()
		}

		return
	}

	q.mu.Lock()
	empty := len(q.queue) == 0
	q.mu.Unlock()

	// only subscribe to SIGCHLD once there is something to reap
	if empty {
		return
	}

	sigchild, err := signal.New(handle, signal.KindChild)
	if err != nil {
		// the driver is not running, nothing to subscribe to, retry on the next call
		q.logger.Debug("failed to subscribe to SIGCHLD", zap.Error(err))

		return
	}

	q.sigchild = sigchild
	q.sigchildHandle = handle

	// orphans might have exited while nobody was subscribed
	q.drain()
}

func (q *Queue[W]) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := len(q.queue) - 1; i >= 0; i-- {
		orphan := q.queue[i]

		status, err := orphan.TryWait()
		if err == nil && !hasExited(status) {
			continue
		}

		// EINTR is retried by TryWait, anything else means the pid is invalid or
		// was already reaped, so the orphan is dropped either way
		if err != nil {
			q.logger.Debug("dropping orphan", logging.PID(orphan.ID()), zap.Error(err))
		} else {
			q.logger.Debug("reaped orphan", logging.PID(orphan.ID()), zap.Stringer("status", status.ValueOrZero()))
		}

		last := len(q.queue) - 1

		q.queue[i] = q.queue[last]

		var zero W

		q.queue[last] = zero
		q.queue = q.queue[:last]
	}
}
