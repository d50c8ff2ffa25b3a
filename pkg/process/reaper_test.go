// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/reaper/pkg/process"
	"github.com/siderolabs/reaper/pkg/signal"
	"github.com/siderolabs/reaper/pkg/task"
)

type testReaper = process.Reaper[*fakeWaiter, *fakeQueue[*fakeWaiter], *fakeStream]

func newTestReaper(pid int) (*testReaper, *fakeWaiter, *fakeQueue[*fakeWaiter], *fakeStream) {
	w := newFakeWaiter(pid)
	q := &fakeQueue[*fakeWaiter]{}
	s := &fakeStream{}

	return process.NewReaper(w, q, s), w, q, s
}

func TestReaperPendingThenExit(t *testing.T) {
	r, w, _, s := newTestReaper(42)

	n := task.NewNotifier()

	p, err := r.Poll(n)
	require.NoError(t, err)
	assert.True(t, p.IsPending())
	assert.True(t, s.registered())

	// the signal is broadcast, and the process exits before the next poll
	s.notify()
	w.exit(process.ExitedWith(3))

	select {
	case <-n.C():
	default:
		require.FailNow(t, "reaper was not woken")
	}

	p, err = r.Poll(n)
	require.NoError(t, err)
	require.True(t, p.IsReady())
	assert.Equal(t, 3, p.Value().Code())

	// resolved reapers stay resolved without checking the process again
	waits := w.waitCalls()

	p, err = r.Poll(n)
	require.NoError(t, err)
	require.True(t, p.IsReady())
	assert.Equal(t, 3, p.Value().Code())
	assert.Equal(t, waits, w.waitCalls())
}

func TestReaperExitRacesRegistration(t *testing.T) {
	r, w, _, s := newTestReaper(42)

	// the process exits right after the waker is registered, and its
	// notification has already been delivered to nobody
	s.onPoll = func() {
		w.exit(process.SignaledWith(unix.SIGTERM))
	}

	p, err := r.Poll(task.NewNotifier())
	require.NoError(t, err)
	require.True(t, p.IsReady())
	assert.True(t, p.Value().Signaled())
	assert.Equal(t, unix.SIGTERM, p.Value().Signal())
}

func TestReaperReadyStreamRechecks(t *testing.T) {
	r, w, _, s := newTestReaper(42)

	s.push(task.Ready(true))
	s.push(task.Ready(true))

	p, err := r.Poll(task.NewNotifier())
	require.NoError(t, err)
	assert.True(t, p.IsPending())

	// two consumed notifications, then registration
	assert.Equal(t, 3, s.pollCalls())
	assert.Equal(t, 3, w.waitCalls())
	assert.True(t, s.registered())
}

func TestReaperStreamGone(t *testing.T) {
	r, _, _, s := newTestReaper(42)

	s.push(task.Ready(false))

	_, err := r.Poll(task.NewNotifier())
	assert.ErrorIs(t, err, signal.ErrDriverGone)
}

func TestReaperStreamGoneAfterExit(t *testing.T) {
	r, w, _, s := newTestReaper(42)

	s.push(task.Ready(false))
	w.exit(process.ExitedWith(0))

	p, err := r.Poll(task.NewNotifier())
	require.NoError(t, err)
	require.True(t, p.IsReady())
	assert.True(t, p.Value().Success())
}

func TestReaperWaitError(t *testing.T) {
	r, w, _, _ := newTestReaper(42)

	w.fail(unix.ECHILD)

	_, err := r.Poll(task.NewNotifier())
	assert.ErrorIs(t, err, unix.ECHILD)

	_, err = r.Wait(context.Background())
	assert.ErrorIs(t, err, unix.ECHILD)
}

func TestReaperTryWait(t *testing.T) {
	r, w, _, _ := newTestReaper(42)

	status, err := r.TryWait()
	require.NoError(t, err)

	_, exited := status.Get()
	assert.False(t, exited)

	w.exit(process.ExitedWith(1))

	status, err = r.TryWait()
	require.NoError(t, err)

	exitStatus, exited := status.Get()
	require.True(t, exited)
	assert.Equal(t, 1, exitStatus.Code())
	assert.False(t, exitStatus.Success())
}

func TestReaperWait(t *testing.T) {
	r, w, _, s := newTestReaper(42)

	go func() {
		time.Sleep(10 * time.Millisecond)

		w.exit(process.ExitedWith(5))
		s.notify()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	status, err := r.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, status.Code())

	var exitErr *process.ExitError

	require.True(t, errors.As(status.Err(), &exitErr))
	assert.Equal(t, "exit status 5", exitErr.Error())
}

func TestReaperWaitCanceled(t *testing.T) {
	r, _, q, _ := newTestReaper(42)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// canceling the wait keeps ownership
	assert.Equal(t, 42, r.ID())
	assert.Zero(t, q.pushed())

	r.Close()

	assert.Equal(t, 1, q.pushed())
}

func TestReaperCloseUnresolved(t *testing.T) {
	r, w, q, s := newTestReaper(42)

	p, err := r.Poll(task.NewNotifier())
	require.NoError(t, err)
	require.True(t, p.IsPending())

	r.Close()
	r.Close()

	assert.Equal(t, 1, q.pushed())
	assert.Same(t, w, q.orphans[0])
	assert.True(t, s.isClosed())

	assert.Equal(t, -1, r.ID())
	assert.ErrorIs(t, r.Kill(), process.ErrNotOwned)

	_, err = r.TryWait()
	assert.ErrorIs(t, err, process.ErrNotOwned)

	_, err = r.Poll(task.NewNotifier())
	assert.ErrorIs(t, err, process.ErrNotOwned)
}

func TestReaperCloseResolved(t *testing.T) {
	r, w, q, _ := newTestReaper(42)

	w.exit(process.ExitedWith(0))

	p, err := r.Poll(task.NewNotifier())
	require.NoError(t, err)
	require.True(t, p.IsReady())

	waits := w.waitCalls()

	r.Close()

	assert.Zero(t, q.pushed())
	assert.Equal(t, waits, w.waitCalls())
}

func TestReaperCloseExitedUnpolled(t *testing.T) {
	r, w, q, _ := newTestReaper(42)

	w.exit(process.ExitedWith(0))

	r.Close()

	assert.Zero(t, q.pushed())
	assert.Equal(t, 1, w.waitCalls())
}

func TestReaperCloseWaitError(t *testing.T) {
	r, w, q, _ := newTestReaper(42)

	w.fail(unix.ECHILD)

	r.Close()

	// the orphan queue decides what to do with broken processes
	assert.Equal(t, 1, q.pushed())
}

func TestReaperKill(t *testing.T) {
	r, w, _, _ := newTestReaper(42)

	require.NoError(t, r.Kill())
	require.NoError(t, r.Kill())

	assert.Equal(t, 2, w.kills)

	inner, ok := r.Inner()
	require.True(t, ok)
	assert.Same(t, w, inner)

	noKill := process.NewReaper(noKillWaiter{pid: 7}, &fakeQueue[noKillWaiter]{}, &fakeStream{})

	assert.ErrorIs(t, noKill.Kill(), process.ErrKillUnsupported)
	assert.Equal(t, 7, noKill.ID())
}

func TestExitStatus(t *testing.T) {
	ok := process.ExitedWith(0)

	assert.True(t, ok.Exited())
	assert.True(t, ok.Success())
	assert.NoError(t, ok.Err())
	assert.Equal(t, "exit status 0", ok.String())
	assert.EqualValues(t, -1, ok.Signal())

	killed := process.SignaledWith(unix.SIGKILL)

	assert.True(t, killed.Signaled())
	assert.False(t, killed.Exited())
	assert.False(t, killed.Success())
	assert.Equal(t, -1, killed.Code())
	assert.Equal(t, unix.SIGKILL, killed.Signal())
	assert.Equal(t, "signal: killed", killed.String())
	assert.Error(t, killed.Err())
}
