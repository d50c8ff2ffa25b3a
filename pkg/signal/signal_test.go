// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signal_test

import (
	"context"
	"testing"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/reaper/pkg/reactor"
	"github.com/siderolabs/reaper/pkg/signal"
	"github.com/siderolabs/reaper/pkg/task"
)

type SignalSuite struct {
	suite.Suite

	registry *signal.Registry
	driver   *signal.Driver
}

func (suite *SignalSuite) SetupTest() {
	var err error

	suite.registry = signal.NewRegistry()

	suite.driver, err = signal.NewDriver(reactor.NewTick(),
		signal.WithRegistry(suite.registry),
		signal.WithLogger(zaptest.NewLogger(suite.T())),
	)
	suite.Require().NoError(err)
	suite.Require().Equal(signal.ModeTick, suite.driver.Mode())
}

func (suite *SignalSuite) TearDownTest() {
	suite.Require().NoError(suite.driver.Shutdown())
}

func (suite *SignalSuite) broadcast(kind signal.Kind) {
	suite.registry.Record(kind)
	suite.registry.Broadcast()
}

func (suite *SignalSuite) TestBroadcastThenRecv() {
	s, err := signal.New(suite.driver.Handle(), signal.KindUser1)
	suite.Require().NoError(err)

	defer s.Close()

	suite.broadcast(signal.KindUser1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	ok, err := s.Recv(ctx)
	suite.Require().NoError(err)
	suite.Assert().True(ok)
}

func (suite *SignalSuite) TestRecvPendingUntilBroadcast() {
	s, err := signal.New(suite.driver.Handle(), signal.KindUser1)
	suite.Require().NoError(err)

	defer s.Close()

	n := task.NewNotifier()

	suite.Require().True(s.PollRecv(n).IsPending())

	// other kinds don't wake the subscription
	suite.broadcast(signal.KindUser2)
	suite.Require().True(s.PollRecv(n).IsPending())

	select {
	case <-n.C():
		suite.FailNow("unexpected wake-up")
	default:
	}

	suite.broadcast(signal.KindUser1)

	select {
	case <-n.C():
	default:
		suite.FailNow("subscription was not woken")
	}

	p := s.PollRecv(n)
	suite.Require().True(p.IsReady())
	suite.Assert().True(p.Value())

	// the notification is consumed
	suite.Assert().True(s.PollRecv(n).IsPending())
}

func (suite *SignalSuite) TestRecvTimesOut() {
	s, err := signal.New(suite.driver.Handle(), signal.KindHangup)
	suite.Require().NoError(err)

	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = s.Recv(ctx)
	suite.Assert().ErrorIs(err, context.DeadlineExceeded)
}

func (suite *SignalSuite) TestNoRetroactiveDelivery() {
	suite.broadcast(signal.KindUser2)

	s, err := signal.New(suite.driver.Handle(), signal.KindUser2)
	suite.Require().NoError(err)

	defer s.Close()

	suite.Assert().False(s.TryRecv())

	suite.broadcast(signal.KindUser2)
	suite.broadcast(signal.KindUser2)

	// multiple broadcasts collapse into a single notification
	suite.Assert().True(s.TryRecv())
	suite.Assert().False(s.TryRecv())
}

func (suite *SignalSuite) TestClose() {
	s, err := signal.New(suite.driver.Handle(), signal.KindUser1)
	suite.Require().NoError(err)

	suite.Require().True(s.PollRecv(task.NewNotifier()).IsPending())

	listeners := func() int {
		var n int

		suite.registry.ForEach(func(kind signal.Kind, info signal.EventInfo) {
			if kind == signal.KindUser1 {
				n = info.Listeners
			}
		})

		return n
	}

	suite.Assert().Equal(1, listeners())

	s.Close()

	suite.Assert().Equal(0, listeners())
}

func (suite *SignalSuite) TestInvalidKinds() {
	_, err := signal.New(suite.driver.Handle(), signal.MaxKind+1)
	suite.Assert().ErrorIs(err, signal.ErrUnknownKind)

	_, err = signal.New(suite.driver.Handle(), signal.Kind(unix.SIGKILL))
	suite.Assert().ErrorIs(err, signal.ErrForbiddenKind)

	_, err = signal.New(signal.Handle{}, signal.KindChild)
	suite.Assert().ErrorIs(err, signal.ErrDriverGone)
}

func (suite *SignalSuite) TestDriverGone() {
	r := signal.NewRegistry()

	d, err := signal.NewDriver(reactor.NewTick(), signal.WithRegistry(r), signal.WithMode(signal.ModeTick))
	suite.Require().NoError(err)

	s, err := signal.New(d.Handle(), signal.KindUser1)
	suite.Require().NoError(err)

	defer s.Close()

	n := task.NewNotifier()
	suite.Require().True(s.PollRecv(n).IsPending())

	suite.Require().NoError(d.Shutdown())

	select {
	case <-n.C():
	default:
		suite.FailNow("subscription was not woken on shutdown")
	}

	ok, err := s.Recv(context.Background())
	suite.Require().NoError(err)
	suite.Assert().False(ok)

	suite.Assert().True(d.Handle().Closed())
	suite.Assert().ErrorIs(d.ParkTimeout(time.Millisecond), reactor.ErrShutdown)

	_, err = signal.New(d.Handle(), signal.KindUser1)
	suite.Assert().ErrorIs(err, signal.ErrDriverGone)

	suite.Assert().ErrorIs(signal.CtrlC(context.Background(), d.Handle()), signal.ErrDriverGone)
}

func (suite *SignalSuite) TestTickModeRechecksChildren() {
	s, err := signal.New(suite.driver.Handle(), signal.KindChild)
	suite.Require().NoError(err)

	defer s.Close()

	gen := suite.registry.Generation()

	suite.Require().NoError(suite.driver.ParkTimeout(0))

	suite.Assert().Equal(gen+1, suite.registry.Generation())
	suite.Assert().True(s.TryRecv())
}

func (suite *SignalSuite) TestUnparkViaHandle() {
	done := make(chan error, 1)

	go func() {
		done <- suite.driver.ParkTimeout(time.Minute)
	}()

	suite.driver.Handle().Unpark()

	select {
	case err := <-done:
		suite.Require().NoError(err)
	case <-time.After(5 * time.Second):
		suite.FailNow("park was not interrupted")
	}
}

func TestSignalSuite(t *testing.T) {
	suite.Run(t, new(SignalSuite))
}

// OSSignalSuite delivers real signals to the test process.
type OSSignalSuite struct {
	suite.Suite

	registry *signal.Registry
	driver   *signal.Driver

	cancel context.CancelFunc
	done   chan struct{}
}

func (suite *OSSignalSuite) SetupTest() {
	r, err := reactor.NewEpoll()
	suite.Require().NoError(err)

	suite.registry = signal.NewRegistry()

	suite.driver, err = signal.NewDriver(r,
		signal.WithRegistry(suite.registry),
		signal.WithLogger(zaptest.NewLogger(suite.T())),
	)
	suite.Require().NoError(err)
	suite.Require().Equal(signal.ModeSignals, suite.driver.Mode())

	var ctx context.Context

	ctx, suite.cancel = context.WithCancel(context.Background())
	suite.done = make(chan struct{})

	go func() {
		defer close(suite.done)

		for ctx.Err() == nil {
			if err := suite.driver.ParkTimeout(100 * time.Millisecond); err != nil {
				return
			}
		}
	}()
}

func (suite *OSSignalSuite) TearDownTest() {
	suite.cancel()
	<-suite.done

	suite.Require().NoError(suite.driver.Shutdown())
}

func (suite *OSSignalSuite) listeners(kind signal.Kind) int {
	var n int

	suite.registry.ForEach(func(k signal.Kind, info signal.EventInfo) {
		if k == kind {
			n = info.Listeners
		}
	})

	return n
}

func (suite *OSSignalSuite) TestDelivery() {
	s, err := signal.New(suite.driver.Handle(), signal.KindUser1)
	suite.Require().NoError(err)

	defer s.Close()

	suite.Require().NoError(unix.Kill(unix.Getpid(), unix.SIGUSR1))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := s.Recv(ctx)
	suite.Require().NoError(err)
	suite.Assert().True(ok)
}

func (suite *OSSignalSuite) TestCtrlC() {
	// keep SIGINT handled for the whole test, so the test binary never gets killed
	guard, err := signal.New(suite.driver.Handle(), signal.KindInterrupt)
	suite.Require().NoError(err)

	defer guard.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errCh := make(chan error, 1)

	go func() {
		errCh <- signal.CtrlC(ctx, suite.driver.Handle())
	}()

	suite.Require().NoError(retry.Constant(5*time.Second, retry.WithUnits(10*time.Millisecond)).Retry(func() error {
		if suite.listeners(signal.KindInterrupt) != 1 {
			return retry.ExpectedErrorf("ctrl-c listener is not registered yet")
		}

		return nil
	}))

	suite.Require().NoError(unix.Kill(unix.Getpid(), unix.SIGINT))

	suite.Require().NoError(<-errCh)
}

func TestOSSignalSuite(t *testing.T) {
	suite.Run(t, new(OSSignalSuite))
}
