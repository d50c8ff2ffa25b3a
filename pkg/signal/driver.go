// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signal

import (
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/reaper/pkg/logging"
	"github.com/siderolabs/reaper/pkg/reactor"
)

// Mode selects how signal delivery wakes the event loop.
type Mode int

// Mode constants.
const (
	// ModeAuto uses ModeSignals if the reactor supports fd registration, ModeTick otherwise.
	ModeAuto Mode = iota
	// ModeSignals wakes the reactor through a self-pipe written on signal delivery.
	ModeSignals
	// ModeTick wakes the reactor via Unpark, and re-checks children on every tick.
	ModeTick
)

func (m Mode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeSignals:
		return "signals"
	case ModeTick:
		return "tick"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode parses the String() representation of a Mode.
func ParseMode(s string) (Mode, error) {
	for _, m := range []Mode{ModeAuto, ModeSignals, ModeTick} {
		if m.String() == s {
			return m, nil
		}
	}

	return ModeAuto, fmt.Errorf("unknown driver mode %q", s)
}

// Options configure the Driver.
type Options struct {
	Logger   *zap.Logger
	Registry *Registry
	Mode     Mode
}

// Option is the functional option func.
type Option func(*Options)

// DefaultOptions returns default Driver options.
func DefaultOptions() *Options {
	return &Options{
		Logger: zap.NewNop(),
		Mode:   ModeAuto,
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithRegistry overrides the process-wide registry.
func WithRegistry(r *Registry) Option {
	return func(o *Options) {
		o.Registry = r
	}
}

// WithMode sets the driver mode.
func WithMode(m Mode) Option {
	return func(o *Options) {
		o.Mode = m
	}
}

// Driver parks on the reactor and broadcasts recorded signals after every wait.
type Driver struct {
	reactor  reactor.Reactor
	registry *Registry
	logger   *zap.Logger
	mode     Mode

	state *handleState

	// self-pipe, ModeSignals only
	pipe [2]int

	sigCh   chan os.Signal
	stopCh  chan struct{}
	fanInWg sync.WaitGroup

	enableMu sync.Mutex
	enabled  [MaxKind + 1]bool

	shutdownOnce sync.Once
	shutdownErr  error
}

type handleState struct {
	closed   atomic.Bool
	registry *Registry
	driver   *Driver
}

// Handle is a cheap, copyable reference to a Driver.
type Handle struct {
	state *handleState
}

// NewDriver wraps r.
//
// In ModeSignals, failing to register the self-pipe with r is fatal.
func NewDriver(r reactor.Reactor, setters ...Option) (*Driver, error) {
	opts := DefaultOptions()

	for _, setter := range setters {
		setter(opts)
	}

	if opts.Registry == nil {
		opts.Registry = Global()
	}

	d := &Driver{
		reactor:  r,
		registry: opts.Registry,
		logger:   opts.Logger.With(logging.Component("signal")),
		mode:     opts.Mode,
		pipe:     [2]int{-1, -1},
		sigCh:    make(chan os.Signal, 64),
		stopCh:   make(chan struct{}),
	}

	d.state = &handleState{
		registry: d.registry,
		driver:   d,
	}

	if d.mode != ModeTick {
		if err := d.registerPipe(); err != nil {
			if d.mode == ModeAuto && errors.Is(err, reactor.ErrUnsupported) {
				d.mode = ModeTick
			} else {
				return nil, fmt.Errorf("error registering signal source: %w", err)
			}
		} else {
			d.mode = ModeSignals
		}
	}

	d.fanInWg.Add(1)

	go d.fanIn()

	d.logger.Debug("signal driver started", zap.Stringer("mode", d.mode))

	return d, nil
}

func (d *Driver) registerPipe() error {
	if err := unix.Pipe2(d.pipe[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fmt.Errorf("pipe2: %w", err)
	}

	if err := d.reactor.Register(d.pipe[0], nil); err != nil {
		d.closePipe() //nolint:errcheck

		return err
	}

	return nil
}

func (d *Driver) closePipe() error {
	var result *multierror.Error

	for i, fd := range d.pipe {
		if fd < 0 {
			continue
		}

		if err := unix.Close(fd); err != nil {
			result = multierror.Append(result, err)
		}

		d.pipe[i] = -1
	}

	return result.ErrorOrNil()
}

func (d *Driver) fanIn() {
	defer d.fanInWg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case sig := <-d.sigCh:
			sysSig, ok := sig.(unix.Signal)
			if !ok {
				continue
			}

			d.registry.Record(Kind(sysSig))
			d.wake()
		}
	}
}

func (d *Driver) wake() {
	if d.mode == ModeSignals {
		// a full pipe already guarantees a wake-up
		unix.Write(d.pipe[1], []byte{0}) //nolint:errcheck

		return
	}

	d.reactor.Unpark()
}

func (d *Driver) drainPipe() {
	if d.mode != ModeSignals {
		return
	}

	var buf [128]byte

	for {
		n, err := unix.Read(d.pipe[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// enable installs the OS handler for kind once.
func (d *Driver) enable(kind Kind) error {
	sig, ok := kind.OS()
	if !ok {
		return nil
	}

	d.enableMu.Lock()
	defer d.enableMu.Unlock()

	if d.enabled[kind] {
		return nil
	}

	if d.state.closed.Load() {
		return ErrDriverGone
	}

	ossignal.Notify(d.sigCh, sig)
	d.enabled[kind] = true

	d.logger.Debug("installed signal handler", zap.Stringer("signal", kind))

	return nil
}

// Mode returns the mode the driver runs in.
func (d *Driver) Mode() Mode {
	return d.mode
}

// Handle returns a Handle to the driver.
func (d *Driver) Handle() Handle {
	return Handle{state: d.state}
}

// Park blocks on the reactor, then broadcasts.
func (d *Driver) Park() error {
	return d.park(d.reactor.Park)
}

// ParkTimeout blocks on the reactor for at most duration, then broadcasts.
func (d *Driver) ParkTimeout(duration time.Duration) error {
	return d.park(func() error {
		return d.reactor.ParkTimeout(duration)
	})
}

func (d *Driver) park(wait func() error) error {
	if err := wait(); err != nil {
		if errors.Is(err, reactor.ErrShutdown) {
			return err
		}

		d.logger.Warn("reactor wait failed", zap.Error(err))
	}

	d.process()

	return nil
}

func (d *Driver) process() {
	d.drainPipe()

	if d.mode == ModeTick {
		d.registry.Record(KindChild)
	}

	d.registry.Broadcast()
}

// Unpark wakes up the parked event loop.
func (d *Driver) Unpark() {
	d.reactor.Unpark()
}

// Shutdown stops signal delivery and shuts down the reactor.
//
// Subscriptions observe the driver being gone. The registry is left intact.
func (d *Driver) Shutdown() error {
	d.shutdownOnce.Do(func() {
		var result *multierror.Error

		d.enableMu.Lock()
		d.state.closed.Store(true)
		ossignal.Stop(d.sigCh)
		d.enableMu.Unlock()

		close(d.stopCh)
		d.fanInWg.Wait()

		if d.mode == ModeSignals {
			if err := d.reactor.Deregister(d.pipe[0]); err != nil {
				result = multierror.Append(result, err)
			}

			if err := d.closePipe(); err != nil {
				result = multierror.Append(result, err)
			}
		}

		if err := d.reactor.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}

		d.registry.wakeAll()

		d.shutdownErr = result.ErrorOrNil()
	})

	return d.shutdownErr
}

// Registry returns the registry the driver broadcasts to.
func (h Handle) Registry() *Registry {
	if h.state == nil {
		return Global()
	}

	return h.state.registry
}

// Closed reports whether the driver was shut down.
//
// A zero Handle is always closed.
func (h Handle) Closed() bool {
	return h.state == nil || h.state.closed.Load()
}

// Unpark wakes up the driver's event loop.
func (h Handle) Unpark() {
	if h.Closed() {
		return
	}

	h.state.driver.Unpark()
}

func (h Handle) enable(kind Kind) error {
	if h.state == nil {
		return ErrDriverGone
	}

	return h.state.driver.enable(kind)
}
