// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process

import (
	"time"

	"github.com/siderolabs/reaper/pkg/signal"
)

// OrphanReaper is the part of an orphan queue the Driver drives.
type OrphanReaper interface {
	ReapOrphans(handle signal.Handle)
}

// DriverOption configures a Driver.
type DriverOption func(*driverOptions)

type driverOptions struct {
	queue OrphanReaper
}

// WithQueue replaces the global orphan queue.
func WithQueue(queue OrphanReaper) DriverOption {
	return func(o *driverOptions) {
		o.queue = queue
	}
}

// Driver reaps orphaned children after every park of the signal driver.
type Driver struct {
	park  *signal.Driver
	queue OrphanReaper
}

// NewDriver wraps the signal driver.
func NewDriver(park *signal.Driver, setters ...DriverOption) *Driver {
	var opts driverOptions

	for _, setter := range setters {
		setter(&opts)
	}

	if opts.queue == nil {
		opts.queue = GlobalQueue()
	}

	return &Driver{
		park:  park,
		queue: opts.queue,
	}
}

// Handle returns the signal driver handle.
func (d *Driver) Handle() signal.Handle {
	return d.park.Handle()
}

// Park parks the signal driver, then reaps orphans.
func (d *Driver) Park() error {
	if err := d.park.Park(); err != nil {
		return err
	}

	d.queue.ReapOrphans(d.park.Handle())

	return nil
}

// ParkTimeout parks the signal driver for at most duration, then reaps orphans.
func (d *Driver) ParkTimeout(duration time.Duration) error {
	if err := d.park.ParkTimeout(duration); err != nil {
		return err
	}

	d.queue.ReapOrphans(d.park.Handle())

	return nil
}

// Unpark wakes up the parked event loop.
func (d *Driver) Unpark() {
	d.park.Unpark()
}

// Shutdown shuts the signal driver down.
//
// Queued orphans stay queued, the next driver parking with the same queue
// subscribes to SIGCHLD again and reaps them.
func (d *Driver) Shutdown() error {
	return d.park.Shutdown()
}
