// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process

import (
	"testing"

	"github.com/siderolabs/gen/optional"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/reaper/pkg/reactor"
	"github.com/siderolabs/reaper/pkg/signal"
)

type exitedWaiter int

func (w exitedWaiter) ID() int {
	return int(w)
}

func (w exitedWaiter) TryWait() (optional.Optional[ExitStatus], error) {
	return optional.Some(ExitedWith(0)), nil
}

func TestReapOrphansNeverBlocks(t *testing.T) {
	d, err := signal.NewDriver(reactor.NewTick(), signal.WithRegistry(signal.NewRegistry()))
	require.NoError(t, err)

	defer d.Shutdown() //nolint:errcheck

	q := NewQueue[exitedWaiter]()
	q.PushOrphan(1)
	q.PushOrphan(2)

	// another goroutine is reaping
	q.sigchildMu.Lock()

	q.ReapOrphans(d.Handle())
	assert.Equal(t, 2, q.Len())

	q.sigchildMu.Unlock()

	q.ReapOrphans(d.Handle())
	assert.Zero(t, q.Len())
}
