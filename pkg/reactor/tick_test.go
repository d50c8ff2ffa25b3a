// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/reaper/pkg/reactor"
	"github.com/siderolabs/reaper/pkg/task"
)

func TestTick(t *testing.T) {
	r := reactor.NewTick()

	require.ErrorIs(t, r.Register(3, task.NewNotifier()), reactor.ErrUnsupported)
	require.ErrorIs(t, r.Deregister(3), reactor.ErrUnsupported)

	start := time.Now()

	require.NoError(t, r.ParkTimeout(30*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	r.Unpark()
	require.NoError(t, r.Park())

	// zero timeout never blocks
	require.NoError(t, r.ParkTimeout(0))

	require.NoError(t, r.Shutdown())
	assert.ErrorIs(t, r.Park(), reactor.ErrShutdown)
	assert.ErrorIs(t, r.ParkTimeout(time.Second), reactor.ErrShutdown)
}
