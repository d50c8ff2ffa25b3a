// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/siderolabs/reaper/pkg/proc"
	"github.com/siderolabs/reaper/pkg/process"
	"github.com/siderolabs/reaper/pkg/signal"
)

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, exitCode(process.ExitedWith(0)))
	assert.Equal(t, 3, exitCode(process.ExitedWith(3)))
	assert.Equal(t, 137, exitCode(process.SignaledWith(unix.SIGKILL)))
	assert.Equal(t, 143, exitCode(process.SignaledWith(unix.SIGTERM)))
}

func TestAppendErrors(t *testing.T) {
	assert.NoError(t, appendErrors(nil))

	err := appendErrors(nil, errors.New("first"), errors.New("second"))
	require.Error(t, err)

	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.Contains(t, err.Error(), " first")
	assert.Contains(t, err.Error(), " second")
}

func TestParseKinds(t *testing.T) {
	kinds, err := parseKinds([]string{"SIGUSR1", "hup", "15"})
	require.NoError(t, err)

	assert.Equal(t, []signal.Kind{signal.KindUser1, signal.KindHangup, signal.KindTerminate}, kinds)

	_, err = parseKinds([]string{"SIGNOPE"})
	assert.ErrorIs(t, err, signal.ErrUnknownKind)
}

func TestPrintSignals(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printSignals(&buf, signal.NewRegistry()))

	out := buf.String()

	assert.Contains(t, out, "NUM")
	assert.Contains(t, out, "SIGCHLD")
	assert.NotContains(t, out, "\n0 ")
}

func TestPrintProcesses(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printProcesses(&buf, []proc.Process{
		{
			PID:            42,
			PPID:           1,
			State:          proc.StateZombie,
			Command:        "sleep",
			Threads:        1,
			CPUTime:        1.5,
			ResidentMemory: 2 * 1000 * 1000,
		},
	}))

	out := buf.String()

	assert.Contains(t, out, "PID")
	assert.Contains(t, out, "sleep")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "2.0 MB")
}
