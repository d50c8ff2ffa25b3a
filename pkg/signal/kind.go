// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signal

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Kind identifies a signal the registry keeps state for.
type Kind int

// MaxKind is the highest recognized signal kind.
const MaxKind Kind = 33

// Well-known kinds.
const (
	KindHangup       = Kind(unix.SIGHUP)
	KindInterrupt    = Kind(unix.SIGINT)
	KindQuit         = Kind(unix.SIGQUIT)
	KindUser1        = Kind(unix.SIGUSR1)
	KindUser2        = Kind(unix.SIGUSR2)
	KindPipe         = Kind(unix.SIGPIPE)
	KindAlarm        = Kind(unix.SIGALRM)
	KindTerminate    = Kind(unix.SIGTERM)
	KindChild        = Kind(unix.SIGCHLD)
	KindWindowChange = Kind(unix.SIGWINCH)
)

// FromRaw converts a raw signal number.
func FromRaw(signum int) Kind {
	return Kind(signum)
}

// ParseKind parses a signal name ("SIGUSR1", "usr1") or number.
func ParseKind(s string) (Kind, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if k := Kind(n); k.Valid() {
			return k, nil
		}

		return 0, fmt.Errorf("%w: %d", ErrUnknownKind, n)
	}

	name := strings.ToUpper(s)
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}

	if sig := unix.SignalNum(name); sig != 0 && Kind(sig).Valid() {
		return Kind(sig), nil
	}

	return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

// Raw returns the signal number.
func (k Kind) Raw() int {
	return int(k)
}

// Valid reports whether the registry has a slot for k.
func (k Kind) Valid() bool {
	return k >= 0 && k <= MaxKind
}

// Forbidden reports whether k can't be listened for.
//
// These signals either can't be caught at all, or indicate a fault in the
// current process and must keep their default disposition.
func (k Kind) Forbidden() bool {
	switch k {
	case Kind(unix.SIGILL), Kind(unix.SIGFPE), Kind(unix.SIGKILL), Kind(unix.SIGSEGV), Kind(unix.SIGSTOP):
		return true
	default:
		return false
	}
}

// OS returns the os.Signal for k, false for kinds without an OS counterpart.
func (k Kind) OS() (os.Signal, bool) {
	if k <= 0 || !k.Valid() {
		return nil, false
	}

	return unix.Signal(k), true
}

func (k Kind) String() string {
	if k > 0 && k.Valid() {
		if name := unix.SignalName(unix.Signal(k)); name != "" {
			return name
		}
	}

	return fmt.Sprintf("signal(%d)", int(k))
}
