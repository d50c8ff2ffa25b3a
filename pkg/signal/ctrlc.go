// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signal

import "context"

// CtrlC waits for a SIGINT delivered after the call.
//
// Subscribing installs a SIGINT handler which stays installed until the
// driver is shut down: SIGINT no longer terminates the process, even after
// CtrlC returns.
func CtrlC(ctx context.Context, handle Handle) error {
	s, err := New(handle, KindInterrupt)
	if err != nil {
		return err
	}

	defer s.Close()

	ok, err := s.Recv(ctx)
	if err != nil {
		return err
	}

	if !ok {
		return ErrDriverGone
	}

	return nil
}
