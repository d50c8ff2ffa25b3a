// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

//go:build !linux

package reactor

// New creates the default reactor for the platform.
func New(...Option) (Reactor, error) {
	return NewTick(), nil
}
