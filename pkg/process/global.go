// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package process

import (
	"sync"

	"go.uber.org/zap"
)

var globalQueue = sync.OnceValue(func() *Queue[*Command] {
	return NewQueue[*Command](WithQueueLogger(zap.L()))
})

// GlobalQueue returns the process-wide orphan queue for spawned children.
//
// It is created on first use and lives until the process exits.
func GlobalQueue() *Queue[*Command] {
	return globalQueue()
}

// GlobalOrphanQueue is an OrphanQueue pushing to GlobalQueue.
type GlobalOrphanQueue struct{}

// PushOrphan implements OrphanQueue.
func (GlobalOrphanQueue) PushOrphan(orphan *Command) {
	GlobalQueue().PushOrphan(orphan)
}
