// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package signal

import (
	"sync"
	"sync/atomic"

	"github.com/siderolabs/reaper/pkg/task"
)

// EventInfo is a snapshot of a registry slot.
type EventInfo struct {
	// Pending is set when the signal was recorded but not broadcast yet.
	Pending bool
	// Generation counts broadcasts delivered to the slot.
	Generation uint64
	// Listeners is the number of subscriptions waiting for the next broadcast.
	Listeners int
}

type slot struct {
	pending atomic.Bool

	mu         sync.Mutex
	generation uint64
	listeners  map[*Signal]task.Waker
}

// Registry keeps per-kind pending and listener state.
//
// The registry is never torn down: drivers come and go, but recorded state
// and subscriptions are tied to the registry.
type Registry struct {
	slots      [MaxKind + 1]slot
	generation atomic.Uint64
}

var global = sync.OnceValue(NewRegistry)

// Global returns the process-wide registry, creating it on first use.
func Global() *Registry {
	return global()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}

	for i := range r.slots {
		r.slots[i].listeners = map[*Signal]task.Waker{}
	}

	return r
}

func (r *Registry) slot(kind Kind) *slot {
	if !kind.Valid() {
		return nil
	}

	return &r.slots[kind]
}

// Record marks kind as delivered; the next Broadcast notifies its listeners.
func (r *Registry) Record(kind Kind) bool {
	s := r.slot(kind)
	if s == nil {
		return false
	}

	s.pending.Store(true)

	return true
}

// RecordAll marks every kind as delivered.
func (r *Registry) RecordAll() {
	for i := range r.slots {
		r.slots[i].pending.Store(true)
	}
}

// Broadcast delivers recorded kinds to their listeners.
//
// Every subscription registered before Broadcast returns observes the new
// generation of the delivered slots. It reports whether any slot was delivered.
func (r *Registry) Broadcast() bool {
	r.generation.Add(1)

	delivered := false

	for i := range r.slots {
		s := &r.slots[i]

		if !s.pending.Swap(false) {
			continue
		}

		delivered = true

		s.mu.Lock()
		s.generation++
		wakers := s.takeListeners()
		s.mu.Unlock()

		for _, w := range wakers {
			w.Wake()
		}
	}

	return delivered
}

// Generation returns the number of Broadcast calls so far.
func (r *Registry) Generation() uint64 {
	return r.generation.Load()
}

// ForEach calls fn with a snapshot of every slot.
func (r *Registry) ForEach(fn func(Kind, EventInfo)) {
	for i := range r.slots {
		s := &r.slots[i]

		s.mu.Lock()
		info := EventInfo{
			Pending:    s.pending.Load(),
			Generation: s.generation,
			Listeners:  len(s.listeners),
		}
		s.mu.Unlock()

		fn(Kind(i), info)
	}
}

// wakeAll wakes every listener without delivering anything, so that
// subscriptions re-check whether their driver is still around.
func (r *Registry) wakeAll() {
	for i := range r.slots {
		s := &r.slots[i]

		s.mu.Lock()
		wakers := s.takeListeners()
		s.mu.Unlock()

		for _, w := range wakers {
			w.Wake()
		}
	}
}

func (s *slot) takeListeners() []task.Waker {
	if len(s.listeners) == 0 {
		return nil
	}

	wakers := make([]task.Waker, 0, len(s.listeners))

	for _, w := range s.listeners {
		wakers = append(wakers, w)
	}

	clear(s.listeners)

	return wakers
}
