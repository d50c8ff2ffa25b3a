// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package logging

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap/zapcore"
)

type repeatSuppressor struct {
	zapcore.Core

	component string
	every     int64
	counters  *sync.Map
}

// NewRepeatSuppressor wraps core to throttle repeated warnings and errors.
//
// For every component, the first occurrence of a message is logged, and then
// only every n-th repetition of it. Entries without a component and entries
// below warning level pass through.
func NewRepeatSuppressor(core zapcore.Core, n int) zapcore.Core {
	if n < 1 {
		n = 1
	}

	return &repeatSuppressor{
		Core:     core,
		every:    int64(n),
		counters: &sync.Map{},
	}
}

func (s *repeatSuppressor) With(fields []zapcore.Field) zapcore.Core {
	component := s.component

	for _, field := range fields {
		if field.Key == ComponentKey {
			component = field.String
		}
	}

	return &repeatSuppressor{
		Core:      s.Core.With(fields),
		component: component,
		every:     s.every,
		counters:  s.counters,
	}
}

func (s *repeatSuppressor) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !s.Enabled(entry.Level) {
		return ce
	}

	if entry.Level < zapcore.WarnLevel || s.component == "" {
		return s.Core.Check(entry, ce)
	}

	counter, _ := s.counters.LoadOrStore(s.component+"\x00"+entry.Message, new(atomic.Int64))

	if n := counter.(*atomic.Int64).Add(1); (n-1)%s.every != 0 { //nolint:forcetypeassert
		return ce
	}

	return s.Core.Check(entry, ce)
}
