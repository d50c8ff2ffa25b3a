// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package logging

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LineWriter is an io.Writer logging every written line as a separate entry.
//
// Incomplete lines are buffered until the next newline or Flush.
type LineWriter struct {
	dest  *zap.Logger
	level zapcore.Level

	mu  sync.Mutex
	buf []byte
}

// NewWriter creates a LineWriter logging at level.
func NewWriter(l *zap.Logger, level zapcore.Level) *LineWriter {
	return &LineWriter{
		dest:  l,
		level: level,
	}
}

// Write implements io.Writer.
func (lw *LineWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	lw.buf = append(lw.buf, p...)

	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}

		lw.log(lw.buf[:idx])

		lw.buf = lw.buf[idx+1:]
	}

	return len(p), nil
}

// Flush logs the buffered incomplete line, if any.
func (lw *LineWriter) Flush() {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if len(lw.buf) > 0 {
		lw.log(lw.buf)
	}

	lw.buf = nil
}

func (lw *LineWriter) log(line []byte) {
	line = bytes.TrimRight(line, "\r")

	if checked := lw.dest.Check(lw.level, string(line)); checked != nil {
		checked.Write()
	}
}
