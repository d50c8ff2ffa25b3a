// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package logging builds zap loggers for the event loop and its tools.
package logging

import (
	"io"

	"github.com/siderolabs/gen/xslices"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Destination is a single sink of a logger built by New.
type Destination struct {
	level  zapcore.LevelEnabler
	writer io.Writer
	config zapcore.EncoderConfig
}

// EncoderOption modifies the encoder config of a Destination.
type EncoderOption func(config *zapcore.EncoderConfig)

// WithoutTimestamp disables timestamps.
func WithoutTimestamp() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.EncodeTime = nil
	}
}

// WithColoredLevels enables colored log levels.
func WithColoredLevels() EncoderOption {
	return func(config *zapcore.EncoderConfig) {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
}

// NewDestination creates a console Destination writing to writer.
func NewDestination(writer io.Writer, level zapcore.LevelEnabler, options ...EncoderOption) *Destination {
	config := zap.NewDevelopmentEncoderConfig()
	config.ConsoleSeparator = " "
	config.StacktraceKey = "error"

	for _, option := range options {
		option(&config)
	}

	return &Destination{
		level:  level,
		writer: writer,
		config: config,
	}
}

// New creates a logger writing to all dests.
func New(dests ...*Destination) *zap.Logger {
	if len(dests) == 0 {
		panic("at least one destination must be defined")
	}

	cores := xslices.Map(dests, func(dest *Destination) zapcore.Core {
		return zapcore.NewCore(
			zapcore.NewConsoleEncoder(dest.config),
			zapcore.AddSync(dest.writer),
			dest.level,
		)
	})

	return zap.New(zapcore.NewTee(cores...))
}

// Component tags log entries with the component which produced them.
func Component(name string) zap.Field {
	return zap.String(ComponentKey, name)
}

// ComponentKey is the field set by Component.
const ComponentKey = "component"

// PID tags log entries with a process identifier.
func PID(pid int) zap.Field {
	return zap.Int("pid", pid)
}
