// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package config loads the reaperctl configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/siderolabs/reaper/pkg/signal"
)

// Config is the reaperctl configuration.
type Config struct {
	// LogLevel is the minimum level of logged messages.
	LogLevel string `yaml:"logLevel"`
	// Mode is the signal delivery mode: auto, signals or tick.
	Mode string `yaml:"mode"`
	// ParkTimeout bounds a single wait of the event loop.
	ParkTimeout Duration `yaml:"parkTimeout"`
	// GracefulShutdownTimeout is the time to wait for the child to exit after SIGTERM
	// before sending SIGKILL.
	GracefulShutdownTimeout Duration `yaml:"gracefulShutdownTimeout"`
	// Restart configures restarts of failed children.
	Restart Restart `yaml:"restart"`
}

// Restart configures restarts of failed children.
type Restart struct {
	// Attempts is the number of restarts, zero disables restarts.
	Attempts int `yaml:"attempts"`
	// Delay is the pause between restarts.
	Delay Duration `yaml:"delay"`
}

// Duration is a time.Duration encoded as a string, e.g. "1m30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string

	if err := value.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}

	*d = Duration(parsed)

	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogLevel:                "info",
		Mode:                    signal.ModeAuto.String(),
		ParkTimeout:             Duration(time.Second),
		GracefulShutdownTimeout: Duration(10 * time.Second),
		Restart: Restart{
			Delay: Duration(time.Second),
		},
	}
}

// Load reads the configuration from path on top of the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	defer f.Close() //nolint:errcheck

	cfg, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Decode reads the configuration from r on top of the defaults.
//
// An empty document yields the defaults.
func Decode(r io.Reader) (*Config, error) {
	cfg := Default()

	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		result = multierror.Append(result, fmt.Errorf("logLevel: %w", err))
	}

	if _, err := signal.ParseMode(c.Mode); err != nil {
		result = multierror.Append(result, fmt.Errorf("mode: %w", err))
	}

	if c.ParkTimeout <= 0 {
		result = multierror.Append(result, errors.New("parkTimeout: must be positive"))
	}

	if c.GracefulShutdownTimeout < 0 {
		result = multierror.Append(result, errors.New("gracefulShutdownTimeout: must not be negative"))
	}

	if c.Restart.Attempts < 0 {
		result = multierror.Append(result, errors.New("restart.attempts: must not be negative"))
	}

	if c.Restart.Delay < 0 {
		result = multierror.Append(result, errors.New("restart.delay: must not be negative"))
	}

	return result.ErrorOrNil()
}

// Level returns the parsed log level.
func (c *Config) Level() zapcore.Level {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}

	return level
}

// SignalMode returns the parsed signal delivery mode.
func (c *Config) SignalMode() signal.Mode {
	mode, err := signal.ParseMode(c.Mode)
	if err != nil {
		return signal.ModeAuto
	}

	return mode
}
