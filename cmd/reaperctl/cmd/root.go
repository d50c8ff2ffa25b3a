// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cmd implements the reaperctl commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/siderolabs/reaper/internal/config"
	"github.com/siderolabs/reaper/pkg/logging"
)

var rootCmdFlags struct {
	configPath  string
	logLevel    string
	mode        string
	parkTimeout time.Duration
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:               "reaperctl",
	Short:             "Run and supervise child processes on a signal-driven event loop",
	Long:              ``,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	cmd, err := rootCmd.ExecuteContextC(context.Background())
	if err == nil {
		return 0
	}

	var exitErr *ExitCodeError

	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	fmt.Fprintln(os.Stderr, err.Error())

	errorString := err.Error()
	if strings.Contains(errorString, "arg(s)") || strings.Contains(errorString, "flag") || strings.Contains(errorString, "command") {
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, cmd.UsageString())
	}

	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.configPath, "config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.logLevel, "log-level", "", "minimum level of logged messages (overrides the config)")
	rootCmd.PersistentFlags().StringVar(&rootCmdFlags.mode, "mode", "", "signal delivery mode: auto, signals or tick (overrides the config)")
	rootCmd.PersistentFlags().DurationVar(&rootCmdFlags.parkTimeout, "park-timeout", 0, "maximum duration of a single event loop wait (overrides the config)")

	rootCmd.AddCommand(runCmd, signalsCmd, zombiesCmd)
}

// loadConfig merges the configuration file and the flags set on the command line.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()

	if rootCmdFlags.configPath != "" {
		var err error

		if cfg, err = config.Load(rootCmdFlags.configPath); err != nil {
			return nil, err
		}
	}

	flags := cmd.Flags()

	if flags.Changed("log-level") {
		cfg.LogLevel = rootCmdFlags.logLevel
	}

	if flags.Changed("mode") {
		cfg.Mode = rootCmdFlags.mode
	}

	if flags.Changed("park-timeout") {
		cfg.ParkTimeout = config.Duration(rootCmdFlags.parkTimeout)
	}

	if flags.Changed("graceful-shutdown-timeout") {
		cfg.GracefulShutdownTimeout = config.Duration(runCmdFlags.gracefulShutdownTimeout)
	}

	if flags.Changed("restart") {
		cfg.Restart.Attempts = runCmdFlags.restart
	}

	if flags.Changed("restart-delay") {
		cfg.Restart.Delay = config.Duration(runCmdFlags.restartDelay)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newLogger builds the logger for the configured level, writing to w.
//
// Repeated warnings of a component are throttled, the event loop might hit
// the same failure on every tick.
func newLogger(cfg *config.Config, w io.Writer) *zap.Logger {
	logger := logging.New(logging.NewDestination(w, cfg.Level(), logging.WithColoredLevels()))

	return logger.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return logging.NewRepeatSuppressor(core, 100)
	}))
}
