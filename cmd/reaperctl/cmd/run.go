// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/siderolabs/go-retry/retry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/reaper/internal/config"
	"github.com/siderolabs/reaper/pkg/logging"
	"github.com/siderolabs/reaper/pkg/process"
	"github.com/siderolabs/reaper/pkg/runtime"
)

// restartWindow is the overall time budget for restarts, the number of
// attempts is what actually limits them.
const restartWindow = 100 * 365 * 24 * time.Hour

var runCmdFlags struct {
	timeout                 time.Duration
	gracefulShutdownTimeout time.Duration
	restart                 int
	restartDelay            time.Duration
	logOutput               bool
}

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run [flags] -- command [args...]",
	Short: "Run a command and mirror its exit code",
	Long: `Runs the command as a child process and waits for it to exit.

On Ctrl-C or when the timeout expires, the child is sent SIGTERM, and SIGKILL
if it is still running after the graceful shutdown timeout.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		return runSupervised(cmd.Context(), cfg, args)
	},
}

func init() {
	runCmd.Flags().DurationVar(&runCmdFlags.timeout, "timeout", 0, "stop the command after this duration (0 disables the timeout)")
	runCmd.Flags().DurationVar(&runCmdFlags.gracefulShutdownTimeout, "graceful-shutdown-timeout", 0, "time to wait after SIGTERM before sending SIGKILL (overrides the config)")
	runCmd.Flags().IntVar(&runCmdFlags.restart, "restart", 0, "number of times to restart the command if it fails (overrides the config)")
	runCmd.Flags().DurationVar(&runCmdFlags.restartDelay, "restart-delay", 0, "pause between restarts (overrides the config)")
	runCmd.Flags().BoolVar(&runCmdFlags.logOutput, "log-output", false, "log the command output instead of passing stdout and stderr through")
}

func runSupervised(ctx context.Context, cfg *config.Config, args []string) error {
	logger := newLogger(cfg, os.Stderr)

	defer logger.Sync() //nolint:errcheck

	rt, err := runtime.New(
		runtime.WithLogger(logger),
		runtime.WithMode(cfg.SignalMode()),
		runtime.WithParkTimeout(time.Duration(cfg.ParkTimeout)),
	)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	loopCtx, stopLoop := context.WithCancel(egCtx)
	defer stopLoop()

	// the event loop keeps running while a timed out or interrupted command is stopped
	superviseCtx, interrupt := context.WithCancel(egCtx)
	defer interrupt()

	if runCmdFlags.timeout > 0 {
		var cancel context.CancelFunc

		superviseCtx, cancel = context.WithTimeout(superviseCtx, runCmdFlags.timeout)
		defer cancel()
	}

	var superviseErr error

	eg.Go(func() error {
		return rt.Run(loopCtx)
	})

	eg.Go(func() error {
		if rt.CtrlC(superviseCtx) == nil {
			logger.Info("interrupted")

			interrupt()
		}

		return nil
	})

	eg.Go(func() error {
		defer stopLoop()
		defer interrupt()

		superviseErr = (&supervisor{
			rt:     rt,
			cfg:    cfg,
			logger: logger,
			args:   args,
		}).run(superviseCtx)

		return nil
	})

	if loopErr := eg.Wait(); loopErr != nil {
		return appendErrors(superviseErr, loopErr)
	}

	return superviseErr
}

type supervisor struct {
	rt     *runtime.Runtime
	cfg    *config.Config
	logger *zap.Logger
	args   []string
}

// run runs the command, restarting it on failure until the attempts are exhausted.
func (s *supervisor) run(ctx context.Context) error {
	var (
		attempt int
		final   process.ExitStatus
	)

	err := retry.Constant(restartWindow, retry.WithUnits(time.Duration(s.cfg.Restart.Delay))).RetryWithContext(ctx, func(ctx context.Context) error {
		attempt++

		status, stopped, err := s.runOnce(ctx)
		if err != nil {
			return retry.UnexpectedError(err)
		}

		final = status

		if status.Success() || stopped || attempt > s.cfg.Restart.Attempts {
			return nil
		}

		s.logger.Warn("command failed, restarting",
			zap.Stringer("status", status),
			zap.Int("attempt", attempt),
			zap.Int("attempts", s.cfg.Restart.Attempts),
		)

		return retry.ExpectedError(status.Err())
	})
	// interrupted while waiting for a restart, report the last failure
	if err != nil && (attempt == 0 || ctx.Err() == nil) {
		return err
	}

	if !final.Success() {
		return &ExitCodeError{Status: final, Code: exitCode(final)}
	}

	return nil
}

// runOnce spawns the command and waits for it to exit.
//
// It returns true if the command had to be stopped because of Ctrl-C or ctx.
func (s *supervisor) runOnce(ctx context.Context) (process.ExitStatus, bool, error) {
	cmd := exec.Command(s.args[0], s.args[1:]...)
	cmd.Stdin = os.Stdin

	var spawnOpts []process.SpawnOption

	if runCmdFlags.logOutput {
		spawnOpts = append(spawnOpts, process.WithStdoutPipe(), process.WithStderrPipe())
	} else {
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
	}

	child, err := s.rt.Spawn(cmd, spawnOpts...)
	if err != nil {
		return process.ExitStatus{}, false, err
	}

	defer child.Close() //nolint:errcheck

	logger := s.logger.With(logging.PID(child.ID()))

	logger.Info("command started", zap.Strings("args", s.args))

	var copiers errgroup.Group

	defer copiers.Wait() //nolint:errcheck

	// output of a stopped command is still drained until it exits
	copyCtx, cancelCopy := context.WithCancel(context.Background())
	defer cancelCopy()

	if runCmdFlags.logOutput {
		copiers.Go(func() error {
			return copyOutput(copyCtx, child.Stdout, logging.NewWriter(logger.With(zap.String("stream", "stdout")), zapcore.InfoLevel))
		})

		copiers.Go(func() error {
			return copyOutput(copyCtx, child.Stderr, logging.NewWriter(logger.With(zap.String("stream", "stderr")), zapcore.WarnLevel))
		})
	}

	status, err := child.Wait(ctx)

	stopped := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)

	if stopped {
		logger.Info("stopping command")

		// ctx is done already, the grace period gets a fresh one
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.GracefulShutdownTimeout)+10*time.Second)
		defer cancel()

		status, err = child.Stop(stopCtx, time.Duration(s.cfg.GracefulShutdownTimeout))
	}

	if err != nil {
		return status, stopped, err
	}

	logger.Info("command exited", zap.Stringer("status", status))

	if copyErr := copiers.Wait(); copyErr != nil {
		logger.Warn("failed to copy command output", zap.Error(copyErr))
	}

	return status, stopped, nil
}

func copyOutput(ctx context.Context, src *process.ChildStdio, dst *logging.LineWriter) error {
	defer dst.Flush()

	buf := make([]byte, 32*1024)

	for {
		n, err := src.ReadContext(ctx, buf)
		if n > 0 {
			dst.Write(buf[:n]) //nolint:errcheck
		}

		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}
	}
}
