// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/ryanuber/columnize"
	"github.com/siderolabs/gen/xslices"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siderolabs/reaper/pkg/runtime"
	"github.com/siderolabs/reaper/pkg/signal"
)

var signalsCmdFlags struct {
	watch []string
}

// signalsCmd represents the signals command.
var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "List recognized signals, or watch for deliveries",
	Long: `Without flags, lists the signal kinds the registry keeps state for.

With --watch, subscribes to the given signals and prints every notification
until Ctrl-C.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(signalsCmdFlags.watch) == 0 {
			return printSignals(os.Stdout, signal.Global())
		}

		kinds, err := parseKinds(signalsCmdFlags.watch)
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

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

		logger.Debug("watching signals", zap.Strings("kinds", xslices.Map(kinds, signal.Kind.String)))

		return watchSignals(cmd.Context(), rt, kinds, os.Stdout)
	},
}

func init() {
	signalsCmd.Flags().StringSliceVar(&signalsCmdFlags.watch, "watch", nil, "signals to watch, by name or number (e.g. SIGUSR1,hup,10)")
}

func parseKinds(names []string) ([]signal.Kind, error) {
	kinds := make([]signal.Kind, 0, len(names))

	for _, name := range names {
		kind, err := signal.ParseKind(name)
		if err != nil {
			return nil, err
		}

		kinds = append(kinds, kind)
	}

	return kinds, nil
}

func printSignals(w io.Writer, registry *signal.Registry) error {
	lines := []string{"NUM | NAME | CATCHABLE | PENDING | GENERATION | LISTENERS"}

	registry.ForEach(func(kind signal.Kind, info signal.EventInfo) {
		if kind == 0 {
			return
		}

		lines = append(lines, fmt.Sprintf("%d | %s | %t | %t | %d | %d",
			kind.Raw(), kind, !kind.Forbidden(), info.Pending, info.Generation, info.Listeners))
	})

	_, err := fmt.Fprintln(w, columnize.SimpleFormat(lines))

	return err
}

// watchSignals prints notifications of kinds until ctx is canceled or SIGINT is received.
func watchSignals(ctx context.Context, rt *runtime.Runtime, kinds []signal.Kind, w io.Writer) error {
	subscriptions := make([]*signal.Signal, 0, len(kinds))

	defer func() {
		for _, s := range subscriptions {
			s.Close()
		}
	}()

	for _, kind := range kinds {
		s, err := rt.Signal(kind)
		if err != nil {
			rt.Shutdown() //nolint:errcheck

			return err
		}

		subscriptions = append(subscriptions, s)
	}

	eg, egCtx := errgroup.WithContext(ctx)

	loopCtx, stopLoop := context.WithCancel(egCtx)
	defer stopLoop()

	watchCtx, stopWatch := context.WithCancel(egCtx)
	defer stopWatch()

	eg.Go(func() error {
		return rt.Run(loopCtx)
	})

	// a watched SIGINT is printed, not treated as Ctrl-C
	if !slices.Contains(kinds, signal.KindInterrupt) {
		eg.Go(func() error {
			if rt.CtrlC(watchCtx) == nil {
				stopWatch()
			}

			return nil
		})
	}

	for _, s := range subscriptions {
		eg.Go(func() error {
			for {
				ok, err := s.Recv(watchCtx)
				if err != nil || !ok {
					return nil
				}

				fmt.Fprintf(w, "%s received\n", s.Kind()) //nolint:errcheck
			}
		})
	}

	eg.Go(func() error {
		<-watchCtx.Done()
		stopLoop()

		return nil
	})

	return eg.Wait()
}
