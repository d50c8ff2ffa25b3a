// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ryanuber/columnize"
	"github.com/spf13/cobra"

	"github.com/siderolabs/reaper/pkg/proc"
)

var zombiesCmdFlags struct {
	pid int
	all bool
}

// zombiesCmd represents the zombies command.
var zombiesCmd = &cobra.Command{
	Use:   "zombies",
	Short: "List exited children which weren't reaped yet",
	Long:  ``,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var (
			procs []proc.Process
			err   error
		)

		if zombiesCmdFlags.all {
			procs, err = proc.Children(zombiesCmdFlags.pid)
		} else {
			procs, err = proc.Zombies(zombiesCmdFlags.pid)
		}

		if err != nil {
			return fmt.Errorf("error listing processes: %w", err)
		}

		return printProcesses(os.Stdout, procs)
	},
}

func init() {
	zombiesCmd.Flags().IntVar(&zombiesCmdFlags.pid, "pid", 1, "parent process to inspect")
	zombiesCmd.Flags().BoolVarP(&zombiesCmdFlags.all, "all", "a", false, "list all children, not only zombies")
}

func printProcesses(w io.Writer, procs []proc.Process) error {
	lines := make([]string, 0, len(procs)+1)
	lines = append(lines, "PID | PPID | STATE | THREADS | CPU-TIME | VIRTMEM | RESMEM | COMMAND")

	for _, p := range procs {
		lines = append(lines, fmt.Sprintf("%d | %d | %s | %d | %s | %s | %s | %s",
			p.PID,
			p.PPID,
			p.State,
			p.Threads,
			time.Duration(p.CPUTime*float64(time.Second)).Round(time.Millisecond),
			humanize.Bytes(p.VirtualMemory),
			humanize.Bytes(p.ResidentMemory),
			p.Command,
		))
	}

	_, err := fmt.Fprintln(w, columnize.SimpleFormat(lines))

	return err
}
