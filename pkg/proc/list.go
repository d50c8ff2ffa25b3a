// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package proc inspects child processes via /proc.
package proc

import (
	"github.com/prometheus/procfs"
	"github.com/siderolabs/gen/xslices"
)

// StateZombie is the /proc state of an exited process which wasn't reaped yet.
const StateZombie = "Z"

// Process is a snapshot of a child process.
type Process struct {
	PID            int
	PPID           int
	State          string
	Command        string
	Threads        int
	CPUTime        float64
	VirtualMemory  uint64
	ResidentMemory uint64
}

// Zombie reports whether the process exited and is waiting to be reaped.
func (p Process) Zombie() bool {
	return p.State == StateZombie
}

// Children returns the processes whose parent is ppid.
func Children(ppid int) ([]Process, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, err
	}

	return ChildrenFS(fs, ppid)
}

// ChildrenFS is Children for a procfs mounted elsewhere.
func ChildrenFS(fs procfs.FS, ppid int) ([]Process, error) {
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, err
	}

	children := make([]Process, 0, len(procs))

	for _, p := range procs {
		// the process might have been reaped since the listing
		stat, err := p.Stat()
		if err != nil {
			continue
		}

		if stat.PPID != ppid {
			continue
		}

		children = append(children, Process{
			PID:            stat.PID,
			PPID:           stat.PPID,
			State:          stat.State,
			Command:        stat.Comm,
			Threads:        stat.NumThreads,
			CPUTime:        stat.CPUTime(),
			VirtualMemory:  uint64(stat.VirtualMemory()),
			ResidentMemory: uint64(stat.ResidentMemory()),
		})
	}

	return children, nil
}

// Zombies returns the children of ppid which exited but weren't reaped yet.
func Zombies(ppid int) ([]Process, error) {
	children, err := Children(ppid)
	if err != nil {
		return nil, err
	}

	return xslices.Filter(children, Process.Zombie), nil
}

// PIDs returns the process identifiers of procs.
func PIDs(procs []Process) []int {
	return xslices.Map(procs, func(p Process) int { return p.PID })
}
