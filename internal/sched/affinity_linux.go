//go:build linux

package sched

/*
tilerq — asynchronous retrieval scheduler in Go for map tile services
Copyright (C) 2025  Pepijn van der Stap <tilerq@vanderstap.info>

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU Affero General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU Affero General Public License for more details.

You should have received a copy of the GNU Affero General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

import (
	"log"
	"runtime"

	"golang.org/x/sys/unix"
)

// setAffinity pins the worker's OS thread to one CPU core, best-effort.
// LockOSThread is never undone: the worker goroutine owns its thread for the
// scheduler's lifetime.
func setAffinity(workerID, cpuID int) {
	runtime.LockOSThread()

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(cpuID)

	tid := unix.Gettid()
	if err := unix.SchedSetaffinity(tid, &cpuSet); err != nil {
		log.Printf("Warning: failed to set CPU affinity for worker %d on core %d (tid %d): %v", workerID, cpuID, tid, err)
	}
}
