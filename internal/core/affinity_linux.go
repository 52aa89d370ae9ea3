//go:build linux

/*
certwatch - periodic TLS, DNS, WHOIS and CT monitoring for large host sets
Copyright (C) 2025  Pepijn van der Stap <rxtls@vanderstap.info>

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

package core

import (
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/x-stp/certwatch/internal/logger"
)

// setAffinity binds the calling worker's OS thread to cpuID. Best effort:
// failure is logged and the worker keeps running unpinned.
func setAffinity(log logger.Logger, workerID, cpuID int) {
	// The worker goroutine lives as long as the pool, so the thread stays locked.
	runtime.LockOSThread()

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	cpuSet.Set(cpuID)

	tid := unix.Gettid()
	if err := unix.SchedSetaffinity(tid, &cpuSet); err != nil {
		log.Warn("cpu affinity",
			logger.Int("worker", workerID),
			logger.Int("cpu", cpuID),
			logger.Int("tid", tid),
			logger.Error(err))
	}
}
