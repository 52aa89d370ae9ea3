package core

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

import (
	"fmt"
	"math"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/x-stp/certwatch/internal/metrics"
)

// StatSemaphore is a non-blocking counting semaphore with usage counters.
type StatSemaphore struct {
	name     string
	size     int64
	sem      *semaphore.Weighted
	inUse    atomic.Int64
	acquired atomic.Uint64
	denied   atomic.Uint64
}

// SemaphoreStats is a point-in-time copy of a semaphore's counters.
type SemaphoreStats struct {
	Size     int64
	InUse    int64
	Acquired uint64
	Denied   uint64
}

func NewStatSemaphore(name string, size int64) *StatSemaphore {
	if size < 1 {
		size = 1
	}
	return &StatSemaphore{name: name, size: size, sem: semaphore.NewWeighted(size)}
}

// TryAcquire takes one slot without blocking.
func (s *StatSemaphore) TryAcquire() bool {
	if !s.sem.TryAcquire(1) {
		s.denied.Add(1)
		metrics.Inc(metrics.GetMetrics().SemaphoreDenied, s.name)
		return false
	}
	s.acquired.Add(1)
	n := s.inUse.Add(1)
	metrics.SetGauge(metrics.GetMetrics().SemaphoreInUse, float64(n), s.name)
	return true
}

// Release returns one slot.
func (s *StatSemaphore) Release() {
	n := s.inUse.Add(-1)
	s.sem.Release(1)
	metrics.SetGauge(metrics.GetMetrics().SemaphoreInUse, float64(n), s.name)
}

func (s *StatSemaphore) Size() int64 { return s.size }

func (s *StatSemaphore) Stats() SemaphoreStats {
	return SemaphoreStats{
		Size:     s.size,
		InUse:    s.inUse.Load(),
		Acquired: s.acquired.Load(),
		Denied:   s.denied.Load(),
	}
}

// Admission holds one semaphore per job type.
type Admission struct {
	sems map[JobType]*StatSemaphore
}

// AdmissionSizes computes per-type capacities for a pool of workers.
// Targets get all but a small reserve, background families a share each.
func AdmissionSizes(workers int) map[JobType]int {
	share := func(f float64) int {
		return max(1, int(math.Ceil(f*float64(workers))))
	}
	return map[JobType]int{
		TypeTarget: max(1, workers-targetReserve),
		TypeSub:    share(subShare),
		TypeIPScan: share(ipScanShare),
		TypeAPI:    share(apiShare),
	}
}

// NewAdmission builds semaphores sized from workers. Entries in overrides
// replace the computed size for their type.
func NewAdmission(workers int, overrides map[JobType]int) *Admission {
	sizes := AdmissionSizes(workers)
	for t, n := range overrides {
		sizes[t] = n
	}
	a := &Admission{sems: make(map[JobType]*StatSemaphore, len(sizes))}
	for _, t := range JobTypes {
		a.sems[t] = NewStatSemaphore(t.String(), int64(sizes[t]))
	}
	return a
}

// For returns the semaphore guarding job type t.
func (a *Admission) For(t JobType) (*StatSemaphore, error) {
	s, ok := a.sems[t]
	if !ok {
		return nil, fmt.Errorf("admission for %s: %w", t, ErrUnknownJobType)
	}
	return s, nil
}
