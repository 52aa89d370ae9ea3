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
	"net/url"
	"time"
)

// JobType is the closed set of job variants.
type JobType int

const (
	TypeTarget JobType = iota + 1
	TypeSub
	TypeIPScan
	TypeAPI
)

// JobTypes lists every valid JobType.
var JobTypes = []JobType{TypeTarget, TypeSub, TypeIPScan, TypeAPI}

func (t JobType) String() string {
	switch t {
	case TypeTarget:
		return "target"
	case TypeSub:
		return "sub"
	case TypeIPScan:
		return "ip_scan"
	case TypeAPI:
		return "api"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	return t >= TypeTarget && t <= TypeAPI
}

// JobKey identifies the logical target of a job. At most one job per key
// exists in queue and processing combined.
type JobKey struct {
	Type JobType
	ID   int64
}

func (k JobKey) String() string {
	return fmt.Sprintf("%s/%d", k.Type, k.ID)
}

// Target is the minimum a scheduled object exposes.
type Target interface {
	TargetID() int64
	Host() string
}

// HasTargetURL is implemented by targets that can be addressed by URL.
type HasTargetURL interface {
	TargetURL() (*url.URL, error)
}

// ResultState is the lifecycle of one check within a processing attempt.
type ResultState int

const (
	StatePending ResultState = iota
	StateSkipped
	StateFailed
	StateOK
)

func (s ResultState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSkipped:
		return "skipped"
	case StateFailed:
		return "failed"
	case StateOK:
		return "ok"
	default:
		return "invalid"
	}
}

// ScanResult tracks one check. Aux holds the last known good record,
// whether freshly written or loaded because the stored one was still fresh.
type ScanResult struct {
	State ResultState
	Err   error
	Aux   any
}

func (r *ScanResult) Skip()          { r.State, r.Err = StateSkipped, nil }
func (r *ScanResult) Fail(err error) { r.State, r.Err = StateFailed, err }

func (r *ScanResult) OK(aux any) {
	r.State, r.Err = StateOK, nil
	if aux != nil {
		r.Aux = aux
	}
}

func (r *ScanResult) Failed() bool { return r.State == StateFailed }

// ScanResults groups the per-check outcomes of a job.
type ScanResults struct {
	DNS      ScanResult
	TLS      ScanResult
	CrtSh    ScanResult
	Whois    ScanResult
	Wildcard ScanResult
	IPScan   ScanResult
}

// Reset returns every check to pending. Called at the start of each attempt.
func (r *ScanResults) Reset() {
	*r = ScanResults{}
}

func (r *ScanResults) all() []*ScanResult {
	return []*ScanResult{&r.DNS, &r.TLS, &r.CrtSh, &r.Whois, &r.Wildcard, &r.IPScan}
}

// AnyFailed reports whether at least one check failed.
func (r *ScanResults) AnyFailed() bool {
	for _, s := range r.all() {
		if s.Failed() {
			return true
		}
	}
	return false
}

// Job is one unit of scheduled work. A job is exclusively owned by
// whichever goroutine popped it until it is handed back to the queue.
type Job struct {
	Type        JobType
	Target      Target
	LastScanAt  *time.Time
	Periodicity time.Duration
	Interactive bool

	Attempts  int
	Success   bool
	Results   ScanResults
	PrimaryIP string

	rank  int64
	seq   uint64
	index int
}

// NewJob builds a job ranked by its staleness.
func NewJob(t JobType, target Target, lastScanAt *time.Time) *Job {
	j := &Job{
		Type:       t,
		Target:     target,
		LastScanAt: lastScanAt,
		index:      -1,
	}
	j.rank = stalenessRank(lastScanAt)
	return j
}

// Key returns the job's dedup key. API jobs scan watch targets and share
// the TARGET key space, so an interactive scan never overlaps a scheduled one.
func (j *Job) Key() JobKey {
	var id int64
	if j.Target != nil {
		id = j.Target.TargetID()
	}
	return JobKey{Type: keyType(j.Type), ID: id}
}

func keyType(t JobType) JobType {
	if t == TypeAPI {
		return TypeTarget
	}
	return t
}

// TargetURL resolves the target URL when the target supports it.
func (j *Job) TargetURL() (*url.URL, error) {
	if u, ok := j.Target.(HasTargetURL); ok {
		return u.TargetURL()
	}
	return nil, fmt.Errorf("%s: %w", j.Key(), ErrNoTargetURL)
}

// Host is a convenience for Target.Host.
func (j *Job) Host() string {
	if j.Target == nil {
		return ""
	}
	return j.Target.Host()
}

func stalenessRank(t *time.Time) int64 {
	if t == nil {
		return math.MinInt64
	}
	return t.UnixNano()
}
