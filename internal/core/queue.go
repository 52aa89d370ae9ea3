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
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/x-stp/certwatch/internal/metrics"
)

// jobHeap orders jobs oldest rank first, insertion order breaking ties.
type jobHeap []*Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x any) {
	j := x.(*Job)
	j.index = len(*h)
	*h = append(*h, j)
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	j.index = -1
	*h = old[:n-1]
	return j
}

// JobQueue is a bounded, deduplicating priority queue.
//
// inFlight holds every key that is queued or processing; processing holds the
// popped subset. Both maps and the heap are guarded by mu, so a key can never
// be observed in two places at once.
type JobQueue struct {
	mu         sync.Mutex
	items      jobHeap
	inFlight   map[JobKey]struct{}
	processing map[JobKey]*Job
	limit      int
	seq        uint64
	notify     chan struct{}
	now        func() time.Time
}

// NewJobQueue creates a queue with the given nominal limit.
func NewJobQueue(limit int) *JobQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	metrics.GetMetrics().UpdateQueue(0, 0, limit)
	return &JobQueue{
		inFlight:   make(map[JobKey]struct{}),
		processing: make(map[JobKey]*Job),
		limit:      limit,
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Limit returns the nominal capacity.
func (q *JobQueue) Limit() int { return q.limit }

// Enqueue adds job unless its key is already in flight.
func (q *JobQueue) Enqueue(job *Job) bool {
	key := job.Key()
	q.mu.Lock()
	if _, dup := q.inFlight[key]; dup {
		q.mu.Unlock()
		metrics.Inc(metrics.GetMetrics().JobsRejected, job.Type.String(), "duplicate")
		return false
	}
	q.inFlight[key] = struct{}{}
	q.pushLocked(job)
	q.publishLocked()
	q.mu.Unlock()

	metrics.Inc(metrics.GetMetrics().JobsEnqueued, job.Type.String())
	q.signal()
	return true
}

func (q *JobQueue) pushLocked(job *Job) {
	q.seq++
	job.seq = q.seq
	heap.Push(&q.items, job)
}

func (q *JobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// IsFull reports whether the feeder should stop adding jobs of type t.
// Non-primary types get a small allowance over the limit so background
// families are not starved by a queue full of targets.
func (q *JobQueue) IsFull(t JobType) bool {
	limit := float64(q.limit)
	if t != TypeTarget {
		limit *= 1 + NonPrimaryAllowance
	}
	return float64(q.Len()) >= limit
}

// ShouldAdmitMore reports whether the queue is under the admission watermark.
func (q *JobQueue) ShouldAdmitMore() bool {
	return float64(q.Len()) <= float64(q.limit)*AdmitWatermark
}

// Dequeue pops the stalest job, waiting up to timeout for one to arrive.
// The popped key moves into processing.
func (q *JobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, bool) {
	if timeout <= 0 {
		timeout = DefaultDequeueTimeout
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if job, more, ok := q.tryPop(); ok {
			if more {
				q.signal()
			}
			return job, true
		}
		if timer == nil {
			timer = time.NewTimer(timeout)
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			job, more, ok := q.tryPop()
			if ok && more {
				q.signal()
			}
			return job, ok
		case <-q.notify:
		}
	}
}

func (q *JobQueue) tryPop() (*Job, bool, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return nil, false, false
	}
	job := heap.Pop(&q.items).(*Job)
	q.processing[job.Key()] = job
	q.publishLocked()
	return job, q.items.Len() > 0, true
}

// Finish ends a processing attempt. The processing entry is always removed;
// then the job is either pushed back (requeue) with its key still in flight,
// or its key is released.
func (q *JobQueue) Finish(job *Job, requeue bool) {
	key := job.Key()
	q.mu.Lock()
	delete(q.processing, key)
	if requeue {
		q.bumpLocked(job)
		q.pushLocked(job)
	} else {
		delete(q.inFlight, key)
	}
	q.publishLocked()
	q.mu.Unlock()
	if requeue {
		q.signal()
	}
}

// Defer returns a job whose admission was refused. Its attempt count is not
// touched; it is re-ranked behind the current stale work.
func (q *JobQueue) Defer(job *Job) {
	metrics.Inc(metrics.GetMetrics().JobsDeferred, job.Type.String())
	q.Finish(job, true)
}

// bumpLocked moves a pushed-back job behind every job that became due before now.
func (q *JobQueue) bumpLocked(job *Job) {
	r := q.now().UnixNano()
	if r > job.rank {
		job.rank = r
	}
}

func (q *JobQueue) publishLocked() {
	metrics.GetMetrics().UpdateQueue(q.items.Len(), len(q.inFlight), q.limit)
}

// Len returns the number of queued (not processing) jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// InFlight returns the number of keys queued or processing.
func (q *JobQueue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.inFlight)
}

// Processing returns the number of keys currently held by workers.
func (q *JobQueue) Processing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.processing)
}

// Contains reports whether key is queued or processing.
func (q *JobQueue) Contains(key JobKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.inFlight[key]
	return ok
}
