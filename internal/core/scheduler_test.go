package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/x-stp/certwatch/internal/logger"
)

type procFunc func(ctx context.Context, job *Job) error

func (f procFunc) Process(ctx context.Context, job *Job) error { return f(ctx, job) }

type recordingMarker struct {
	mu   sync.Mutex
	keys []JobKey
}

func (m *recordingMarker) MarkScanned(_ context.Context, key JobKey, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, key)
	return nil
}

func (m *recordingMarker) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}

func newTestPool(q *JobQueue, adm *Admission, p Processor, m LastScanMarker) *WorkerPool {
	return NewWorkerPool(PoolConfig{Workers: 1, MaxRetries: 3, DequeueTimeout: 20 * time.Millisecond, DeferSleep: time.Millisecond},
		q, adm, p, m, logger.NewNop())
}

// pop enqueues and dequeues a fresh job so it is in the processing state.
func pop(t *testing.T, q *JobQueue, job *Job) *Job {
	t.Helper()
	if !q.Enqueue(job) {
		t.Fatalf("enqueue %s rejected", job.Key())
	}
	got, ok := q.Dequeue(context.Background(), 50*time.Millisecond)
	if !ok {
		t.Fatalf("dequeue failed")
	}
	return got
}

func TestKeyReleasedOnEveryPath(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	cases := []struct {
		name         string
		attempts     int
		proc         procFunc
		wantInFlight bool
		wantMarked   bool
		wantAttempts int
	}{
		{"success", 0, func(context.Context, *Job) error { return nil }, false, true, 0},
		{"failure within budget", 0, func(context.Context, *Job) error { return boom }, true, false, 1},
		{"failure over budget", 3, func(context.Context, *Job) error { return boom }, false, true, 4},
		{"check failed", 0, func(_ context.Context, j *Job) error { j.Results.TLS.Fail(boom); return nil }, true, false, 1},
		{"invalid hostname", 0, func(context.Context, *Job) error { return ErrInvalidHostname }, false, true, 0},
		{"shutdown", 0, func(context.Context, *Job) error { return ErrShuttingDown }, false, false, 0},
		{"panic", 0, func(context.Context, *Job) error { panic("kaboom") }, true, false, 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			q := NewJobQueue(8)
			m := &recordingMarker{}
			pool := newTestPool(q, NewAdmission(10, nil), tc.proc, m)

			job := pop(t, q, newTestJob(TypeTarget, 42, nil))
			job.Attempts = tc.attempts
			pool.handle(context.Background(), job)

			if q.Processing() != 0 {
				t.Fatalf("processing entry leaked")
			}
			if got := q.Contains(job.Key()); got != tc.wantInFlight {
				t.Fatalf("in flight = %v, want %v", got, tc.wantInFlight)
			}
			if got := m.count() == 1; got != tc.wantMarked {
				t.Fatalf("marked = %v, want %v", got, tc.wantMarked)
			}
			if job.Attempts != tc.wantAttempts {
				t.Fatalf("attempts = %d, want %d", job.Attempts, tc.wantAttempts)
			}
			sem, _ := pool.admission.For(TypeTarget)
			if sem.Stats().InUse != 0 {
				t.Fatalf("semaphore slot leaked")
			}
		})
	}
}

func TestRetryBudgetAbandonsAfterFourFailures(t *testing.T) {
	t.Parallel()
	q := NewJobQueue(8)
	m := &recordingMarker{}
	var calls atomic.Int32
	pool := newTestPool(q, NewAdmission(10, nil), procFunc(func(context.Context, *Job) error {
		calls.Add(1)
		return errors.New("unreachable")
	}), m)

	q.Enqueue(newTestJob(TypeTarget, 9, nil))
	for i := 0; i < 10; i++ {
		job, ok := q.Dequeue(context.Background(), 10*time.Millisecond)
		if !ok {
			break
		}
		pool.handle(context.Background(), job)
	}

	if calls.Load() != 4 {
		t.Fatalf("processed %d times, want 4", calls.Load())
	}
	if q.Contains(JobKey{TypeTarget, 9}) {
		t.Fatalf("abandoned job still in flight")
	}
	if m.count() != 1 {
		t.Fatalf("abandoned job should still be marked scanned")
	}
}

func TestBusySemaphoreDefersWithoutAttempt(t *testing.T) {
	t.Parallel()
	q := NewJobQueue(8)
	adm := NewAdmission(10, map[JobType]int{TypeSub: 1})
	sem, _ := adm.For(TypeSub)
	if !sem.TryAcquire() {
		t.Fatalf("could not take the only slot")
	}
	var calls atomic.Int32
	pool := newTestPool(q, adm, procFunc(func(context.Context, *Job) error {
		calls.Add(1)
		return nil
	}), nil)

	job := pop(t, q, newTestJob(TypeSub, 3, nil))
	pool.handle(context.Background(), job)

	if calls.Load() != 0 {
		t.Fatalf("processor ran without admission")
	}
	if job.Attempts != 0 || q.Len() != 1 || !q.Contains(job.Key()) {
		t.Fatalf("deferred job should be requeued untouched: attempts=%d len=%d", job.Attempts, q.Len())
	}
	if sem.Stats().Denied != 1 {
		t.Fatalf("denied counter = %d", sem.Stats().Denied)
	}
}

func TestUnknownJobTypeIsReleased(t *testing.T) {
	t.Parallel()
	q := NewJobQueue(8)
	pool := newTestPool(q, NewAdmission(10, nil), procFunc(func(context.Context, *Job) error {
		t.Errorf("processor must not run for unknown type")
		return nil
	}), nil)

	job := pop(t, q, newTestJob(JobType(99), 1, nil))
	pool.handle(context.Background(), job)
	if q.InFlight() != 0 {
		t.Fatalf("unknown job type should release its key")
	}
}

func TestAdmissionKeepsSubMovingWhileTargetsBlocked(t *testing.T) {
	t.Parallel()
	q := NewJobQueue(64)
	adm := NewAdmission(6, map[JobType]int{TypeTarget: 5, TypeSub: 1, TypeIPScan: 1})

	release := make(chan struct{})
	subDone := make(chan struct{})
	var targetsDone atomic.Int32
	proc := procFunc(func(ctx context.Context, job *Job) error {
		switch job.Type {
		case TypeSub:
			close(subDone)
			return nil
		default:
			select {
			case <-release:
			case <-ctx.Done():
				return ErrShuttingDown
			}
			targetsDone.Add(1)
			return nil
		}
	})
	pool := NewWorkerPool(PoolConfig{Workers: 6, MaxRetries: 3, DequeueTimeout: 10 * time.Millisecond, DeferSleep: time.Millisecond},
		q, adm, proc, &recordingMarker{}, logger.NewNop())

	for i := int64(1); i <= 10; i++ {
		q.Enqueue(newTestJob(TypeTarget, i, nil))
	}
	q.Enqueue(newTestJob(TypeSub, 1, nil))

	pool.Start(context.Background())
	defer pool.Stop()

	select {
	case <-subDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("sub job starved behind blocked targets")
	}
	if n := targetsDone.Load(); n != 0 {
		t.Fatalf("%d targets finished before release", n)
	}
	sem, _ := adm.For(TypeTarget)
	if sem.Stats().InUse > 5 {
		t.Fatalf("target admission exceeded: %d", sem.Stats().InUse)
	}

	close(release)
	deadline := time.Now().Add(3 * time.Second)
	for q.InFlight() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if q.InFlight() != 0 {
		t.Fatalf("%d keys still in flight", q.InFlight())
	}
	if targetsDone.Load() != 10 {
		t.Fatalf("targets done = %d, want 10", targetsDone.Load())
	}
}

func TestStopReleasesKeysOfInterruptedJobs(t *testing.T) {
	t.Parallel()
	q := NewJobQueue(8)
	m := &recordingMarker{}
	started := make(chan struct{})
	pool := NewWorkerPool(PoolConfig{Workers: 1, DequeueTimeout: 10 * time.Millisecond}, q, NewAdmission(10, nil),
		procFunc(func(ctx context.Context, _ *Job) error {
			close(started)
			<-ctx.Done()
			return ErrShuttingDown
		}), m, logger.NewNop())

	q.Enqueue(newTestJob(TypeTarget, 1, nil))
	pool.Start(context.Background())
	<-started
	pool.Stop()

	if q.InFlight() != 0 {
		t.Fatalf("interrupted job kept its key")
	}
	if m.count() != 0 {
		t.Fatalf("interrupted job must not be marked scanned")
	}
}

func TestRunOnceMarksOnSuccess(t *testing.T) {
	t.Parallel()
	m := &recordingMarker{}
	pool := newTestPool(NewJobQueue(4), NewAdmission(4, nil), procFunc(func(_ context.Context, j *Job) error {
		j.Results.DNS.OK(nil)
		return nil
	}), m)

	job := newTestJob(TypeAPI, 5, nil)
	if err := pool.RunOnce(context.Background(), job); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if !job.Success || m.count() != 1 || job.LastScanAt == nil {
		t.Fatalf("successful one-shot should be marked")
	}
}
