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
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/metrics"
)

// Processor runs the scan pipeline for one job. It records per-check
// outcomes in job.Results and returns an error only for job-level failures.
type Processor interface {
	Process(ctx context.Context, job *Job) error
}

// LastScanMarker stamps a target's last_scan_at once its job is done.
type LastScanMarker interface {
	MarkScanned(ctx context.Context, key JobKey, at time.Time) error
}

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Workers        int
	MaxRetries     int
	DequeueTimeout time.Duration
	DeferSleep     time.Duration
	PinWorkers     bool
}

// outcome classifies one processing attempt.
type outcome int

const (
	outcomeFailure outcome = iota
	outcomeSuccess
	outcomeShutdown
)

// WorkerPool pulls jobs from a JobQueue and runs them through a Processor
// under per-type admission control.
type WorkerPool struct {
	cfg       PoolConfig
	queue     *JobQueue
	admission *Admission
	proc      Processor
	marker    LastScanMarker
	log       logger.Logger
	now       func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown atomic.Bool
	started  atomic.Bool
	workers  sync.WaitGroup
}

// NewWorkerPool wires a pool. Start launches the workers.
func NewWorkerPool(cfg PoolConfig, q *JobQueue, adm *Admission, proc Processor, marker LastScanMarker, log logger.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = DefaultDequeueTimeout
	}
	if cfg.DeferSleep <= 0 {
		cfg.DeferSleep = DeferSleep
	}
	return &WorkerPool{
		cfg:       cfg,
		queue:     q,
		admission: adm,
		proc:      proc,
		marker:    marker,
		log:       log.With(logger.String("component", "workers")),
		now:       time.Now,
	}
}

// Start launches the workers. They run until Stop or until parent is done.
func (p *WorkerPool) Start(parent context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.ctx, p.cancel = context.WithCancel(parent)
	for i := 0; i < p.cfg.Workers; i++ {
		p.workers.Add(1)
		go p.run(i)
	}
	p.log.Info("worker pool started", logger.Int("workers", p.cfg.Workers))
}

// Stop cancels the workers and waits for in-progress jobs to unwind.
func (p *WorkerPool) Stop() {
	if !p.started.Load() {
		return
	}
	if p.shutdown.CompareAndSwap(false, true) {
		p.log.Info("worker pool shutting down")
		p.cancel()
	}
	p.workers.Wait()
}

// Wait blocks until every worker has exited.
func (p *WorkerPool) Wait() {
	p.workers.Wait()
}

func (p *WorkerPool) run(id int) {
	defer p.workers.Done()
	if p.cfg.PinWorkers {
		setAffinity(p.log, id, id%runtime.NumCPU())
	}

	for {
		if p.ctx.Err() != nil {
			return
		}
		job, ok := p.queue.Dequeue(p.ctx, p.cfg.DequeueTimeout)
		if !ok {
			continue
		}
		p.handle(p.ctx, job)
	}
}

// handle runs one attempt of job. Admission release and the queue decision
// are deferred so they happen on every path, panics included.
func (p *WorkerPool) handle(ctx context.Context, job *Job) {
	sem, err := p.admission.For(job.Type)
	if err != nil {
		p.log.Error("dropping job", logger.String("key", job.Key().String()), logger.Error(err))
		p.queue.Finish(job, false)
		return
	}
	if !sem.TryAcquire() {
		p.queue.Defer(job)
		sleepCtx(ctx, p.cfg.DeferSleep)
		return
	}

	out := outcomeFailure
	defer func() {
		if r := recover(); r != nil {
			metrics.GetMetrics().WorkerPanics.Inc()
			p.log.Error("panic in job",
				logger.String("key", job.Key().String()),
				logger.Any("panic", r),
				logger.Stack("stack"))
			job.Attempts++
			out = outcomeFailure
		}
		sem.Release()
		p.finish(job, out)
	}()

	job.Results.Reset()
	job.Success = false
	err = p.proc.Process(ctx, job)
	out = p.classify(ctx, job, err)
}

func (p *WorkerPool) classify(ctx context.Context, job *Job, err error) outcome {
	switch {
	case err == nil && !job.Results.AnyFailed():
		return outcomeSuccess
	case err == nil:
		job.Attempts++
		return outcomeFailure
	case errors.Is(err, ErrInvalidHostname):
		p.log.Debug("invalid hostname, finishing", logger.String("key", job.Key().String()))
		return outcomeSuccess
	case errors.Is(err, ErrShuttingDown), errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return outcomeShutdown
	default:
		job.Attempts++
		p.log.Warn("job failed",
			logger.String("key", job.Key().String()),
			logger.Int("attempts", job.Attempts),
			logger.Bool("retryable", IsRetryable(err)),
			logger.Error(err))
		return outcomeFailure
	}
}

// finish applies exactly one of requeue or release for the attempt.
func (p *WorkerPool) finish(job *Job, out outcome) {
	typ := job.Type.String()
	switch out {
	case outcomeSuccess:
		job.Success = true
		p.mark(job)
		p.queue.Finish(job, false)
		metrics.Inc(metrics.GetMetrics().JobsFinished, typ, "success")
	case outcomeShutdown:
		p.queue.Finish(job, false)
		metrics.Inc(metrics.GetMetrics().JobsFinished, typ, "shutdown")
	default:
		if job.Attempts > p.cfg.MaxRetries {
			p.log.Warn("job abandoned",
				logger.String("key", job.Key().String()),
				logger.Int("attempts", job.Attempts))
			p.mark(job)
			p.queue.Finish(job, false)
			metrics.Inc(metrics.GetMetrics().JobsFinished, typ, "abandoned")
			return
		}
		p.queue.Finish(job, true)
		metrics.Inc(metrics.GetMetrics().JobsFinished, typ, "retry")
	}
}

func (p *WorkerPool) mark(job *Job) {
	if p.marker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctxOrBackground()), 5*time.Second)
	defer cancel()
	at := p.now()
	if err := p.marker.MarkScanned(ctx, job.Key(), at); err != nil {
		p.log.Error("mark scanned", logger.String("key", job.Key().String()), logger.Error(err))
		return
	}
	job.LastScanAt = &at
}

func (p *WorkerPool) ctxOrBackground() context.Context {
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

// RunOnce processes job synchronously outside the pool loop, applying the
// same classification. Used for interactive one-shot scans.
func (p *WorkerPool) RunOnce(ctx context.Context, job *Job) error {
	job.Results.Reset()
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = p.proc.Process(ctx, job)
	}()
	if out := p.classify(ctx, job, err); out == outcomeSuccess {
		job.Success = true
		p.mark(job)
		return nil
	}
	if err == nil {
		err = errors.New("one or more checks failed")
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
