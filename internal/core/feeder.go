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
	"math/rand/v2"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/x-stp/certwatch/internal/logger"
	"github.com/x-stp/certwatch/internal/metrics"
)

// DueQuery asks for targets of one family last scanned before Cutoff.
type DueQuery struct {
	Type     JobType
	Cutoff   time.Time
	PageSize int
}

// DueItem is one candidate returned by a DueSource.
type DueItem struct {
	Target      Target
	LastScanAt  *time.Time
	Periodicity time.Duration
}

// DueSource streams due targets oldest first. fn returning false stops the
// stream early without error.
type DueSource interface {
	StreamDue(ctx context.Context, q DueQuery, fn func(DueItem) bool) error
}

// FeederConfig controls thresholds and cadence.
type FeederConfig struct {
	// Thresholds is the base staleness per family.
	Thresholds   map[JobType]time.Duration
	Jitter       float64
	Tick         time.Duration
	Interval     time.Duration
	FastInterval time.Duration
	PageSize     int
}

// feederFamilies is the order in which families are fed each pass.
var feederFamilies = []JobType{TypeTarget, TypeSub, TypeIPScan}

// Feeder periodically moves due targets from storage into the queue.
type Feeder struct {
	cfg   FeederConfig
	src   DueSource
	queue *JobQueue
	log   logger.Logger
	now   func() time.Time
	rnd   func() float64

	lastPass time.Time
}

func NewFeeder(cfg FeederConfig, src DueSource, q *JobQueue, log logger.Logger) *Feeder {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultFeederTick
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFeederInterval
	}
	if cfg.FastInterval <= 0 {
		cfg.FastInterval = DefaultFeederFastInterval
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultFeederPageSize
	}
	return &Feeder{
		cfg:   cfg,
		src:   src,
		queue: q,
		log:   log.With(logger.String("component", "feeder")),
		now:   time.Now,
		rnd:   rand.Float64,
	}
}

// Run ticks until ctx is done. A pass starts when the regular interval has
// elapsed, or the fast interval when the queue has room.
func (f *Feeder) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if f.shouldRun() {
				f.Pass(ctx)
			}
		}
	}
}

func (f *Feeder) shouldRun() bool {
	since := f.now().Sub(f.lastPass)
	if since >= f.cfg.Interval {
		return true
	}
	return since >= f.cfg.FastInterval && f.queue.ShouldAdmitMore()
}

// Pass feeds every family once and returns how many jobs were enqueued.
func (f *Feeder) Pass(ctx context.Context) int {
	f.lastPass = f.now()
	if !f.queue.ShouldAdmitMore() {
		return 0
	}
	total := 0
	for _, t := range feederFamilies {
		if ctx.Err() != nil {
			break
		}
		n, err := f.feed(ctx, t)
		total += n
		if err != nil {
			metrics.Inc(metrics.GetMetrics().FeederErrors, t.String())
			f.log.Error("feed family", logger.String("family", t.String()), logger.Error(err))
		}
	}
	if total > 0 {
		f.log.Debug("feeder pass", logger.Int("enqueued", total), logger.Int("queue", f.queue.Len()))
	}
	return total
}

func (f *Feeder) feed(ctx context.Context, t JobType) (int, error) {
	base, ok := f.cfg.Thresholds[t]
	if !ok || base <= 0 {
		return 0, nil
	}
	if f.queue.IsFull(t) {
		return 0, nil
	}
	done := metrics.MeasureDuration(metrics.GetMetrics().FeederPassDuration, prometheus.Labels{"family": t.String()})
	defer done()

	now := f.now()
	q := DueQuery{Type: t, Cutoff: now.Add(-f.jittered(base)), PageSize: f.cfg.PageSize}
	added := 0
	err := f.src.StreamDue(ctx, q, func(it DueItem) bool {
		if it.Periodicity > 0 && it.LastScanAt != nil && it.LastScanAt.After(now.Add(-it.Periodicity)) {
			return true
		}
		if f.queue.IsFull(t) {
			return false
		}
		job := NewJob(t, it.Target, it.LastScanAt)
		job.Periodicity = it.Periodicity
		if f.queue.Enqueue(job) {
			added++
		}
		return true
	})
	return added, err
}

// jittered scales base by a uniform factor in [1-j, 1+j].
func (f *Feeder) jittered(base time.Duration) time.Duration {
	j := f.cfg.Jitter
	if j <= 0 {
		return base
	}
	factor := 1 + (f.rnd()*2-1)*j
	return time.Duration(float64(base) * factor)
}
