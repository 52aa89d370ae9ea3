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
	"math"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/x-stp/certwatch/internal/metrics"
)

// RateLimiter is an adaptive token bucket guarding one external service
// (crt.sh, WHOIS). Successes raise the rate additively, failures halve it,
// bounded by [min, max].
//
// The current rate is kept as float64 bits in an atomic so GetCurrentRate
// never contends with the limiter's own lock.
type RateLimiter struct {
	name        string
	limiter     *rate.Limiter
	currentRate atomic.Uint64
	minRate     float64
	maxRate     float64
	step        float64

	successCount atomic.Uint64
	failureCount atomic.Uint64
}

// NewRateLimiter creates a limiter starting at initialRate requests per
// second, allowed to move within [minRate, maxRate].
func NewRateLimiter(name string, initialRate, minRate, maxRate float64) *RateLimiter {
	if minRate <= 0 {
		minRate = 0.1
	}
	if maxRate < minRate {
		maxRate = minRate
	}
	initialRate = math.Min(math.Max(initialRate, minRate), maxRate)
	rl := &RateLimiter{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(initialRate), 1),
		minRate: minRate,
		maxRate: maxRate,
		step:    math.Max((maxRate-minRate)/20, minRate/10),
	}
	rl.setRate(initialRate)
	return rl
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}

// Allow reports whether a request may proceed now without waiting.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

func (rl *RateLimiter) RecordSuccess() {
	rl.successCount.Add(1)
	rl.adjustRate(true)
}

// RecordFailure is called on throttling responses (HTTP 429, WHOIS slow down).
func (rl *RateLimiter) RecordFailure() {
	rl.failureCount.Add(1)
	rl.adjustRate(false)
}

func (rl *RateLimiter) GetCurrentRate() float64 {
	return rl.getRate()
}

func (rl *RateLimiter) adjustRate(success bool) {
	current := rl.getRate()
	var next float64
	if success {
		next = math.Min(current+rl.step, rl.maxRate)
	} else {
		next = math.Max(current/2, rl.minRate)
	}
	if next == current {
		return
	}
	rl.setRate(next)
	rl.limiter.SetLimit(rate.Limit(next))
	metrics.SetGauge(metrics.GetMetrics().RateLimit, next, rl.name)
}

// GetStats returns counters for diagnostics.
func (rl *RateLimiter) GetStats() map[string]any {
	return map[string]any{
		"current_rate":  rl.getRate(),
		"success_count": rl.successCount.Load(),
		"failure_count": rl.failureCount.Load(),
	}
}

func (rl *RateLimiter) getRate() float64 {
	return math.Float64frombits(rl.currentRate.Load())
}

func (rl *RateLimiter) setRate(r float64) {
	rl.currentRate.Store(math.Float64bits(r))
}
