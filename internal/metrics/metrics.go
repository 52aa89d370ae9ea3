package metrics

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
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/x-stp/certwatch/internal/logger"
)

var (
	registry          = prometheus.NewRegistry()
	defaultRegisterer = promauto.With(registry)
	metricsEnabled    atomic.Bool

	serverMu      sync.Mutex
	metricsServer *http.Server
)

// Metrics contains all the Prometheus metrics for the application.
type Metrics struct {
	// Queue metrics
	QueueSize       prometheus.Gauge
	QueueInFlight   prometheus.Gauge
	QueueCapacity   prometheus.Gauge
	JobsEnqueued    *prometheus.CounterVec
	JobsRejected    *prometheus.CounterVec
	JobsDeferred    *prometheus.CounterVec
	JobsFinished    *prometheus.CounterVec
	WorkerPanics    prometheus.Counter
	SemaphoreInUse  *prometheus.GaugeVec
	SemaphoreDenied *prometheus.CounterVec

	// Feeder metrics
	FeederPassDuration *prometheus.HistogramVec
	FeederErrors       *prometheus.CounterVec

	// Scan metrics
	ScanDuration *prometheus.HistogramVec
	ScanChecks   *prometheus.CounterVec
	ScanRecords  *prometheus.CounterVec
	RateLimit    *prometheus.GaugeVec

	// Side channels
	BlacklistRules  prometheus.Gauge
	EventsPublished *prometheus.CounterVec
	Provisioned     *prometheus.CounterVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics turns on collection. Until then the helpers below are no-ops.
func EnableMetrics() {
	metricsEnabled.Store(true)
}

func IsMetricsEnabled() bool {
	return metricsEnabled.Load()
}

// Registry exposes the private registry, mainly for tests.
func Registry() *prometheus.Registry {
	return registry
}

func newMetrics() *Metrics {
	buckets := []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120}

	return &Metrics{
		QueueSize: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
			Name: "certwatch_queue_size",
			Help: "Jobs waiting in the scan queue",
		}),
		QueueInFlight: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
			Name: "certwatch_queue_inflight",
			Help: "Job keys queued or being processed",
		}),
		QueueCapacity: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
			Name: "certwatch_queue_capacity",
			Help: "Nominal queue limit",
		}),
		JobsEnqueued: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_jobs_enqueued_total",
			Help: "Jobs accepted by the queue",
		}, []string{"type"}),
		JobsRejected: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_jobs_rejected_total",
			Help: "Jobs refused by the queue",
		}, []string{"type", "reason"}),
		JobsDeferred: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_jobs_deferred_total",
			Help: "Jobs pushed back because their type's admission was saturated",
		}, []string{"type"}),
		JobsFinished: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_jobs_finished_total",
			Help: "Processing attempts by outcome",
		}, []string{"type", "outcome"}),
		WorkerPanics: defaultRegisterer.NewCounter(prometheus.CounterOpts{
			Name: "certwatch_worker_panics_total",
			Help: "Panics recovered in workers",
		}),
		SemaphoreInUse: defaultRegisterer.NewGaugeVec(prometheus.GaugeOpts{
			Name: "certwatch_semaphore_in_use",
			Help: "Admission slots held per job type",
		}, []string{"type"}),
		SemaphoreDenied: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_semaphore_denied_total",
			Help: "Failed admission attempts per job type",
		}, []string{"type"}),
		FeederPassDuration: defaultRegisterer.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certwatch_feeder_pass_duration_seconds",
			Help:    "Time spent loading due targets per family",
			Buckets: buckets,
		}, []string{"family"}),
		FeederErrors: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_feeder_errors_total",
			Help: "Failed feeder queries per family",
		}, []string{"family"}),
		ScanDuration: defaultRegisterer.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "certwatch_scan_duration_seconds",
			Help:    "Duration of individual checks",
			Buckets: buckets,
		}, []string{"check"}),
		ScanChecks: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_scan_checks_total",
			Help: "Check outcomes",
		}, []string{"check", "state"}),
		ScanRecords: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_scan_records_total",
			Help: "Scan records by persistence result (same or new)",
		}, []string{"check", "result"}),
		RateLimit: defaultRegisterer.NewGaugeVec(prometheus.GaugeOpts{
			Name: "certwatch_rate_limit",
			Help: "Current adaptive rate per external service",
		}, []string{"service"}),
		BlacklistRules: defaultRegisterer.NewGauge(prometheus.GaugeOpts{
			Name: "certwatch_blacklist_rules",
			Help: "Rules in the active blacklist snapshot",
		}),
		EventsPublished: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_events_published_total",
			Help: "Change events handed to sinks",
		}, []string{"sink", "status"}),
		Provisioned: defaultRegisterer.NewCounterVec(prometheus.CounterOpts{
			Name: "certwatch_provisioned_total",
			Help: "Auto-provisioned watch associations",
		}, []string{"result"}),
	}
}

// StartMetricsServer serves /metrics on addr in the background.
func StartMetricsServer(addr string, log logger.Logger) error {
	if !IsMetricsEnabled() {
		return nil
	}
	serverMu.Lock()
	defer serverMu.Unlock()
	if metricsServer != nil {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	srv := metricsServer

	go func() {
		log.Info("metrics server listening", logger.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server", logger.Error(err))
		}
	}()
	return nil
}

// ShutdownMetricsServer gracefully stops the metrics server.
func ShutdownMetricsServer(ctx context.Context) error {
	serverMu.Lock()
	srv := metricsServer
	metricsServer = nil
	serverMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// MeasureDuration returns a func that observes the elapsed time on histogram.
func MeasureDuration(histogram *prometheus.HistogramVec, labels prometheus.Labels) func() {
	if !IsMetricsEnabled() {
		return func() {}
	}
	start := time.Now()
	return func() {
		histogram.With(labels).Observe(time.Since(start).Seconds())
	}
}

// Inc increments a counter vec when metrics are enabled.
func Inc(c *prometheus.CounterVec, labels ...string) {
	if !IsMetricsEnabled() {
		return
	}
	c.WithLabelValues(labels...).Inc()
}

// UpdateQueue publishes queue gauges.
func (m *Metrics) UpdateQueue(size, inFlight, capacity int) {
	if !IsMetricsEnabled() {
		return
	}
	m.QueueSize.Set(float64(size))
	m.QueueInFlight.Set(float64(inFlight))
	m.QueueCapacity.Set(float64(capacity))
}

// SetGauge sets a labelled gauge when metrics are enabled.
func SetGauge(g *prometheus.GaugeVec, v float64, labels ...string) {
	if !IsMetricsEnabled() {
		return
	}
	g.WithLabelValues(labels...).Set(v)
}
