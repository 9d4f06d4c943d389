package metrics

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
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry           = prometheus.NewRegistry()
	defaultRegisterer  = promauto.With(registry)
	metricsInitialized sync.Once
	metricsEnabled     bool
	metricsServer      *http.Server
)

// Metrics contains all the Prometheus metrics for the scheduler.
type Metrics struct {
	// Submission metrics
	SubmissionsTotal prometheus.Counter
	DedupBoostsTotal prometheus.Counter
	RejectionsTotal  *prometheus.CounterVec

	// Queue and pool metrics
	QueueDepth    prometheus.Gauge
	ActiveWorkers prometheus.Gauge

	// Outcome metrics
	TaskOutcomes      *prometheus.CounterVec
	BytesReadTotal    prometheus.Counter
	ExecutionDuration prometheus.Histogram

	// Host health metrics
	HostsUnavailable prometheus.Gauge
}

var globalMetrics *Metrics
var metricsOnce sync.Once

// GetMetrics returns the global metrics instance.
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// EnableMetrics enables metrics collection.
func EnableMetrics() {
	metricsEnabled = true
}

// IsMetricsEnabled returns whether metrics collection is enabled.
func IsMetricsEnabled() bool {
	return metricsEnabled
}

// newMetrics creates and registers all metrics.
func newMetrics() *Metrics {
	buckets := []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

	return &Metrics{
		SubmissionsTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "tilerq_submissions_total",
				Help: "Total number of retrieval tasks admitted",
			},
		),
		DedupBoostsTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "tilerq_dedup_boosts_total",
				Help: "Total number of submissions deduplicated against an admitted task",
			},
		),
		RejectionsTotal: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilerq_rejections_total",
				Help: "Total number of submissions rejected before admission",
			},
			[]string{"reason"},
		),
		QueueDepth: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilerq_queue_depth",
				Help: "Number of tasks queued and not yet running",
			},
		),
		ActiveWorkers: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilerq_active_workers",
				Help: "Number of workers currently executing a retrieval",
			},
		),
		TaskOutcomes: defaultRegisterer.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tilerq_task_outcomes_total",
				Help: "Total number of completed tasks by outcome class",
			},
			[]string{"outcome"},
		),
		BytesReadTotal: defaultRegisterer.NewCounter(
			prometheus.CounterOpts{
				Name: "tilerq_bytes_read_total",
				Help: "Total payload bytes read from remote services",
			},
		),
		ExecutionDuration: defaultRegisterer.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tilerq_execution_duration_seconds",
				Help:    "Wall time of one retrieval execution, dequeue to completion",
				Buckets: buckets,
			},
		),
		HostsUnavailable: defaultRegisterer.NewGauge(
			prometheus.GaugeOpts{
				Name: "tilerq_hosts_unavailable",
				Help: "Number of hosts currently over the failure threshold",
			},
		),
	}
}

// StartMetricsServer starts an HTTP server to expose Prometheus metrics.
func StartMetricsServer(addr string) error {
	if !metricsEnabled {
		return nil
	}

	metricsInitialized.Do(func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

		metricsServer = &http.Server{
			Addr:    addr,
			Handler: mux,
		}

		go func() {
			log.Printf("Starting metrics server on %s", addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	})

	return nil
}

// ShutdownMetricsServer gracefully shuts down the metrics server.
func ShutdownMetricsServer(ctx context.Context) error {
	if metricsServer != nil {
		log.Println("Shutting down metrics server...")
		return metricsServer.Shutdown(ctx)
	}
	return nil
}

// MeasureDuration is a helper to measure the duration of a function.
func MeasureDuration(histogram prometheus.Histogram) func() {
	if !metricsEnabled {
		return func() {}
	}

	start := time.Now()
	return func() {
		histogram.Observe(time.Since(start).Seconds())
	}
}
