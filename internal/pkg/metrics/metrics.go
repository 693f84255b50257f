// Package metrics exposes the prometheus collectors shared by the sync engine.
//
// Collectors are registered at package init so that any package may record
// into them without ordering constraints; InitMetrics only publishes static
// gauges that depend on configuration.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "erpsync"

var (
	// SyncRunsTotal counts finished runs by type and terminal status.
	SyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_total",
		Help:      "Finished sync runs by type and status",
	}, []string{"sync_type", "status"})

	// SyncRunDuration observes wall time per run.
	SyncRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "sync_run_duration_seconds",
		Help:      "Sync run duration",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600, 7200},
	}, []string{"sync_type"})

	// SyncRecordsTotal counts per-record outcomes.
	SyncRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_records_total",
		Help:      "Records handled by outcome (created, updated, skipped, failed, deactivated)",
	}, []string{"sync_type", "outcome"})

	// SyncRunsRejectedTotal counts triggers refused because the type was already running.
	SyncRunsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_runs_rejected_total",
		Help:      "Triggers rejected by the per-type run lock",
	}, []string{"sync_type"})

	// ConnectorRequestsTotal counts ERP HTTP requests by connector and status class.
	ConnectorRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_requests_total",
		Help:      "ERP requests by connector and status class",
	}, []string{"connector", "status"})

	// ConnectorRequestDuration observes ERP request latency.
	ConnectorRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "connector_request_duration_seconds",
		Help:      "ERP request latency",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"connector"})

	// ConnectorRetriesTotal counts retried ERP calls.
	ConnectorRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connector_retries_total",
		Help:      "Retried ERP calls by connector",
	}, []string{"connector"})

	// RateLimitWaitDuration observes time spent waiting for a token.
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ratelimit_wait_seconds",
		Help:      "Time spent waiting on the ERP rate limiter",
		Buckets:   prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal counts acquisitions abandoned on context cancel.
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ratelimit_timeout_total",
		Help:      "Rate limiter waits abandoned by context cancellation",
	})

	// TrackedTasks reports tasks held by the progress tracker per status.
	TrackedTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tracked_tasks",
		Help:      "Sync tasks held in memory by status",
	}, []string{"status"})

	// SchedulerRunsTotal counts nightly wakeups by type and outcome.
	SchedulerRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "scheduler_runs_total",
		Help:      "Nightly scheduler wakeups by type and outcome",
	}, []string{"sync_type", "outcome"})

	// SyncWorkers reports the manual-run worker pool size.
	SyncWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sync_workers",
		Help:      "Configured manual sync worker count",
	})
)

var initOnce sync.Once

// InitMetrics publishes configuration-derived gauges. Safe to call repeatedly.
func InitMetrics(workers int) {
	initOnce.Do(func() {
		SyncWorkers.Set(float64(workers))
	})
}
