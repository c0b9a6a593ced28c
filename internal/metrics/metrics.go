// SchoolBridge - Multi-Tenant School Data Synchronization
// Copyright 2026 SchoolBridge Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/schoolbridge/schoolbridge

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the synchronization engine:
// - Run lifecycle (duration, outcome, records processed)
// - Source fetch performance per adapter kind
// - Downstream write batches and per-record failures
// - Queue publish/consume/retry activity
// - API endpoint latency and throughput

var (
	// Run Metrics
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_run_duration_seconds",
			Help:    "Duration of full sync runs in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"entity_type", "status"}, // status: "success", "failed"
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_runs_total",
			Help: "Total number of sync runs by outcome",
		},
		[]string{"entity_type", "status"},
	)

	RunRecordsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_records_processed_total",
			Help: "Total number of source records processed",
		},
		[]string{"entity_type", "outcome"}, // outcome: "success", "failed"
	)

	RunLastSuccess = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_last_success_timestamp",
			Help: "Unix timestamp of the last successful run per entity type",
		},
		[]string{"entity_type"},
	)

	// Source Fetch Metrics
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_fetch_duration_seconds",
			Help:    "Duration of one source page fetch in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source_kind"}, // "api", "db"
	)

	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_fetch_errors_total",
			Help: "Total number of failed source page fetches",
		},
		[]string{"source_kind"},
	)

	FetchPageSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "source_fetch_page_size",
			Help:    "Number of records per fetched source page",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
	)

	DBPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "source_db_pool_size",
			Help: "Current number of cached database connection pools",
		},
	)

	// Downstream Write Metrics
	WriteBatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "write_batch_duration_seconds",
			Help:    "Duration of one downstream batch write in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"entity_type"},
	)

	WriteBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "write_batch_size",
			Help:    "Number of records in downstream write batches",
			Buckets: []float64{10, 50, 100, 250, 500, 1000},
		},
	)

	WriteBatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "write_batch_outcomes_total",
			Help: "Total number of downstream batch writes by outcome",
		},
		[]string{"entity_type", "outcome"}, // "all-success", "partial", "all-failed"
	)

	WriteRecordFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "write_record_failures_total",
			Help: "Total number of records rejected downstream",
		},
		[]string{"entity_type"},
	)

	// Queue Metrics
	QueueJobsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_published_total",
			Help: "Total number of sync jobs published to the queue",
		},
		[]string{"trigger"}, // "manual", "cron"
	)

	QueueJobsConsumed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_consumed_total",
			Help: "Total number of sync jobs consumed from the queue",
		},
	)

	QueueJobsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Total number of sync jobs that failed processing",
		},
	)

	QueueJobsPoisoned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_jobs_poisoned_total",
			Help: "Total number of sync jobs moved to the poison queue",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	// Scheduler Metrics
	SchedulerEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_entries",
			Help: "Current number of registered cron schedules",
		},
	)

	SchedulerFires = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_fires_total",
			Help: "Total number of cron schedule fires",
		},
	)
)

// RecordRun records the outcome of one completed sync run.
func RecordRun(entityType string, duration time.Duration, success, failed int, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	RunDuration.WithLabelValues(entityType, status).Observe(duration.Seconds())
	RunsTotal.WithLabelValues(entityType, status).Inc()
	RunRecordsProcessed.WithLabelValues(entityType, "success").Add(float64(success))
	RunRecordsProcessed.WithLabelValues(entityType, "failed").Add(float64(failed))
	if err == nil {
		RunLastSuccess.WithLabelValues(entityType).Set(float64(time.Now().Unix()))
	}
}

// RecordFetch records one source page fetch.
func RecordFetch(sourceKind string, duration time.Duration, records int, err error) {
	FetchDuration.WithLabelValues(sourceKind).Observe(duration.Seconds())
	if err != nil {
		FetchErrors.WithLabelValues(sourceKind).Inc()
		return
	}
	FetchPageSize.Observe(float64(records))
}

// RecordWriteBatch records one downstream batch write.
func RecordWriteBatch(entityType, outcome string, duration time.Duration, size, failures int) {
	WriteBatchDuration.WithLabelValues(entityType).Observe(duration.Seconds())
	WriteBatchSize.Observe(float64(size))
	WriteBatchOutcomes.WithLabelValues(entityType, outcome).Inc()
	if failures > 0 {
		WriteRecordFailures.WithLabelValues(entityType).Add(float64(failures))
	}
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
