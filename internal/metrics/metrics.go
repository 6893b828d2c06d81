// Praesentia - Geofence Attendance for Schools
// Copyright 2026 Praesentia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/praesentia/praesentia

// Package metrics holds the Prometheus instrumentation of the attendance
// pipeline: ingest decisions, classification latency, membership
// transitions, fan-out health, and storage performance.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest metrics.
	IngestSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_samples_total",
			Help: "Total number of submitted location samples by outcome",
		},
		[]string{"outcome"}, // "accepted", "rejected", "duplicate"
	)

	IngestRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_rejections_total",
			Help: "Total number of rejected samples by reason",
		},
		[]string{"reason"}, // "accuracy", "future_timestamp", "out_of_order", "coordinates", "rate_limited"
	)

	IngestPipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingest_pipeline_duration_seconds",
			Help:    "End-to-end processing time of one accepted sample",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
	)

	// Classifier metrics.
	ClassifyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "classifier_classify_duration_seconds",
			Help:    "Duration of spatial classification per sample",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
	)

	ClassifyTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classifier_timeouts_total",
			Help: "Total number of classifications abandoned on deadline",
		},
	)

	SnapshotRebuilds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classifier_snapshot_rebuilds_total",
			Help: "Total number of per-tenant spatial index rebuilds",
		},
		[]string{"trigger"}, // "lazy", "mutation"
	)

	SnapshotGeofences = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classifier_snapshot_geofences",
			Help: "Number of active geofences in the current snapshot per tenant",
		},
		[]string{"tenant_id"},
	)

	// Tracker metrics.
	TransitionsCommitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tracker_transitions_total",
			Help: "Total number of committed membership transitions",
		},
		[]string{"type"}, // "ENTER", "EXIT"
	)

	TransitionsPending = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tracker_transitions_pending_total",
			Help: "Total number of transitions held back awaiting confirmation",
		},
	)

	// Fan-out metrics.
	EventsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fanout_events_published_total",
			Help: "Total number of attendance events published to the bus",
		},
	)

	FanoutDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fanout_drops_total",
			Help: "Total number of events dropped instead of blocking",
		},
		[]string{"stage"}, // "hub", "client", "publish"
	)

	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket subscribers",
		},
	)

	// Storage metrics.
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of DuckDB query errors",
		},
		[]string{"operation", "table"},
	)

	// API metrics.
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

	// Circuit breaker metrics.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)

// RecordAPIRequest records one finished API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordDBQuery records one database operation.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}

// RecordRejection counts one rejected sample.
func RecordRejection(reason string) {
	IngestSamplesTotal.WithLabelValues("rejected").Inc()
	IngestRejections.WithLabelValues(reason).Inc()
}

// RecordTransition counts one committed membership transition.
func RecordTransition(eventType string) {
	TransitionsCommitted.WithLabelValues(eventType).Inc()
}
