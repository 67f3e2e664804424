// BiliClaw - Bilibili Keyword Harvesting Pipeline
// Copyright 2026 The BiliClaw Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/biliclaw/biliclaw

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus instrumentation for the harvesting pipeline:
// - Upstream API request latency, outcomes, and retries
// - Credential pool health
// - Rate limiter waits
// - Sink publishes per topic
// - Stage queue depths and records processed

var (
	// Upstream API metrics
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bili_api_request_duration_seconds",
			Help:    "Duration of upstream API requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bili_api_requests_total",
			Help: "Total number of upstream API requests",
		},
		[]string{"endpoint", "outcome"}, // "ok", "api_error", "transport_error"
	)

	APIRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bili_api_retries_total",
			Help: "Total number of retried upstream API calls",
		},
		[]string{"endpoint"},
	)

	// Credential pool metrics
	CredentialFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credential_failures_total",
			Help: "Total number of credential failure marks",
		},
		[]string{"code"},
	)

	CredentialsValid = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "credentials_valid",
			Help: "Number of credentials currently enabled and valid",
		},
	)

	// Rate limiter metrics
	RateLimitWaitSeconds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rate_limit_wait_seconds_total",
			Help: "Cumulative time spent waiting for rate limiter tokens",
		},
	)

	// Sink metrics
	SinkPublishesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_publishes_total",
			Help: "Total number of records published to the message bus",
		},
		[]string{"topic"},
	)

	SinkPublishErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sink_publish_errors_total",
			Help: "Total number of failed publishes to the message bus",
		},
		[]string{"topic"},
	)

	// Pipeline metrics
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Current number of queued work items per stage queue",
		},
		[]string{"queue"}, // "video", "reply", "user"
	)

	RecordsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_records_total",
			Help: "Total records processed per stage and disposition",
		},
		[]string{"stage", "disposition"}, // "emitted", "skipped", "dropped"
	)
)

// ObserveAPIRequest records one upstream API call.
func ObserveAPIRequest(endpoint, outcome string, d time.Duration) {
	APIRequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
	APIRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordRetry records one retried call against an endpoint.
func RecordRetry(endpoint string) {
	APIRetriesTotal.WithLabelValues(endpoint).Inc()
}

// RecordCredentialFailure records a failure mark attributed to an upstream code.
func RecordCredentialFailure(code int) {
	CredentialFailuresTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

// RecordPublish records a successful keyed publish to a topic.
func RecordPublish(topic string) {
	SinkPublishesTotal.WithLabelValues(topic).Inc()
}

// RecordPublishError records a failed publish to a topic.
func RecordPublishError(topic string) {
	SinkPublishErrorsTotal.WithLabelValues(topic).Inc()
}

// RecordProcessed records a stage-level record disposition.
func RecordProcessed(stage, disposition string) {
	RecordsProcessedTotal.WithLabelValues(stage, disposition).Inc()
}
