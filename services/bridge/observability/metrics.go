// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the bridge.
//
// Metrics cover the streaming pipe endpoint (request counts, stream
// duration, time to first token, active streams) and backend resource
// creation (sessions, chats). All operations are thread-safe via
// Prometheus's internal locking; expose them through /metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "aleutian"
const bridgeSubsystem = "bridge"

// BridgeMetrics holds all Prometheus metrics for the bridge.
//
// Initialize once at startup via InitMetrics; all methods are nil-safe
// so handlers can run without metrics in tests.
type BridgeMetrics struct {
	// RequestsTotal counts pipe requests by status (success, error).
	RequestsTotal *prometheus.CounterVec

	// StreamDurationSeconds measures total pipe stream duration.
	StreamDurationSeconds *prometheus.HistogramVec

	// TimeToFirstTokenSeconds measures latency to the first delta.
	TimeToFirstTokenSeconds prometheus.Histogram

	// ActiveStreams gauges currently open pipe streams.
	ActiveStreams prometheus.Gauge

	// SessionsCreatedTotal counts lazily created backend sessions.
	SessionsCreatedTotal prometheus.Counter

	// ErrorsTotal counts user-visible errors by kind
	// (config, backend, transport).
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance, set by InitMetrics.
var DefaultMetrics *BridgeMetrics

// InitMetrics creates and registers all bridge metrics with the
// default Prometheus registry. Call once at startup; a second call
// panics on duplicate registration.
func InitMetrics() *BridgeMetrics {
	DefaultMetrics = &BridgeMetrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "requests_total",
				Help:      "Total pipe requests by status",
			},
			[]string{"status"},
		),

		StreamDurationSeconds: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "stream_duration_seconds",
				Help:      "Total pipe stream duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),

		TimeToFirstTokenSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "time_to_first_token_seconds",
				Help:      "Time from pipe request to first answer delta",
				Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
		),

		ActiveStreams: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "active_streams",
				Help:      "Number of currently open pipe streams",
			},
		),

		SessionsCreatedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "sessions_created_total",
				Help:      "Backend sessions created lazily for new conversations",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: bridgeSubsystem,
				Name:      "errors_total",
				Help:      "User-visible errors by kind",
			},
			[]string{"kind"},
		),
	}
	return DefaultMetrics
}

// RecordRequest increments the request counter for a finished pipe.
func (m *BridgeMetrics) RecordRequest(status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(status).Inc()
}

// RecordStreamDuration observes a finished stream's total duration.
func (m *BridgeMetrics) RecordStreamDuration(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(status).Observe(d.Seconds())
}

// RecordFirstToken observes the time-to-first-token latency.
func (m *BridgeMetrics) RecordFirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstTokenSeconds.Observe(d.Seconds())
}

// StreamStarted marks a pipe stream as open.
func (m *BridgeMetrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamEnded marks a pipe stream as closed.
func (m *BridgeMetrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordSessionCreated counts one lazily created backend session.
func (m *BridgeMetrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreatedTotal.Inc()
}

// RecordError counts one user-visible error of the given kind.
func (m *BridgeMetrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind).Inc()
}
