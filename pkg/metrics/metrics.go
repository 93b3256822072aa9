// Copyright (c) IQRF Tech s.r.o.
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Downstream session metrics
	SessionsActive prometheus.Gauge
	SessionsTotal  prometheus.Counter

	// Authentication metrics
	AuthAttempts prometheus.Counter
	AuthFailures *prometheus.CounterVec

	// Frame and request metrics
	FramesReceived     prometheus.Counter
	InvalidFrames      prometheus.Counter
	RequestsForwarded  prometheus.Counter
	RequestFailures    *prometheus.CounterVec
	ResponsesDelivered prometheus.Counter
	Broadcasts         prometheus.Counter
	EnvelopesSent      *prometheus.CounterVec
	EnvelopesDropped   prometheus.Counter

	// Upstream link metrics
	UpstreamState      prometheus.Gauge
	UpstreamReconnects prometheus.Counter
}

// New creates a Metrics instance registered with the default registry.
func New(namespace string) *Metrics {
	return NewWith(prometheus.DefaultRegisterer, namespace)
}

// NewWith creates a Metrics instance registered with the given registerer.
// Tests use a fresh registry to avoid duplicate registration.
func NewWith(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "gwrelay"
	}
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently open downstream sessions",
		}),
		SessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of downstream sessions",
		}),
		AuthAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts",
		}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		}, []string{"reason"}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Total number of downstream frames received",
		}),
		InvalidFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invalid_frames_total",
			Help:      "Total number of malformed downstream frames",
		}),
		RequestsForwarded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_forwarded_total",
			Help:      "Total number of requests forwarded upstream",
		}),
		RequestFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_failures_total",
			Help:      "Total number of requests rejected or failed",
		}, []string{"reason"}),
		ResponsesDelivered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_delivered_total",
			Help:      "Total number of correlated responses delivered",
		}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Total number of unsolicited upstream events broadcast",
		}),
		EnvelopesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_sent_total",
			Help:      "Total number of envelopes sent downstream",
		}, []string{"type"}),
		EnvelopesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_dropped_total",
			Help:      "Total number of envelopes dropped on slow clients",
		}),
		UpstreamState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "upstream_state",
			Help:      "Upstream link state (0=disconnected, 1=connecting, 2=connected)",
		}),
		UpstreamReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_reconnects_total",
			Help:      "Total number of upstream reconnection attempts",
		}),
	}
}
