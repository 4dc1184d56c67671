// ABOUTME: Prometheus metrics for the relay
// ABOUTME: HTTP, submission, intake and fanout counters exposed on /metrics

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deskrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// Relay metrics
	MessagesSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_messages_submitted_total",
			Help: "Total inbound user messages submitted",
		},
		[]string{"result"}, // "new_thread", "threaded", "dispatch_error", "persist_error"
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deskrelay_events_ingested_total",
			Help: "Total provider callback events received",
		},
		[]string{"outcome"}, // "processed", "challenge", "ignored", "duplicate", "unknown_thread"
	)

	// Fanout metrics
	ObserverConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "deskrelay_observer_connections",
			Help: "Currently registered observer connections",
		},
	)

	DroppedObservers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskrelay_dropped_observers_total",
			Help: "Observer connections removed after a failed delivery",
		},
	)

	DeliveredPayloads = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "deskrelay_delivered_payloads_total",
			Help: "Payloads delivered to observer connections",
		},
	)
)
