// Package metrics holds the Prometheus collectors shared across the API.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_http_requests_total",
			Help: "HTTP requests by route pattern, method and status",
		},
		[]string{"route", "method", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "huddle_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "method"},
	)

	RealtimeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "huddle_realtime_connections",
			Help: "Open websocket connections on this instance",
		},
	)

	RealtimeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_realtime_events_total",
			Help: "Events published to realtime channels",
		},
		[]string{"event", "result"},
	)

	RealtimeDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "huddle_realtime_dropped_clients_total",
			Help: "Clients disconnected because their send buffer was full",
		},
	)

	PresenceHeartbeats = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_presence_heartbeats_total",
			Help: "Presence heartbeats, labelled by whether the user came online",
		},
		[]string{"transition"},
	)

	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_push_deliveries_total",
			Help: "Web push delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	CallTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "huddle_call_transitions_total",
			Help: "Call state transitions by kind",
		},
		[]string{"kind"},
	)
)

func ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	HTTPDuration.WithLabelValues(route, method).Observe(elapsed.Seconds())
}
