// Package metrics declares the Prometheus collectors exported by the backend.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "threadline_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"method", "path"},
	)

	// GraphQL metrics
	GraphQLOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_graphql_operations_total",
			Help: "GraphQL operations executed",
		},
		[]string{"operation", "outcome"}, // query|mutation|subscription, ok|error
	)

	ActiveSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "threadline_active_subscriptions",
			Help: "Live GraphQL subscriptions",
		},
	)

	// Business metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_messages_sent_total",
			Help: "Messages submitted through sendMessage",
		},
		[]string{"outcome"}, // ok, blocked, error
	)

	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "threadline_auth_attempts_total",
			Help: "Sign-in and sign-up attempts",
		},
		[]string{"op", "outcome"},
	)

	AssistantLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "threadline_assistant_latency_seconds",
			Help:    "Assistant reply latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
)
