// Package telemetry provides observability primitives for the Elrond gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	TurnsTotal       *prometheus.CounterVec
	TurnDuration     *prometheus.HistogramVec
	ChunksForwarded  prometheus.Counter
	WSConnections    prometheus.Gauge
	RateLimitRejects *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elrond",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "elrond",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elrond",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elrond",
			Name:      "turns_total",
			Help:      "Total chat turns by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),

		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "elrond",
			Name:                            "turn_duration_seconds",
			Help:                            "Full chat turn duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider", "model"}),

		ChunksForwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "elrond",
			Name:      "chunks_forwarded_total",
			Help:      "Total stream chunks forwarded to clients.",
		}),

		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "elrond",
			Name:      "ws_connections",
			Help:      "Currently open WebSocket connections.",
		}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "elrond",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections by endpoint class.",
		}, []string{"class"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.TurnsTotal,
		m.TurnDuration,
		m.ChunksForwarded,
		m.WSConnections,
		m.RateLimitRejects,
	)
	return m
}
