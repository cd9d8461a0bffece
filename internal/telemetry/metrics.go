// Package telemetry provides observability primitives for the Oyster gateway.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	ActiveStreams    prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	QuotaRejects     *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	UploadsTotal     *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oyster",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "oyster",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oyster",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "oyster",
			Name:      "active_streams",
			Help:      "Number of currently open SSE chat streams.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "oyster",
			Name:                            "upstream_duration_seconds",
			Help:                            "Upstream provider call duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"provider"}),

		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oyster",
			Name:      "upstream_errors_total",
			Help:      "Total upstream provider errors.",
		}, []string{"provider", "status"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oyster",
			Name:      "ratelimit_rejects_total",
			Help:      "Total rate limit rejections.",
		}, []string{"bucket"}),

		QuotaRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oyster",
			Name:      "quota_rejects_total",
			Help:      "Total daily quota rejections.",
		}, []string{"tier"}),

		TokensProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oyster",
			Name:      "tokens_processed_total",
			Help:      "Total estimated tokens processed.",
		}, []string{"provider", "type"}),

		UploadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oyster",
			Name:      "uploads_total",
			Help:      "Total attachment uploads by MIME class.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ActiveStreams,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.QuotaRejects,
		m.TokensProcessed,
		m.UploadsTotal,
	)

	return m
}
