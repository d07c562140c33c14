package metrics

import (
	"time"

	"mercator-hq/warden/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// RequestMetrics tracks intercepted traffic.
//
// Metrics:
//   - warden_requests_total: requests by provider, final action and status class
//   - warden_request_duration_seconds: end-to-end handling time, streamed body included
//   - warden_upstream_errors_total: failed forwards by provider and kind
type RequestMetrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
}

// NewRequestMetrics creates and registers request metrics with the provided registry.
func NewRequestMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *RequestMetrics {
	rm := &RequestMetrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "requests_total",
				Help:      "Total number of intercepted requests by final action",
			},
			[]string{"provider", "action", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "request_duration_seconds",
				Help:      "Time spent handling intercepted requests",
				// Blocks finish in milliseconds, streamed completions in minutes.
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"provider", "action"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "upstream_errors_total",
				Help:      "Total number of failed upstream forwards",
			},
			[]string{"provider", "kind"},
		),
	}

	registry.MustRegister(
		rm.requestsTotal,
		rm.requestDuration,
		rm.upstreamErrors,
	)

	return rm
}

// RecordRequest records a completed request.
func (rm *RequestMetrics) RecordRequest(provider, action, status string, d time.Duration) {
	rm.requestsTotal.WithLabelValues(provider, action, status).Inc()
	rm.requestDuration.WithLabelValues(provider, action).Observe(d.Seconds())
}

// RecordUpstreamError records a failed forward.
func (rm *RequestMetrics) RecordUpstreamError(provider, kind string) {
	rm.upstreamErrors.WithLabelValues(provider, kind).Inc()
}
