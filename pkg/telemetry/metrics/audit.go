package metrics

import (
	"time"

	"mercator-hq/warden/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// AuditMetrics tracks the audit trail and alert delivery.
//
// Metrics:
//   - warden_audit_events_total: persisted events by action
//   - warden_audit_write_duration_seconds: storage write latency
//   - warden_audit_persist_failures_total: rejected writes by kind
//   - warden_audit_queue_full_total: events queued in overflow because a lane was full
//   - warden_alerts_total: alert deliveries by channel and result (success, failure, dropped)
type AuditMetrics struct {
	eventsTotal     *prometheus.CounterVec
	writeDuration   prometheus.Histogram
	persistFailures *prometheus.CounterVec
	queueFull       prometheus.Counter
	alertsTotal     *prometheus.CounterVec
}

// NewAuditMetrics creates and registers audit metrics with the provided registry.
func NewAuditMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *AuditMetrics {
	am := &AuditMetrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_events_total",
				Help:      "Total number of audit events persisted",
			},
			[]string{"action"},
		),

		writeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_write_duration_seconds",
				Help:      "Duration of audit storage writes in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),

		persistFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_persist_failures_total",
				Help:      "Total number of audit writes rejected by storage",
			},
			[]string{"kind"},
		),

		queueFull: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "audit_queue_full_total",
				Help:      "Total number of audit events that found their lane full",
			},
		),

		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "alerts_total",
				Help:      "Total number of alert deliveries",
			},
			[]string{"channel", "result"},
		),
	}

	registry.MustRegister(
		am.eventsTotal,
		am.writeDuration,
		am.persistFailures,
		am.queueFull,
		am.alertsTotal,
	)

	return am
}

// RecordWrite records a persisted event.
func (am *AuditMetrics) RecordWrite(action string, d time.Duration) {
	am.eventsTotal.WithLabelValues(action).Inc()
	am.writeDuration.Observe(d.Seconds())
}

// RecordFailure records a rejected write.
func (am *AuditMetrics) RecordFailure(kind string) {
	am.persistFailures.WithLabelValues(kind).Inc()
}

// RecordQueueFull records a saturated lane.
func (am *AuditMetrics) RecordQueueFull() {
	am.queueFull.Inc()
}

// RecordAlert records an alert delivery.
func (am *AuditMetrics) RecordAlert(channel string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	am.alertsTotal.WithLabelValues(channel, result).Inc()
}

// RecordAlertDropped records an alert that was never attempted.
func (am *AuditMetrics) RecordAlertDropped(channel string) {
	am.alertsTotal.WithLabelValues(channel, "dropped").Inc()
}
