package metrics

import (
	"time"

	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/policy/manager"

	"github.com/prometheus/client_golang/prometheus"
)

// PolicyMetrics tracks policy evaluation and reloads.
//
// Metrics:
//   - warden_policy_evaluations_total: evaluations by policy, outcome and cache source
//   - warden_policy_evaluation_duration_seconds: evaluation latency, cache hits included
//   - warden_policy_reloads_total: directory reloads by result
//   - warden_policies_loaded: policies active after the last reload
//   - warden_policy_load_failures: policies that failed in the last reload
type PolicyMetrics struct {
	evaluationsTotal   *prometheus.CounterVec
	evaluationDuration *prometheus.HistogramVec
	reloadsTotal       *prometheus.CounterVec
	loaded             prometheus.Gauge
	failed             prometheus.Gauge
}

// NewPolicyMetrics creates and registers policy metrics with the provided registry.
func NewPolicyMetrics(cfg *config.MetricsConfig, registry *prometheus.Registry) *PolicyMetrics {
	pm := &PolicyMetrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_evaluations_total",
				Help:      "Total number of policy evaluations",
			},
			[]string{"policy", "outcome", "cached"},
		),

		evaluationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_evaluation_duration_seconds",
				Help:      "Duration of policy evaluation in seconds",
				// 10µs to ~80ms; the evaluation timeout defaults to 50ms.
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
			},
			[]string{"policy"},
		),

		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_reloads_total",
				Help:      "Total number of policy directory reloads",
			},
			[]string{"result"},
		),

		loaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policies_loaded",
				Help:      "Number of policies active after the last reload",
			},
		),

		failed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "policy_load_failures",
				Help:      "Number of policies that failed to load in the last reload",
			},
		),
	}

	registry.MustRegister(
		pm.evaluationsTotal,
		pm.evaluationDuration,
		pm.reloadsTotal,
		pm.loaded,
		pm.failed,
	)

	return pm
}

// RecordEvaluation records one evaluation of policy.
func (pm *PolicyMetrics) RecordEvaluation(policy, outcome string, cached bool, d time.Duration) {
	source := "false"
	if cached {
		source = "true"
	}
	pm.evaluationsTotal.WithLabelValues(policy, outcome, source).Inc()
	pm.evaluationDuration.WithLabelValues(policy).Observe(d.Seconds())
}

// RecordReload records a reload pass.
func (pm *PolicyMetrics) RecordReload(res manager.ReloadResult) {
	result := "success"
	if len(res.Failed) > 0 {
		result = "partial"
	}
	pm.reloadsTotal.WithLabelValues(result).Inc()
	pm.loaded.Set(float64(len(res.Loaded)))
	pm.failed.Set(float64(len(res.Failed)))
}
