// Package metrics exports Prometheus metrics for Warden.
//
// A single Collector implements the observer hooks of the proxy, the policy
// evaluator, the audit recorder and the alert dispatcher:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	evaluator := manager.NewEvaluatorFromConfig(&cfg.Policies, capability,
//		manager.WithObserver(collector))
//	rec := recorder.NewRecorder(store, recorder.ConfigFrom(&cfg.Audit.Recorder),
//		recorder.WithObserver(collector))
//	dispatcher.SetObserver(collector)
//
// # Metrics
//
//   - Requests: count by provider, final action and status class; duration;
//     upstream failures by kind
//   - Policies: evaluations by policy, outcome and cache source; latency;
//     reload results and the number of active policies
//   - Cache: decision cache entries, hits, misses, evictions and expirations
//   - Audit: persisted events by action, write latency, rejected writes and
//     saturated queues; alert deliveries by channel and result
//
// Policy names are user supplied, so the policy label is capped by a
// CardinalityLimiter and folds into "other" once the cap is reached.
package metrics
