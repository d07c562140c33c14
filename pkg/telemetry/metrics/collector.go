package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"mercator-hq/warden/pkg/cache"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/policy/manager"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// otherLabel replaces label values once a CardinalityLimiter is saturated.
const otherLabel = "other"

// Collector owns every Prometheus metric exported by Warden.
//
// It satisfies the observer interfaces of the proxy, the policy evaluator,
// the audit recorder and the alert dispatcher, so a single instance can be
// handed to each of them. All methods are no-ops when metrics are disabled.
type Collector struct {
	config   *config.MetricsConfig
	registry *prometheus.Registry

	requestMetrics *RequestMetrics
	policyMetrics  *PolicyMetrics
	auditMetrics   *AuditMetrics

	policyLimiter *CardinalityLimiter
}

// NewCollector creates a collector and registers its metrics with registry.
// A nil registry gets a fresh one carrying the Go and process collectors.
//
// Example:
//
//	collector := metrics.NewCollector(&cfg.Telemetry.Metrics, nil)
//	mux.Handle(cfg.Telemetry.Metrics.Path, collector.Handler())
func NewCollector(cfg *config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "warden"
	}

	return &Collector{
		config:         cfg,
		registry:       registry,
		requestMetrics: NewRequestMetrics(cfg, registry),
		policyMetrics:  NewPolicyMetrics(cfg, registry),
		auditMetrics:   NewAuditMetrics(cfg, registry),
		policyLimiter:  NewCardinalityLimiter(500),
	}
}

// RequestHandled records one intercepted request and its final action.
func (c *Collector) RequestHandled(provider, action string, status int, d time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.requestMetrics.RecordRequest(providerLabel(provider), action, statusClass(status), d)
}

// UpstreamFailed records a failed forward. Kind is "timeout" or "error".
func (c *Collector) UpstreamFailed(provider, kind string) {
	if !c.config.Enabled {
		return
	}
	c.requestMetrics.RecordUpstreamError(providerLabel(provider), kind)
}

// ObserveEvaluation records one policy evaluation.
func (c *Collector) ObserveEvaluation(policy, outcome string, cached bool, d time.Duration) {
	if !c.config.Enabled {
		return
	}
	if !c.policyLimiter.Allow(policy) {
		policy = otherLabel
	}
	c.policyMetrics.RecordEvaluation(policy, outcome, cached, d)
}

// PolicyReloaded records the result of a policy directory reload.
// Register it with manager.Manager.OnReload.
func (c *Collector) PolicyReloaded(res manager.ReloadResult) {
	if !c.config.Enabled {
		return
	}
	c.policyMetrics.RecordReload(res)
}

// EventRecorded records a persisted audit event.
func (c *Collector) EventRecorded(action string, d time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordWrite(action, d)
}

// PersistFailed records an audit write rejected by storage.
func (c *Collector) PersistFailed(kind string) {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordFailure(kind)
}

// QueueFull records an audit event that spilled past a saturated lane.
func (c *Collector) QueueFull() {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordQueueFull()
}

// AlertDelivered records one alert delivery attempt.
func (c *Collector) AlertDelivered(channel string, err error) {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordAlert(channel, err)
}

// AlertDropped records an alert delivery skipped because the dispatcher was
// saturated.
func (c *Collector) AlertDropped(channel string) {
	if !c.config.Enabled {
		return
	}
	c.auditMetrics.RecordAlertDropped(channel)
}

// WatchCache exports the statistics of a decision cache under the given name.
// Values are read at scrape time.
func (c *Collector) WatchCache(name string, stats func() cache.Stats) {
	if stats == nil {
		return
	}
	c.registry.MustRegister(NewCacheCollector(c.config, name, stats))
}

// Registry returns the Prometheus registry used by this collector.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return handlerFor(c.registry)
}

func providerLabel(provider string) string {
	if provider == "" {
		return "unknown"
	}
	return provider
}

// statusClass folds an HTTP status into "2xx", "4xx" and so on.
func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}

// CardinalityLimiter bounds the number of distinct values accepted for a
// label. Values seen before the limit was reached stay allowed.
type CardinalityLimiter struct {
	maxCardinality int
	current        map[string]struct{}
	mu             sync.RWMutex
}

// NewCardinalityLimiter creates a limiter accepting up to maxCardinality values.
func NewCardinalityLimiter(maxCardinality int) *CardinalityLimiter {
	return &CardinalityLimiter{
		maxCardinality: maxCardinality,
		current:        make(map[string]struct{}),
	}
}

// Allow reports whether value may be used as a label value.
func (cl *CardinalityLimiter) Allow(value string) bool {
	cl.mu.RLock()
	_, exists := cl.current[value]
	cl.mu.RUnlock()
	if exists {
		return true
	}

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.current[value]; exists {
		return true
	}
	if len(cl.current) >= cl.maxCardinality {
		return false
	}
	cl.current[value] = struct{}{}
	return true
}

// Count returns the number of distinct values accepted so far.
func (cl *CardinalityLimiter) Count() int {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return len(cl.current)
}
