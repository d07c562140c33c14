package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"mercator-hq/warden/pkg/cache"
	"mercator-hq/warden/pkg/config"
	"mercator-hq/warden/pkg/policy/manager"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testConfig() *config.MetricsConfig {
	return &config.MetricsConfig{
		Enabled:   true,
		Namespace: "test",
		Path:      "/metrics",
	}
}

func TestCollector_NewCollector(t *testing.T) {
	cfg := &config.MetricsConfig{Enabled: true}
	registry := prometheus.NewRegistry()

	collector := NewCollector(cfg, registry)

	if collector.Registry() != registry {
		t.Error("Collector registry not set correctly")
	}
	if cfg.Namespace != "warden" {
		t.Errorf("Namespace = %q, want default %q", cfg.Namespace, "warden")
	}
}

func TestCollector_RequestHandled(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		action   string
		status   int
		wantProv string
		wantCode string
	}{
		{"allowed", "openai", "allow", 200, "openai", "2xx"},
		{"blocked", "anthropic", "block", 403, "anthropic", "4xx"},
		{"upstream failure", "openai", "error", 504, "openai", "5xx"},
		{"client closed", "openai", "allow", 499, "openai", "4xx"},
		{"no provider", "", "allow", 200, "unknown", "2xx"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector := NewCollector(testConfig(), prometheus.NewRegistry())

			collector.RequestHandled(tt.provider, tt.action, tt.status, 120*time.Millisecond)

			count := testutil.ToFloat64(collector.requestMetrics.requestsTotal.WithLabelValues(tt.wantProv, tt.action, tt.wantCode))
			if count != 1 {
				t.Errorf("requests_total{%s,%s,%s} = %v, want 1", tt.wantProv, tt.action, tt.wantCode, count)
			}
			if n := testutil.CollectAndCount(collector.requestMetrics.requestDuration); n != 1 {
				t.Errorf("request_duration_seconds series = %d, want 1", n)
			}
		})
	}
}

func TestCollector_UpstreamFailed(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	collector.UpstreamFailed("openai", "timeout")
	collector.UpstreamFailed("openai", "timeout")
	collector.UpstreamFailed("openai", "error")

	if got := testutil.ToFloat64(collector.requestMetrics.upstreamErrors.WithLabelValues("openai", "timeout")); got != 2 {
		t.Errorf("timeouts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.requestMetrics.upstreamErrors.WithLabelValues("openai", "error")); got != 1 {
		t.Errorf("errors = %v, want 1", got)
	}
}

func TestCollector_PolicyMetrics(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	t.Run("evaluations", func(t *testing.T) {
		collector.ObserveEvaluation("pii", manager.OutcomeDeny, false, 2*time.Millisecond)
		collector.ObserveEvaluation("pii", manager.OutcomeDeny, true, time.Microsecond)

		if got := testutil.ToFloat64(collector.policyMetrics.evaluationsTotal.WithLabelValues("pii", "deny", "false")); got != 1 {
			t.Errorf("uncached = %v, want 1", got)
		}
		if got := testutil.ToFloat64(collector.policyMetrics.evaluationsTotal.WithLabelValues("pii", "deny", "true")); got != 1 {
			t.Errorf("cached = %v, want 1", got)
		}
	})

	t.Run("reload", func(t *testing.T) {
		collector.PolicyReloaded(manager.ReloadResult{
			Loaded: []string{"pii", "usage"},
			Failed: map[string]error{"broken": errors.New("compile")},
		})

		if got := testutil.ToFloat64(collector.policyMetrics.loaded); got != 2 {
			t.Errorf("policies_loaded = %v, want 2", got)
		}
		if got := testutil.ToFloat64(collector.policyMetrics.failed); got != 1 {
			t.Errorf("policy_load_failures = %v, want 1", got)
		}
		if got := testutil.ToFloat64(collector.policyMetrics.reloadsTotal.WithLabelValues("partial")); got != 1 {
			t.Errorf("partial reloads = %v, want 1", got)
		}
	})
}

func TestCollector_PolicyCardinality(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	collector.policyLimiter = NewCardinalityLimiter(1)

	collector.ObserveEvaluation("first", manager.OutcomeAllow, false, time.Millisecond)
	collector.ObserveEvaluation("second", manager.OutcomeAllow, false, time.Millisecond)

	if got := testutil.ToFloat64(collector.policyMetrics.evaluationsTotal.WithLabelValues("first", "allow", "false")); got != 1 {
		t.Errorf("first = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.policyMetrics.evaluationsTotal.WithLabelValues(otherLabel, "allow", "false")); got != 1 {
		t.Errorf("other = %v, want 1", got)
	}
}

func TestCollector_AuditAndAlerts(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	collector.EventRecorded("block", 3*time.Millisecond)
	collector.PersistFailed("event")
	collector.QueueFull()
	collector.AlertDelivered("webhook", nil)
	collector.AlertDelivered("webhook", errors.New("connection refused"))
	collector.AlertDropped("webhook")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"events", testutil.ToFloat64(collector.auditMetrics.eventsTotal.WithLabelValues("block")), 1},
		{"persist failures", testutil.ToFloat64(collector.auditMetrics.persistFailures.WithLabelValues("event")), 1},
		{"queue full", testutil.ToFloat64(collector.auditMetrics.queueFull), 1},
		{"alert success", testutil.ToFloat64(collector.auditMetrics.alertsTotal.WithLabelValues("webhook", "success")), 1},
		{"alert failure", testutil.ToFloat64(collector.auditMetrics.alertsTotal.WithLabelValues("webhook", "failure")), 1},
		{"alert dropped", testutil.ToFloat64(collector.auditMetrics.alertsTotal.WithLabelValues("webhook", "dropped")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestCollector_WatchCache(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(testConfig(), registry)

	collector.WatchCache("policy", func() cache.Stats {
		return cache.Stats{Entries: 3, Hits: 10, Misses: 4, Evictions: 1, Expirations: 2}
	})
	collector.WatchCache("ignored", nil)

	expected := `
# HELP test_cache_entries Current number of entries in cache
# TYPE test_cache_entries gauge
test_cache_entries{cache="policy"} 3
# HELP test_cache_hits_total Total number of cache hits
# TYPE test_cache_hits_total counter
test_cache_hits_total{cache="policy"} 10
# HELP test_cache_misses_total Total number of cache misses
# TYPE test_cache_misses_total counter
test_cache_misses_total{cache="policy"} 4
`
	err := testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"test_cache_entries", "test_cache_hits_total", "test_cache_misses_total")
	if err != nil {
		t.Error(err)
	}
}

func TestCollector_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	collector := NewCollector(cfg, prometheus.NewRegistry())

	collector.RequestHandled("openai", "allow", 200, time.Second)
	collector.UpstreamFailed("openai", "error")
	collector.ObserveEvaluation("pii", "allow", false, time.Millisecond)
	collector.EventRecorded("allow", time.Millisecond)
	collector.AlertDelivered("webhook", nil)

	if n := testutil.CollectAndCount(collector.requestMetrics.requestsTotal); n != 0 {
		t.Errorf("requests_total series = %d, want 0", n)
	}
	if n := testutil.CollectAndCount(collector.policyMetrics.evaluationsTotal); n != 0 {
		t.Errorf("policy_evaluations_total series = %d, want 0", n)
	}
}

func TestCollector_Handler(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())
	collector.RequestHandled("openai", "block", 403, time.Millisecond)

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `test_requests_total{action="block",provider="openai",status="4xx"} 1`) {
		t.Errorf("exposition missing request counter:\n%s", rec.Body.String())
	}
}

func TestCardinalityLimiter(t *testing.T) {
	limiter := NewCardinalityLimiter(3)

	for _, v := range []string{"a", "b", "c"} {
		if !limiter.Allow(v) {
			t.Errorf("Allow(%q) = false before limit", v)
		}
	}
	if !limiter.Allow("a") {
		t.Error("known value rejected after limit")
	}
	if limiter.Allow("d") {
		t.Error("new value accepted after limit")
	}
	if limiter.Count() != 3 {
		t.Errorf("Count() = %d, want 3", limiter.Count())
	}
}

func TestStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 302: "3xx", 499: "4xx", 502: "5xx", 0: "unknown", 700: "unknown"}
	for status, want := range tests {
		if got := statusClass(status); got != want {
			t.Errorf("statusClass(%d) = %q, want %q", status, got, want)
		}
	}
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(testConfig(), prometheus.NewRegistry())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				collector.RequestHandled("openai", "allow", 200, time.Millisecond)
				collector.ObserveEvaluation("pii", "allow", false, time.Microsecond)
			}
		}()
	}
	wg.Wait()

	if got := testutil.ToFloat64(collector.requestMetrics.requestsTotal.WithLabelValues("openai", "allow", "2xx")); got != 1000 {
		t.Errorf("requests_total = %v, want 1000", got)
	}
}
