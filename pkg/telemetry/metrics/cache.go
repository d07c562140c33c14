package metrics

import (
	"mercator-hq/warden/pkg/cache"
	"mercator-hq/warden/pkg/config"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheCollector exports cache.Stats as Prometheus metrics. Counters are
// maintained by the cache itself and read at scrape time.
//
// Metrics:
//   - warden_cache_entries: resident entries
//   - warden_cache_hits_total, warden_cache_misses_total
//   - warden_cache_evictions_total: entries dropped for capacity
//   - warden_cache_expirations_total: entries dropped for TTL
type CacheCollector struct {
	name  string
	stats func() cache.Stats

	entries     *prometheus.Desc
	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	expirations *prometheus.Desc
}

// NewCacheCollector creates a collector for the cache identified by name.
func NewCacheCollector(cfg *config.MetricsConfig, name string, stats func() cache.Stats) *CacheCollector {
	desc := func(metric, help string) *prometheus.Desc {
		return prometheus.NewDesc(
			prometheus.BuildFQName(cfg.Namespace, cfg.Subsystem, metric),
			help,
			nil,
			prometheus.Labels{"cache": name},
		)
	}
	return &CacheCollector{
		name:        name,
		stats:       stats,
		entries:     desc("cache_entries", "Current number of entries in cache"),
		hits:        desc("cache_hits_total", "Total number of cache hits"),
		misses:      desc("cache_misses_total", "Total number of cache misses"),
		evictions:   desc("cache_evictions_total", "Total number of capacity evictions"),
		expirations: desc("cache_expirations_total", "Total number of TTL expirations"),
	}
}

// Describe implements prometheus.Collector.
func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.entries
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.expirations
}

// Collect implements prometheus.Collector.
func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(s.Entries))
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(s.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(s.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.expirations, prometheus.CounterValue, float64(s.Expirations))
}
