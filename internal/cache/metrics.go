package cache

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the record cache.
type Metrics struct {
	HitsTotal          prometheus.Counter
	MissesTotal        prometheus.Counter
	RevalidationsTotal *prometheus.CounterVec
	Size               prometheus.Gauge
}

// NewMetrics creates and registers the cache metrics once per process.
//
// Metrics:
//   - scratch_cache_hits_total - Count of cache hits
//   - scratch_cache_misses_total - Count of read-through fetches
//   - scratch_cache_revalidations_total{result} - Count of forced refetches
//   - scratch_cache_entries - Current number of cached pages
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			HitsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "scratch",
					Subsystem: "cache",
					Name:      "hits_total",
					Help:      "Total number of record cache hits",
				},
			),
			MissesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "scratch",
					Subsystem: "cache",
					Name:      "misses_total",
					Help:      "Total number of record cache misses",
				},
			),
			RevalidationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "scratch",
					Subsystem: "cache",
					Name:      "revalidations_total",
					Help:      "Total number of forced cache revalidations",
				},
				[]string{"result"}, // "success" or "error"
			),
			Size: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "scratch",
					Subsystem: "cache",
					Name:      "entries",
					Help:      "Current number of cached record pages",
				},
			),
		}
	})

	return globalMetrics
}

// RecordHit records a cache hit.
func (m *Metrics) RecordHit() {
	m.HitsTotal.Inc()
}

// RecordMiss records a cache miss.
func (m *Metrics) RecordMiss() {
	m.MissesTotal.Inc()
}

// RecordRevalidation records the outcome of a forced refetch.
func (m *Metrics) RecordRevalidation(ok bool) {
	result := "success"
	if !ok {
		result = "error"
	}
	m.RevalidationsTotal.WithLabelValues(result).Inc()
}

// SetSize updates the cache size gauge.
func (m *Metrics) SetSize(n int) {
	m.Size.Set(float64(n))
}
