package pending

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for edit buffers.
type Metrics struct {
	PendingChanges   prometheus.Gauge
	FlushesTotal     *prometheus.CounterVec
	FlushDuration    prometheus.Histogram
	CoalescedOps     prometheus.Counter
	RetriesScheduled prometheus.Counter
}

// NewMetrics creates and registers the buffer metrics once per process.
//
// Metrics:
//   - scratch_buffer_pending_changes - Changes currently queued
//   - scratch_buffer_flushes_total{result} - Flush passes by outcome
//   - scratch_buffer_flush_duration_seconds - Flush pass latency
//   - scratch_buffer_coalesced_ops_total - Operations folded into earlier ones
//   - scratch_buffer_retries_scheduled_total - Deferred follow-up flushes
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			PendingChanges: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "scratch",
					Subsystem: "buffer",
					Name:      "pending_changes",
					Help:      "Number of record changes waiting to be saved",
				},
			),
			FlushesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "scratch",
					Subsystem: "buffer",
					Name:      "flushes_total",
					Help:      "Total number of flush passes",
				},
				[]string{"result"}, // "success", "partial" or "failure"
			),
			FlushDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: "scratch",
					Subsystem: "buffer",
					Name:      "flush_duration_seconds",
					Help:      "Duration of flush passes in seconds",
					Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
				},
			),
			CoalescedOps: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "scratch",
					Subsystem: "buffer",
					Name:      "coalesced_ops_total",
					Help:      "Total number of operations merged into or dropped in favor of earlier ones",
				},
			),
			RetriesScheduled: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: "scratch",
					Subsystem: "buffer",
					Name:      "retries_scheduled_total",
					Help:      "Total number of deferred flushes scheduled for changes that arrived mid-flush",
				},
			),
		}
	})

	return globalMetrics
}

// RecordFlush records one flush pass.
func (m *Metrics) RecordFlush(result string, durationSeconds float64, folded int) {
	m.FlushesTotal.WithLabelValues(result).Inc()
	m.FlushDuration.Observe(durationSeconds)
	m.CoalescedOps.Add(float64(folded))
}
