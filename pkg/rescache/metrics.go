package rescache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for a cache instance.
type Metrics struct {
	HitsTotal        prometheus.Counter
	MissesTotal      prometheus.Counter
	EvictionsTotal   prometheus.Counter
	ExpirationsTotal prometheus.Counter
	Size             prometheus.Gauge
}

// NewMetrics creates and registers cache metrics on reg.
//
// A nil reg falls back to prometheus.DefaultRegisterer. Each cache that
// exposes metrics needs its own namespace (or registry) to avoid duplicate
// registration panics.
//
// Metrics:
//   - <namespace>_rescache_hits_total
//   - <namespace>_rescache_misses_total
//   - <namespace>_rescache_evictions_total
//   - <namespace>_rescache_expirations_total
//   - <namespace>_rescache_entries
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}),
		MissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "misses_total",
			Help:      "Total number of cache misses, expired entries included",
		}),
		EvictionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "evictions_total",
			Help:      "Total number of entries removed by LRU eviction",
		}),
		ExpirationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "expirations_total",
			Help:      "Total number of expired entries removed by cleanup",
		}),
		Size: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rescache",
			Name:      "entries",
			Help:      "Current number of stored entries",
		}),
	}
}

// RecordHit records a cache hit.
func (m *Metrics) RecordHit() {
	m.HitsTotal.Inc()
}

// RecordMiss records a cache miss.
func (m *Metrics) RecordMiss() {
	m.MissesTotal.Inc()
}

// RecordEvictions adds n LRU evictions.
func (m *Metrics) RecordEvictions(n int) {
	m.EvictionsTotal.Add(float64(n))
}

// RecordExpirations adds n expired removals.
func (m *Metrics) RecordExpirations(n int) {
	m.ExpirationsTotal.Add(float64(n))
}

// SetSize updates the entry gauge.
func (m *Metrics) SetSize(size int) {
	m.Size.Set(float64(size))
}
