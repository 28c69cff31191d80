package rbac

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/makerchecker/internal/observability"
)

type cacheMetrics struct {
	hits          *prometheus.CounterVec
	misses        *prometheus.CounterVec
	loadFailures  *prometheus.CounterVec
	invalidations *prometheus.CounterVec
}

// newCacheMetrics registers permission cache collectors. A nil registerer disables metrics.
func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	if reg == nil {
		return nil
	}
	m := &cacheMetrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_rbac_cache_hits_total",
			Help: "Number of permission cache hits.",
		}, []string{"scope"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_rbac_cache_miss_total",
			Help: "Number of permission cache misses.",
		}, []string{"scope"}),
		loadFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_rbac_cache_load_failures_total",
			Help: "Number of permission loads that failed and were not cached.",
		}, []string{"scope"}),
		invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "odyssey_rbac_cache_invalidations_total",
			Help: "Number of permission cache invalidations by origin.",
		}, []string{"scope", "origin"}),
	}
	m.hits = observability.RegisterCounterVec(reg, m.hits)
	m.misses = observability.RegisterCounterVec(reg, m.misses)
	m.loadFailures = observability.RegisterCounterVec(reg, m.loadFailures)
	m.invalidations = observability.RegisterCounterVec(reg, m.invalidations)
	return m
}

func (m *cacheMetrics) hit(scope string) {
	if m != nil {
		m.hits.WithLabelValues(scope).Inc()
	}
}

func (m *cacheMetrics) miss(scope string) {
	if m != nil {
		m.misses.WithLabelValues(scope).Inc()
	}
}

func (m *cacheMetrics) loadFailed(scope string) {
	if m != nil {
		m.loadFailures.WithLabelValues(scope).Inc()
	}
}

func (m *cacheMetrics) invalidated(scope, origin string) {
	if m != nil {
		m.invalidations.WithLabelValues(scope, origin).Inc()
	}
}
