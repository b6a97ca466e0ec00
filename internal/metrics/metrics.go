// Package metrics registers the bridge daemon's Prometheus instrumentation,
// per SPEC_FULL.md's AMBIENT STACK metrics table.
//
// Grounded on jordigilh-kubernaut's and Jeeves-Cluster-Organization-jeeves-core's
// metrics-registry construction style (a single struct of pre-registered
// collectors built once at startup and threaded through the components
// that update them, rather than package-level globals). Depends on
// github.com/prometheus/client_golang.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds every collector the bridge daemon exposes.
type Registry struct {
	RequestsTotal      *prometheus.CounterVec
	CacheHitRatio      prometheus.Gauge
	RetryTotal         *prometheus.CounterVec
	ConnectionPoolInUse prometheus.Gauge

	cacheHits   uint64
	cacheMisses uint64
}

// New builds and registers a Registry against reg. Pass
// prometheus.NewRegistry() for an isolated registry (tests) or
// prometheus.DefaultRegisterer for the process-wide one.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windbg_bridge_requests_total",
			Help: "Total command executions by strategy mode and outcome.",
		}, []string{"mode", "outcome"}),
		CacheHitRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "windbg_bridge_cache_hit_ratio",
			Help: "Rolling cache hit ratio across all contexts.",
		}),
		RetryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "windbg_bridge_retry_total",
			Help: "Total retry attempts issued by the Retry Engine, by command category.",
		}, []string{"category"}),
		ConnectionPoolInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "windbg_bridge_connection_pool_in_use",
			Help: "Number of connection-pool handles currently in use.",
		}),
	}
	reg.MustRegister(r.RequestsTotal, r.CacheHitRatio, r.RetryTotal, r.ConnectionPoolInUse)
	return r
}

// RecordRequest increments the request counter for mode/outcome.
func (r *Registry) RecordRequest(mode, outcome string) {
	r.RequestsTotal.WithLabelValues(mode, outcome).Inc()
}

// RecordRetry increments the retry counter for category.
func (r *Registry) RecordRetry(category string) {
	r.RetryTotal.WithLabelValues(category).Inc()
}

// RecordCacheAccess updates the rolling cache-hit-ratio gauge with a fresh
// hit/miss observation.
func (r *Registry) RecordCacheAccess(hit bool) {
	if hit {
		r.cacheHits++
	} else {
		r.cacheMisses++
	}
	total := r.cacheHits + r.cacheMisses
	if total == 0 {
		r.CacheHitRatio.Set(0)
		return
	}
	r.CacheHitRatio.Set(float64(r.cacheHits) / float64(total))
}

// SetPoolInUse sets the connection-pool-in-use gauge to n.
func (r *Registry) SetPoolInUse(n int) {
	r.ConnectionPoolInUse.Set(float64(n))
}
