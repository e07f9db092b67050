// Package metrics wires the four operational signals SPEC_FULL.md's ambient
// stack calls for onto github.com/prometheus/client_golang, grounded on
// projectcontour-contour's internal/metrics.Metrics (construct-then-register
// against a *prometheus.Registry, expose a promhttp.Handler). Collection is
// opt-in: a transport.Server that is never given a *Metrics emits nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DispatchTotal       = "lattice_dispatch_total"
	MiddlewareCancelled = "lattice_middleware_cancelled_total"
	SessionCacheResult  = "lattice_session_cache_result"
	SessionQueueDepth   = "lattice_session_storage_queue_depth"
)

// Metrics holds every collector a transport.Server reports through.
type Metrics struct {
	dispatchTotal       *prometheus.CounterVec
	middlewareCancelled *prometheus.CounterVec
	sessionCacheResult  *prometheus.CounterVec
	sessionQueueDepth   prometheus.Gauge
}

// New constructs Metrics and registers every collector with registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: DispatchTotal,
			Help: "Total dispatched exchanges, labeled by scheme family and response status class.",
		}, []string{"family", "status_class"}),
		middlewareCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MiddlewareCancelled,
			Help: "Total middleware chains that cancelled the handler invocation, labeled by scheme family.",
		}, []string{"family"}),
		sessionCacheResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: SessionCacheResult,
			Help: "Session Manager LRU cache lookups, labeled by hit/miss.",
		}, []string{"result"}),
		sessionQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: SessionQueueDepth,
			Help: "Current number of queued (not-yet-running) session storage jobs across all sessions.",
		}),
	}
	registry.MustRegister(
		m.dispatchTotal,
		m.middlewareCancelled,
		m.sessionCacheResult,
		m.sessionQueueDepth,
	)
	return m
}

// ObserveDispatch records one completed dispatch for family, classifying
// status into its hundreds-digit class (e.g. "2xx", "4xx").
func (m *Metrics) ObserveDispatch(family string, status int) {
	m.dispatchTotal.WithLabelValues(family, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// ObserveMiddlewareCancelled records a middleware-initiated chain
// cancellation for family (spec §4.6 cancellation).
func (m *Metrics) ObserveMiddlewareCancelled(family string) {
	m.middlewareCancelled.WithLabelValues(family).Inc()
}

// ObserveCacheHit records a Session Manager LRU cache hit.
func (m *Metrics) ObserveCacheHit() { m.sessionCacheResult.WithLabelValues("hit").Inc() }

// ObserveCacheMiss records a Session Manager LRU cache miss.
func (m *Metrics) ObserveCacheMiss() { m.sessionCacheResult.WithLabelValues("miss").Inc() }

// SetQueueDepth reports the current total depth of queued (not running)
// session storage jobs.
func (m *Metrics) SetQueueDepth(depth int) { m.sessionQueueDepth.Set(float64(depth)) }

// Handler returns an http.Handler serving registry's metrics in the
// Prometheus exposition format.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
