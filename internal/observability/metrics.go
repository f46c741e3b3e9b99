// Package observability holds the Prometheus metrics and trace spans emitted
// by the controller and agents.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all the Prometheus metrics for a controller or agent.
type Metrics struct {
	registry *prometheus.Registry

	UnitsDispatched  prometheus.Counter
	UnitsCompleted   prometheus.Counter
	UnitsFailed      prometheus.Counter
	UnitRetries      prometheus.Counter
	UnitsStolen      prometheus.Counter
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheEvictions   prometheus.Counter
	CacheBytes       prometheus.Gauge
	AgentsReady      prometheus.Gauge
	AgentsExcluded   prometheus.Counter
	UnitDuration     *prometheus.HistogramVec
	EventPublishErrs prometheus.Counter
}

// NewMetrics creates a Metrics instance on its own registry so that tests
// and sub-controllers can build as many as they like.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		UnitsDispatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_units_dispatched_total",
			Help: "Total number of build units dispatched to agents",
		}),
		UnitsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_units_completed_total",
			Help: "Total number of build units completed",
		}),
		UnitsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_units_failed_total",
			Help: "Total number of build units permanently failed",
		}),
		UnitRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_unit_retries_total",
			Help: "Total number of unit retries scheduled by recovery",
		}),
		UnitsStolen: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_units_stolen_total",
			Help: "Total number of claimed units taken over by an idle agent",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_cache_hits_total",
			Help: "Total number of cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_cache_misses_total",
			Help: "Total number of cache misses",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_cache_evictions_total",
			Help: "Total number of cache entries evicted",
		}),
		CacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ninjateam_cache_bytes",
			Help: "Aggregate size of the artifact cache",
		}),
		AgentsReady: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ninjateam_agents_ready",
			Help: "Number of agents able to accept work",
		}),
		AgentsExcluded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_agents_excluded_total",
			Help: "Total number of hosts excluded from a session",
		}),
		UnitDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ninjateam_unit_duration_seconds",
			Help:    "Wall time of dispatched build units",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"agent", "outcome"}),
		EventPublishErrs: factory.NewCounter(prometheus.CounterOpts{
			Name: "ninjateam_event_publish_errors_total",
			Help: "Total number of build event publish errors",
		}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
