// Package metrics holds the Prometheus collectors of the session agent.
//
// Every Record* method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for tether.
type Metrics struct {
	// Session validation metrics
	Validations        *prometheus.CounterVec
	ValidationDuration *prometheus.HistogramVec
	Teardowns          *prometheus.CounterVec

	// Collaborator fetches
	ProfileFetches *prometheus.CounterVec
	RoleFetches    *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Realtime metrics
	RealtimeActions *prometheus.CounterVec
	RealtimeUp      prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all metrics registered on registry.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Validations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_session_validations_total",
				Help: "Total number of session validations",
			},
			[]string{"mode", "result"},
		),
		ValidationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tether_session_validation_duration_seconds",
				Help:    "Session validation latency in seconds",
				Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"mode"},
		),
		Teardowns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_session_teardowns_total",
				Help: "Total number of session teardowns",
			},
			[]string{"reason"},
		),

		ProfileFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_profile_fetches_total",
				Help: "Total number of profile fetches against the API",
			},
			[]string{"result"},
		),
		RoleFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_role_fetches_total",
				Help: "Total number of group membership fetches against the API",
			},
			[]string{"result"},
		),

		CacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_cache_hits_total",
				Help: "Total number of cache hits",
			},
			[]string{"cache"},
		),
		CacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_cache_misses_total",
				Help: "Total number of cache misses",
			},
			[]string{"cache"},
		),

		RealtimeActions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tether_realtime_actions_total",
				Help: "Total number of realtime connection actions",
			},
			[]string{"action", "result"},
		),
		RealtimeUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "tether_realtime_connected",
				Help: "1 when the realtime connection is up",
			},
		),
	}
}

// NewRegistry creates a Prometheus registry with tether metrics and the Go runtime collectors.
func NewRegistry() (*prometheus.Registry, *Metrics) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg, NewMetrics(reg)
}

// HandlerFor returns an HTTP handler for a specific registry.
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordValidation(mode, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.Validations.WithLabelValues(mode, result).Inc()
	m.ValidationDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) RecordTeardown(reason string) {
	if m == nil {
		return
	}
	m.Teardowns.WithLabelValues(reason).Inc()
}

func (m *Metrics) RecordProfileFetch(result string) {
	if m == nil {
		return
	}
	m.ProfileFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRoleFetch(result string) {
	if m == nil {
		return
	}
	m.RoleFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRealtime(action, result string) {
	if m == nil {
		return
	}
	m.RealtimeActions.WithLabelValues(action, result).Inc()
}

func (m *Metrics) SetRealtimeUp(up bool) {
	if m == nil {
		return
	}
	if up {
		m.RealtimeUp.Set(1)
	} else {
		m.RealtimeUp.Set(0)
	}
}

// CacheObserver returns a hit/miss callback for the named cache, or nil.
func (m *Metrics) CacheObserver(name string) func(hit bool) {
	if m == nil {
		return nil
	}
	hits := m.CacheHits.WithLabelValues(name)
	misses := m.CacheMisses.WithLabelValues(name)
	return func(hit bool) {
		if hit {
			hits.Inc()
		} else {
			misses.Inc()
		}
	}
}
