// Package metrics exposes the Prometheus registry for the orchestrator.
// Session lifecycle counters are fed from the event bus; cache gauges are
// refreshed periodically by the scheduler.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helmsmanai/helmsman/internal/cache"
	"github.com/helmsmanai/helmsman/internal/events"
)

// Registry holds all Prometheus collectors for the service.
type Registry struct {
	reg *prometheus.Registry

	SessionEvents  *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	OrdersTotal    prometheus.Counter
	ErrorsTotal    prometheus.Counter

	CacheHits   *prometheus.GaugeVec
	CacheMisses *prometheus.GaugeVec

	BrokerCalls    *prometheus.CounterVec
	BrokerDuration *prometheus.HistogramVec
}

// New builds a registry with its own collector set so multiple instances can
// coexist in tests.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		SessionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helmsman_session_events_total",
				Help: "Session lifecycle events by type",
			},
			[]string{"event"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "helmsman_active_sessions",
				Help: "Sessions currently holding an analysis slot",
			},
		),
		OrdersTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "helmsman_orders_submitted_total",
				Help: "Orders submitted to a venue",
			},
		),
		ErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "helmsman_errors_total",
				Help: "Errors surfaced on the event bus",
			},
		),

		CacheHits: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helmsman_cache_hits",
				Help: "Cumulative cache hits by tier",
			},
			[]string{"tier"},
		),
		CacheMisses: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "helmsman_cache_misses",
				Help: "Cumulative cache misses by tier",
			},
			[]string{"tier"},
		),

		BrokerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "helmsman_broker_calls_total",
				Help: "Venue API calls by api id and result",
			},
			[]string{"api", "result"},
		),
		BrokerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "helmsman_broker_call_duration_seconds",
				Help:    "Venue API call latency",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"api"},
		),
	}

	r.reg.MustRegister(
		r.SessionEvents,
		r.ActiveSessions,
		r.OrdersTotal,
		r.ErrorsTotal,
		r.CacheHits,
		r.CacheMisses,
		r.BrokerCalls,
		r.BrokerDuration,
	)
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// BindBus subscribes the lifecycle counters to the event bus.
func (r *Registry) BindBus(bus *events.Bus) {
	count := func(t events.EventType) {
		bus.Subscribe(t, func(e *events.Event) {
			r.SessionEvents.WithLabelValues(string(e.Type)).Inc()
		})
	}
	count(events.SessionRegistered)
	count(events.SessionInterrupted)
	count(events.SessionResumed)
	count(events.SessionCompleted)
	count(events.SessionFailed)
	count(events.SessionCancelled)

	bus.Subscribe(events.OrderSubmitted, func(*events.Event) { r.OrdersTotal.Inc() })
	bus.Subscribe(events.ErrorOccurred, func(*events.Event) { r.ErrorsTotal.Inc() })
}

// ObserveBrokerCall records one venue API call. Wired into the broker
// gateway via its Observe hook.
func (r *Registry) ObserveBrokerCall(api string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.BrokerCalls.WithLabelValues(api, result).Inc()
	r.BrokerDuration.WithLabelValues(api).Observe(d.Seconds())
}

// UpdateCacheStats refreshes the cache gauges from a tier stats snapshot.
func (r *Registry) UpdateCacheStats(stats map[string]cache.TierStats) {
	for tier, s := range stats {
		r.CacheHits.WithLabelValues(tier).Set(float64(s.Hits))
		r.CacheMisses.WithLabelValues(tier).Set(float64(s.Misses))
	}
}
