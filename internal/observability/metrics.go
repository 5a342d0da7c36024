// Package observability provides Prometheus metrics and the ops HTTP
// server (/healthz, /status, /metrics) shared by every pipeline role.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the pipeline. Each instance
// carries its own registry so tests can build fresh ones.
type Metrics struct {
	registry *prometheus.Registry

	// Claim protocol
	ClaimsTotal      *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	StageDuration    *prometheus.HistogramVec
	QueueDepth       *prometheus.GaugeVec
	CooldownSeconds  prometheus.Gauge

	// Event log
	EventsFlushed prometheus.Counter
	EventsDropped prometheus.Counter

	// Execution
	TicksTotal      prometheus.Counter
	OrdersTotal     *prometheus.CounterVec
	OpenTrades      prometheus.Gauge
	EmergencyStops  *prometheus.CounterVec
	WSReconnects    prometheus.Counter
	SynthesisBudget prometheus.Gauge
}

// NewMetrics creates a Metrics instance with all metrics registered on a
// private registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "strategy_pipeline"
	}

	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "claims_total",
			Help:      "Total claim attempts by stage and outcome",
		}, []string{"stage", "outcome"}),
		TransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "transitions_total",
			Help:      "Total status transitions by edge",
		}, []string{"from", "to"}),
		StageDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "stage_duration_seconds",
			Help:      "Stage work duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Strategies per status",
		}, []string{"status"}),
		CooldownSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "backpressure_cooldown_seconds",
			Help:      "Current backpressure cooldown applied to emission",
		}),

		EventsFlushed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "flushed_total",
			Help:      "Total event rows flushed to the store",
		}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total event rows dropped after flush failure",
		}),

		TicksTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "ticks_total",
			Help:      "Total executor scan ticks",
		}),
		OrdersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "orders_total",
			Help:      "Total venue orders by kind and outcome",
		}, []string{"kind", "outcome"}),
		OpenTrades: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "executor",
			Name:      "open_trades",
			Help:      "Currently open trades",
		}),
		EmergencyStops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "emergency",
			Name:      "stops_total",
			Help:      "Emergency stops triggered by scope",
		}, []string{"scope"}),
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "marketdata",
			Name:      "ws_reconnects_total",
			Help:      "Market-data stream reconnects",
		}),
		SynthesisBudget: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "generator",
			Name:      "synthesis_budget_remaining",
			Help:      "Remaining daily synthesis budget",
		}),
	}
}

// Handler returns the HTTP handler serving this instance's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
