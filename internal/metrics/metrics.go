// Package metrics exposes Prometheus instrumentation for the trading server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors on a private registry so tests can build
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal     *prometheus.CounterVec
	CycleDuration   prometheus.Histogram
	OrdersTotal     *prometheus.CounterVec
	RiskRejections  *prometheus.CounterVec
	EmergencyActive prometheus.Gauge
	MessagesSent    *prometheus.CounterVec
	AgentHealthy    *prometheus.GaugeVec
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		CyclesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_cycles_total",
				Help: "Coordination cycles by terminal status",
			},
			[]string{"status"},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "trading_cycle_duration_seconds",
				Help:    "Wall-clock duration of a full coordination cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
		OrdersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_orders_total",
				Help: "Orders by final status",
			},
			[]string{"status"},
		),
		RiskRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_risk_rejections_total",
				Help: "Risk validation rejections by severity",
			},
			[]string{"severity"},
		),
		EmergencyActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "trading_emergency_shutdown_active",
				Help: "1 while the emergency shutdown latch is set",
			},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_bus_messages_total",
				Help: "Coordination bus messages by priority",
			},
			[]string{"priority"},
		),
		AgentHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trading_agent_healthy",
				Help: "1 while the agent passes its health check",
			},
			[]string{"agent"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trading_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"route", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trading_http_request_duration_seconds",
				Help:    "HTTP handler latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.CyclesTotal,
		m.CycleDuration,
		m.OrdersTotal,
		m.RiskRejections,
		m.EmergencyActive,
		m.MessagesSent,
		m.AgentHealthy,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
