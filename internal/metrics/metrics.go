// Package metrics provides Prometheus metrics for the session watchdog.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon. It satisfies the
// watchdog recorder and the registry gauge.
type Metrics struct {
	ModeTransitions   *prometheus.CounterVec
	ActionsDispatched *prometheus.CounterVec
	Logouts           *prometheus.CounterVec
	DeadSessions      prometheus.Counter
	DispatchErrors    *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		ModeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_mode_transitions_total",
				Help: "Mode changes by previous and new mode.",
			},
			[]string{"from", "to"},
		),
		ActionsDispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_actions_total",
				Help: "Actions handed to the UI context, by action and dispatch path.",
			},
			[]string{"action", "path"},
		),
		Logouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_logouts_total",
				Help: "Sessions logged out, by the mode that expired.",
			},
			[]string{"mode"},
		),
		DeadSessions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "watchdog_dead_sessions_total",
				Help: "Sessions presumed dead and deregistered.",
			},
		),
		DispatchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_dispatch_errors_total",
				Help: "Failed dispatches by kind.",
			},
			[]string{"kind"},
		),
		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "watchdog_sessions_active",
				Help: "Number of registered sessions.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "watchdog_mgmt_requests_total",
				Help: "Management API requests by route and status.",
			},
			[]string{"route", "status"},
		),
		registry: reg,
	}

	reg.MustRegister(m.ModeTransitions)
	reg.MustRegister(m.ActionsDispatched)
	reg.MustRegister(m.Logouts)
	reg.MustRegister(m.DeadSessions)
	reg.MustRegister(m.DispatchErrors)
	reg.MustRegister(m.ActiveSessions)
	reg.MustRegister(m.RequestsTotal)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ModeTransition counts a mode change.
func (m *Metrics) ModeTransition(from, to string) {
	m.ModeTransitions.WithLabelValues(from, to).Inc()
}

// ActionDispatched counts an action handed to the UI context.
func (m *Metrics) ActionDispatched(action string, inline bool) {
	path := "scheduled"
	if inline {
		path = "inline"
	}
	m.ActionsDispatched.WithLabelValues(action, path).Inc()
}

// SessionLogout counts a logout caused by the given mode expiring.
func (m *Metrics) SessionLogout(mode string) {
	m.Logouts.WithLabelValues(mode).Inc()
}

// SessionDead counts a dead session.
func (m *Metrics) SessionDead() {
	m.DeadSessions.Inc()
}

// DispatchError counts a failed dispatch.
func (m *Metrics) DispatchError(kind string) {
	m.DispatchErrors.WithLabelValues(kind).Inc()
}

// SetActiveSessions sets the registered session gauge.
func (m *Metrics) SetActiveSessions(n int) {
	m.ActiveSessions.Set(float64(n))
}

// RecordRequest increments the management request counter.
func (m *Metrics) RecordRequest(route, status string) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
}
