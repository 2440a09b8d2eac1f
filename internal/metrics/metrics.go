package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ChargerConnected indicates whether a charger session is currently live (0 or 1).
	ChargerConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proxy_charger_connected",
		Help: "Whether a charger WebSocket session is currently live.",
	})

	// ActiveBackends tracks the number of registered backends, labeled by kind (inbound/outbound).
	ActiveBackends = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proxy_active_backends",
		Help: "The number of registered backend connections.",
	}, []string{"kind"})

	// EventsBroadcast counts internal events fanned out to backends, labeled by event type.
	EventsBroadcast = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_events_broadcast_total",
		Help: "Total number of charger events broadcast to subscribed backends.",
	}, []string{"event_type"})

	// EventsDropped counts events dropped because a backend send queue was full.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_events_dropped_total",
		Help: "Total number of events dropped per backend due to backpressure.",
	}, []string{"backend_id"})

	// CommandsSubmitted counts commands submitted by backends, labeled by command type and outcome.
	CommandsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_commands_submitted_total",
		Help: "Total number of backend commands submitted to the charger.",
	}, []string{"command", "outcome"})

	// ControlRequests counts control lock requests, labeled by result (granted/denied reason).
	ControlRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_control_requests_total",
		Help: "Total number of control lock requests by outcome.",
	}, []string{"outcome"})

	// CallDuration observes round-trip times of outbound OCPP calls to the charger.
	CallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proxy_charger_call_duration_seconds",
		Help:    "Histogram of charger call round-trip times.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	}, []string{"action"})

	// SessionsLogged counts persisted charging sessions, labeled by stop reason.
	SessionsLogged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proxy_sessions_logged_total",
		Help: "Total number of charging sessions closed and persisted.",
	}, []string{"reason"})
)

// RegisterMetrics registers all the defined Prometheus metrics.
// With promauto registration is automatic; this is kept for symmetry
// with explicit-registry setups.
func RegisterMetrics() {}
