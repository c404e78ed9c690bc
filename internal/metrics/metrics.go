// Package metrics holds the prometheus collectors shared by the relay,
// the booking service and call clients.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Invitation outcomes.
const (
	OutcomeAccepted = "accepted"
	OutcomeDeclined = "declined"
	OutcomeTimedOut = "timed_out"
	OutcomeCanceled = "canceled"
	OutcomeMismatch = "mismatch"
	OutcomeBusy     = "busy"
)

var (
	registry     = prometheus.NewRegistry()
	registerOnce sync.Once

	relayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wirecall_relay_connections",
			Help: "Signaling connections currently registered with the relay",
		},
	)

	relayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirecall_relay_events_total",
			Help: "Signaling events routed by the relay",
		},
		[]string{"type"},
	)

	relayDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirecall_relay_dropped_total",
			Help: "Signaling events dropped because a consumer was slow",
		},
		[]string{"type"},
	)

	invitations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirecall_invitations_total",
			Help: "Invitation exchanges by terminal outcome",
		},
		[]string{"outcome"},
	)

	sessions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirecall_sessions_total",
			Help: "Call sessions by how they ended",
		},
		[]string{"result"},
	)

	admissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wirecall_room_admissions_total",
			Help: "Room join attempts by result",
		},
		[]string{"result"},
	)

	joinDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wirecall_session_join_seconds",
			Help:    "Time spent between Joining and Active",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Registry returns the registry all wirecall collectors are attached to.
func Registry() *prometheus.Registry {
	registerOnce.Do(func() {
		registry.MustRegister(
			relayConnections,
			relayEvents,
			relayDropped,
			invitations,
			sessions,
			admissions,
			joinDuration,
		)
	})
	return registry
}

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{})
}

func ConnectionOpened() { relayConnections.Inc() }
func ConnectionClosed() { relayConnections.Dec() }

func EventRouted(kind string)  { relayEvents.WithLabelValues(kind).Inc() }
func EventDropped(kind string) { relayDropped.WithLabelValues(kind).Inc() }

func Invitation(outcome string) { invitations.WithLabelValues(outcome).Inc() }

// SessionEnded records a session termination; result is "" for a clean leave.
func SessionEnded(result string) {
	if result == "" {
		result = "left"
	}
	sessions.WithLabelValues(result).Inc()
}

func Admission(result string) { admissions.WithLabelValues(result).Inc() }

func JoinObserved(seconds float64) { joinDuration.Observe(seconds) }
