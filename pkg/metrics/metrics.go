// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for wampd.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can be built without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for wampd.
type Metrics struct {
	// Connection metrics
	ActiveConnections  *prometheus.GaugeVec
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// WAMP session metrics
	Sessions        *prometheus.GaugeVec
	SessionsJoined  *prometheus.CounterVec
	WAMPMessages    *prometheus.CounterVec
	AuthAttempts    *prometheus.CounterVec
	AuthFailures    *prometheus.CounterVec
	AuthorizeDenied *prometheus.CounterVec

	// MQTT bridge metrics
	MQTTPackets        *prometheus.CounterVec
	ProtocolViolations *prometheus.CounterVec
	HandlerErrors      *prometheus.CounterVec

	// Proxy metrics
	BackendConnects     *prometheus.CounterVec
	BackendSessions     *prometheus.GaugeVec
	RouteSelections     *prometheus.CounterVec
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec
}

// New creates all collectors and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wampd"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ActiveConnections: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of currently active connections",
		}, []string{"transport"}),
		TotalConnections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections",
		}, []string{"transport", "status"}),
		ConnectionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connection_duration_seconds",
			Help:      "Connection duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
		}, []string{"transport"}),
		Sessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Number of joined WAMP sessions",
		}, []string{"realm"}),
		SessionsJoined: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_joined_total",
			Help:      "Total number of WAMP session joins",
		}, []string{"realm", "authmethod"}),
		WAMPMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wamp_messages_total",
			Help:      "Total number of WAMP messages",
		}, []string{"message_type", "direction"}),
		AuthAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_attempts_total",
			Help:      "Total number of authentication attempts",
		}, []string{"authmethod"}),
		AuthFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		}, []string{"authmethod", "reason"}),
		AuthorizeDenied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorize_denied_total",
			Help:      "Total number of denied actions",
		}, []string{"realm", "action"}),
		MQTTPackets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mqtt_packets_total",
			Help:      "Total number of MQTT packets",
		}, []string{"packet_type", "direction"}),
		ProtocolViolations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Total number of connections dropped for protocol violations",
		}, []string{"protocol"}),
		HandlerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Total number of failed handler callbacks",
		}, []string{"category"}),
		BackendConnects: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_connects_total",
			Help:      "Total number of proxy backend connection attempts",
		}, []string{"connection", "status"}),
		BackendSessions: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backend_sessions",
			Help:      "Number of mapped proxy backend sessions",
		}, []string{"connection"}),
		RouteSelections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_selections_total",
			Help:      "Total number of backend selections per realm and role",
		}, []string{"realm", "authrole", "connection"}),
		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
		}, []string{"backend"}),
		CircuitBreakerTrips: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker trips",
		}, []string{"backend"}),
		RateLimitedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Total number of rate limited requests",
		}, []string{"protocol"}),
	}
}

// ObserveConnection tracks a connection lifecycle.
func (m *Metrics) ObserveConnection(transport string, f func() error) error {
	if m == nil {
		return f()
	}
	m.ActiveConnections.WithLabelValues(transport).Inc()
	defer m.ActiveConnections.WithLabelValues(transport).Dec()

	start := time.Now()
	err := f()
	m.ConnectionDuration.WithLabelValues(transport).Observe(time.Since(start).Seconds())

	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(transport, status).Inc()
	return err
}

// MQTTPacket counts one MQTT packet.
func (m *Metrics) MQTTPacket(packetType, direction string) {
	if m == nil {
		return
	}
	m.MQTTPackets.WithLabelValues(packetType, direction).Inc()
}

// WAMPMessage counts one WAMP message.
func (m *Metrics) WAMPMessage(messageType, direction string) {
	if m == nil {
		return
	}
	m.WAMPMessages.WithLabelValues(messageType, direction).Inc()
}

// ProtocolViolation counts a connection dropped for a framing or ordering
// error.
func (m *Metrics) ProtocolViolation(protocol string) {
	if m == nil {
		return
	}
	m.ProtocolViolations.WithLabelValues(protocol).Inc()
}

// HandlerError counts a failed or panicking collaborator callback.
func (m *Metrics) HandlerError(category string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(category).Inc()
}

// SessionJoined records a session attaching to a realm.
func (m *Metrics) SessionJoined(realm, authmethod string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(realm).Inc()
	m.SessionsJoined.WithLabelValues(realm, authmethod).Inc()
}

// SessionLeft records a session detaching from a realm.
func (m *Metrics) SessionLeft(realm string) {
	if m == nil {
		return
	}
	m.Sessions.WithLabelValues(realm).Dec()
}

// AuthAttempt records one authentication outcome. An empty reason means
// success.
func (m *Metrics) AuthAttempt(authmethod, reason string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(authmethod).Inc()
	if reason != "" {
		m.AuthFailures.WithLabelValues(authmethod, reason).Inc()
	}
}

// Denied counts an action refused by the authorizer.
func (m *Metrics) Denied(realm, action string) {
	if m == nil {
		return
	}
	m.AuthorizeDenied.WithLabelValues(realm, action).Inc()
}

// BackendConnect records a proxy backend connection attempt.
func (m *Metrics) BackendConnect(connection string, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.BackendConnects.WithLabelValues(connection, status).Inc()
}

// BackendMapped adjusts the mapped backend session gauge by delta.
func (m *Metrics) BackendMapped(connection string, delta float64) {
	if m == nil {
		return
	}
	m.BackendSessions.WithLabelValues(connection).Add(delta)
}

// RouteSelected counts a round-robin backend selection.
func (m *Metrics) RouteSelected(realm, authrole, connection string) {
	if m == nil {
		return
	}
	m.RouteSelections.WithLabelValues(realm, authrole, connection).Inc()
}

// BreakerState reports a circuit breaker transition.
func (m *Metrics) BreakerState(backend string, state int, tripped bool) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
	if tripped {
		m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
	}
}

// RateLimited counts a request rejected by a rate limiter.
func (m *Metrics) RateLimited(protocol string) {
	if m == nil {
		return
	}
	m.RateLimitedRequests.WithLabelValues(protocol).Inc()
}
