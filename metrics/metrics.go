// Package metrics exposes the gateway's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StreamsActive tracks the number of active upstream connections.
	StreamsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgw_upstreams_active",
		Help: "Number of active upstream connections",
	})

	// SubscribersConnected tracks the total number of connected
	// subscriber sinks across all instances.
	SubscribersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streamgw_subscribers_connected",
		Help: "Number of total subscriber sinks connected",
	})

	// PendingOpens tracks in-flight upstream opens, per instance.
	PendingOpens = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgw_pending_opens",
		Help: "Number of in-flight upstream open attempts",
	}, []string{"instance"})

	// UpstreamErrors tracks upstream errors by instance and error kind.
	UpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgw_upstream_errors_total",
		Help: "Total number of upstream errors",
	}, []string{"instance", "error_kind"})

	// RateLimited tracks subscribe attempts a multiplexer instance
	// rejected at its MaxPendingOpens or MaxSubscribersPerKey cap; the
	// HTTP per-IP limiter does not record it.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgw_rate_limited_total",
		Help: "Total number of open attempts rejected by the rate limiter",
	}, []string{"instance"})

	// CircuitBreakerState tracks the current state of circuit breakers.
	// 0=closed, 1=open, 2=half-open
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamgw_circuit_breaker_state",
		Help: "Current state of circuit breaker (0=closed, 1=open, 2=half-open)",
	}, []string{"instance"})

	// CircuitBreakerTrips tracks how many times a breaker tripped open.
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgw_circuit_breaker_trips_total",
		Help: "Total number of times a circuit breaker transitioned to OPEN state",
	}, []string{"instance"})

	// ZombieSweeps tracks how many stale connections the periodic sweep
	// has reclaimed.
	ZombieSweeps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgw_zombie_sweeps_total",
		Help: "Total number of connections reclaimed by the periodic zombie sweep",
	}, []string{"instance"})

	// TokenRefreshes tracks OAuth token refresh attempts and outcomes.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamgw_token_refreshes_total",
		Help: "Total number of token refresh attempts",
	}, []string{"outcome"})
)

// SetCircuitBreakerState updates the circuit breaker state metric.
// state should be one of: "CLOSED" (0), "OPEN" (1), "HALF-OPEN" (2)
func SetCircuitBreakerState(instance, state string) {
	var value float64
	switch state {
	case "CLOSED":
		value = 0
	case "OPEN":
		value = 1
	case "HALF-OPEN":
		value = 2
	}
	CircuitBreakerState.WithLabelValues(instance).Set(value)
}

// RecordUpstreamError increments the error counter for an instance and
// error kind.
func RecordUpstreamError(instance, errorKind string) {
	UpstreamErrors.WithLabelValues(instance, errorKind).Inc()
}

// RecordRateLimited increments the rate-limit rejection counter.
func RecordRateLimited(instance string) {
	RateLimited.WithLabelValues(instance).Inc()
}

// RecordCircuitBreakerTrip increments the circuit breaker trip counter.
func RecordCircuitBreakerTrip(instance string) {
	CircuitBreakerTrips.WithLabelValues(instance).Inc()
}

// RecordZombieSweep adds n reclaimed connections to the sweep counter.
func RecordZombieSweep(instance string, n int) {
	if n <= 0 {
		return
	}
	ZombieSweeps.WithLabelValues(instance).Add(float64(n))
}

// RecordTokenRefresh increments the token refresh counter for an outcome
// ("success", "failed", "terminal").
func RecordTokenRefresh(outcome string) {
	TokenRefreshes.WithLabelValues(outcome).Inc()
}

// SetStreamsActive sets the number of active upstream connections.
func SetStreamsActive(count int) {
	StreamsActive.Set(float64(count))
}

// SetSubscribersConnected sets the total number of connected subscribers.
func SetSubscribersConnected(count int) {
	SubscribersConnected.Set(float64(count))
}

// SetPendingOpens sets the in-flight open count for an instance.
func SetPendingOpens(instance string, count int) {
	PendingOpens.WithLabelValues(instance).Set(float64(count))
}
