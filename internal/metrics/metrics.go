package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serverStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portpilot",
			Subsystem: "server",
			Name:      "starts_total",
			Help:      "Start attempts by framework and outcome.",
		}, []string{"framework", "outcome"},
	)
	conflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portpilot",
			Subsystem: "port",
			Name:      "conflicts_total",
			Help:      "Busy desired ports by occupant owner and chosen action.",
		}, []string{"owner", "action"},
	)
	signalsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portpilot",
			Subsystem: "shutdown",
			Name:      "signals_total",
			Help:      "Signals delivered during shutdown sequences.",
		}, []string{"signal"},
	)
	shutdownWarnings = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "portpilot",
			Subsystem: "shutdown",
			Name:      "incomplete_total",
			Help:      "Shutdowns after which the port was still bound.",
		},
	)
	readyMethods = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portpilot",
			Subsystem: "readiness",
			Name:      "detections_total",
			Help:      "Readiness detections by method (output, port, timeout).",
		}, []string{"method"},
	)
	readyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "portpilot",
			Subsystem: "readiness",
			Name:      "duration_seconds",
			Help:      "Time from spawn to readiness.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"framework"},
	)
	activeServers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "portpilot",
			Subsystem: "server",
			Name:      "active",
			Help:      "Servers currently held in the registry.",
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "portpilot",
			Subsystem: "server",
			Name:      "state_transitions_total",
			Help:      "Handle state transitions.",
		}, []string{"from", "to"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serverStarts, conflicts, signalsSent, shutdownWarnings, readyMethods, readyDuration, activeServers, stateTransitions}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(framework, outcome string) {
	if regOK.Load() {
		serverStarts.WithLabelValues(framework, outcome).Inc()
	}
}

func IncConflict(owner, action string) {
	if regOK.Load() {
		conflicts.WithLabelValues(owner, action).Inc()
	}
}

func IncSignal(signal string) {
	if regOK.Load() {
		signalsSent.WithLabelValues(signal).Inc()
	}
}

func IncShutdownWarning() {
	if regOK.Load() {
		shutdownWarnings.Inc()
	}
}

func ObserveReady(framework, method string, seconds float64) {
	if regOK.Load() {
		readyMethods.WithLabelValues(method).Inc()
		readyDuration.WithLabelValues(framework).Observe(seconds)
	}
}

func SetActive(n int) {
	if regOK.Load() {
		activeServers.Set(float64(n))
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}
