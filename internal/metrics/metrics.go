package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cipherhost"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	backendStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Start requests by result (spawned, already_running, spawn_failed).",
		}, []string{"result"},
	)
	backendStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "stops_total",
			Help:      "Stop requests by result (stopped, not_running, signal_error).",
		}, []string{"result"},
	)
	backendExits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "unexpected_exits_total",
			Help:      "Backend exits that were not requested by Stop.",
		},
	)
	backendReadyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "ready_duration_seconds",
			Help:      "Time from spawn until the backend port accepted connections.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 3, 5, 8, 13, 21, 34},
		},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	bootstrapOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "outcomes_total",
			Help:      "Database bootstrap outcomes.",
		}, []string{"outcome"},
	)
	bootstrapSteps = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bootstrap",
			Name:      "step_duration_seconds",
			Help:      "Duration of database preparation commands.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step", "result"},
	)

	fallbackRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "requests_total",
			Help:      "Requests answered by the fallback responder.",
		}, []string{"route", "status"},
	)
	fallbackConns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fallback",
			Name:      "open_connections",
			Help:      "Connections currently being served by the fallback responder.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		backendStarts, backendStops, backendExits, backendReadyDuration, stateTransitions, currentState,
		bootstrapOutcomes, bootstrapSteps,
		fallbackRequests, fallbackConns,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncBackendStart(result string) {
	if regOK.Load() {
		backendStarts.WithLabelValues(result).Inc()
	}
}

func IncBackendStop(result string) {
	if regOK.Load() {
		backendStops.WithLabelValues(result).Inc()
	}
}

func IncUnexpectedExit() {
	if regOK.Load() {
		backendExits.Inc()
	}
}

func ObserveReadyDuration(seconds float64) {
	if regOK.Load() {
		backendReadyDuration.Observe(seconds)
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
	}
}

func SetCurrentState(state string, active bool) {
	if regOK.Load() {
		var value float64
		if active {
			value = 1
		}
		currentState.WithLabelValues(state).Set(value)
	}
}

func IncBootstrapOutcome(outcome string) {
	if regOK.Load() {
		bootstrapOutcomes.WithLabelValues(outcome).Inc()
	}
}

func ObserveBootstrapStep(step string, ok bool, seconds float64) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "failed"
		}
		bootstrapSteps.WithLabelValues(step, result).Observe(seconds)
	}
}

func IncFallbackRequest(route string, status int) {
	if regOK.Load() {
		fallbackRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	}
}

func AddFallbackConns(delta float64) {
	if regOK.Load() {
		fallbackConns.Add(delta)
	}
}
