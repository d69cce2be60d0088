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

	backendStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "backend",
			Name:      "starts_total",
			Help:      "Number of successful backend process starts.",
		},
	)
	backendSpawnFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "backend",
			Name:      "spawn_failures_total",
			Help:      "Number of backend start attempts that failed to spawn.",
		},
	)
	backendExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "backend",
			Name:      "exits_total",
			Help:      "Number of backend exits by result (stopped, exited, crashed).",
		}, []string{"result"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "backend",
			Name:      "state_transitions_total",
			Help:      "Number of supervisor state transitions.",
		}, []string{"from", "to"},
	)
	currentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mpxlink",
			Subsystem: "backend",
			Name:      "current_state",
			Help:      "Current supervisor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)
	eventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Number of events forwarded to subscribers by kind.",
		}, []string{"kind"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "bridge",
			Name:      "events_dropped_total",
			Help:      "Number of events dropped because no window session was live.",
		},
	)
	subscriberDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "bridge",
			Name:      "subscriber_drops_total",
			Help:      "Number of queued events discarded for lagging drop-oldest subscribers.",
		},
	)
	commandsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "bridge",
			Name:      "commands_total",
			Help:      "Number of issued commands by name and result.",
		}, []string{"name", "result"},
	)
	configWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mpxlink",
			Subsystem: "config",
			Name:      "writes_total",
			Help:      "Number of config store writes by result.",
		}, []string{"result"},
	)
	sessionsLive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "mpxlink",
			Subsystem: "window",
			Name:      "sessions_live",
			Help:      "Number of live window sessions (0 or 1).",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		backendStarts, backendSpawnFailures, backendExits, stateTransitions, currentState,
		eventsDelivered, eventsDropped, subscriberDrops, commandsIssued, configWrites, sessionsLive,
	}
	for _, c := range cs {
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
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves metrics from a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncBackendStart() {
	if regOK.Load() {
		backendStarts.Inc()
	}
}

func IncSpawnFailure() {
	if regOK.Load() {
		backendSpawnFailures.Inc()
	}
}

func IncBackendExit(result string) {
	if regOK.Load() {
		backendExits.WithLabelValues(result).Inc()
	}
}

func RecordStateTransition(from, to string) {
	if regOK.Load() {
		stateTransitions.WithLabelValues(from, to).Inc()
		currentState.WithLabelValues(from).Set(0)
		currentState.WithLabelValues(to).Set(1)
	}
}

func IncEvent(kind string) {
	if regOK.Load() {
		eventsDelivered.WithLabelValues(kind).Inc()
	}
}

func IncEventDropped() {
	if regOK.Load() {
		eventsDropped.Inc()
	}
}

func IncSubscriberDrop() {
	if regOK.Load() {
		subscriberDrops.Inc()
	}
}

func IncCommand(name, result string) {
	if regOK.Load() {
		commandsIssued.WithLabelValues(name, result).Inc()
	}
}

func IncConfigWrite(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		configWrites.WithLabelValues(result).Inc()
	}
}

func SetSessionsLive(n int) {
	if regOK.Load() {
		sessionsLive.Set(float64(n))
	}
}
