// Package metrics exposes Prometheus collectors for the actor runtime:
// lifecycle counters, persistence counters, and per-process gauges sampled
// from runtime stats.
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

	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otpkit",
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of successful process starts.",
		}, []string{"name"},
	)
	processCrashes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otpkit",
			Subsystem: "process",
			Name:      "crashes_total",
			Help:      "Number of abnormal process terminations.",
		}, []string{"name"},
	)
	processTerminations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otpkit",
			Subsystem: "process",
			Name:      "terminations_total",
			Help:      "Number of process terminations by reason kind.",
		}, []string{"reason"},
	)
	runningProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "otpkit",
			Subsystem: "process",
			Name:      "running",
			Help:      "Current number of live processes.",
		},
	)
	childRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otpkit",
			Subsystem: "supervisor",
			Name:      "child_restarts_total",
			Help:      "Number of strategy-driven child restarts per supervisor.",
		}, []string{"supervisor"},
	)
	persistenceSaves = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otpkit",
			Subsystem: "persistence",
			Name:      "saves_total",
			Help:      "Number of successful state snapshots.",
		}, []string{"name"},
	)
	persistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otpkit",
			Subsystem: "persistence",
			Name:      "errors_total",
			Help:      "Number of persistence failures (load, save, migrate).",
		}, []string{"name"},
	)
	monitorDowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "otpkit",
			Subsystem: "monitor",
			Name:      "down_total",
			Help:      "Number of process_down notifications by reason.",
		}, []string{"reason"},
	)
	mailboxDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "otpkit",
			Subsystem: "process",
			Name:      "mailbox_depth",
			Help:      "Sampled mailbox depth per named process.",
		}, []string{"name"},
	)
	messagesHandled = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "otpkit",
			Subsystem: "process",
			Name:      "messages_handled",
			Help:      "Sampled handled-message count per named process.",
		}, []string{"name"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		processStarts, processCrashes, processTerminations, runningProcesses,
		childRestarts, persistenceSaves, persistenceErrors, monitorDowns,
		mailboxDepth, messagesHandled,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// already registered is fine (double Register with default registry)
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

// Handler serves Prometheus metrics for the DefaultGatherer. The caller wires
// the route and runs the HTTP server.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncCrash(name string) {
	if regOK.Load() {
		processCrashes.WithLabelValues(name).Inc()
	}
}

func IncTermination(reason string) {
	if regOK.Load() {
		processTerminations.WithLabelValues(reason).Inc()
	}
}

func IncChildRestart(supervisorID string) {
	if regOK.Load() {
		childRestarts.WithLabelValues(supervisorID).Inc()
	}
}

func IncPersistenceSave(name string) {
	if regOK.Load() {
		persistenceSaves.WithLabelValues(name).Inc()
	}
}

func IncPersistenceError(name string) {
	if regOK.Load() {
		persistenceErrors.WithLabelValues(name).Inc()
	}
}

func IncMonitorDown(reason string) {
	if regOK.Load() {
		monitorDowns.WithLabelValues(reason).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningProcesses.Set(float64(n))
	}
}

func SetMailboxDepth(name string, depth int) {
	if regOK.Load() {
		mailboxDepth.WithLabelValues(name).Set(float64(depth))
	}
}

func SetMessagesHandled(name string, count uint64) {
	if regOK.Load() {
		messagesHandled.WithLabelValues(name).Set(float64(count))
	}
}
