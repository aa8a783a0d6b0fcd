package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "warden"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	restartStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "starts_total",
			Help:      "Number of successful starts of the supervised program.",
		},
	)
	restartFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "failures_total",
			Help:      "Number of failed start or stop attempts.",
		}, []string{"op"},
	)
	restartStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "stops_total",
			Help:      "Number of stops by the stage that ended the process.",
		}, []string{"stage"},
	)
	restartAttemptsUsed = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "restart",
			Name:      "attempts_used",
			Help:      "Restart attempts consumed from the budget.",
		},
	)

	monitorIterations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "iterations_total",
			Help:      "Monitor iterations by result (ok or failure).",
		}, []string{"result"},
	)
	monitorConsecutiveFailures = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "consecutive_failures",
			Help:      "Current number of consecutive failed iterations.",
		},
	)
	monitorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "monitor",
			Name:      "state",
			Help:      "Current monitor state (1 = active state, 0 = inactive).",
		}, []string{"state"},
	)

	healthCheckStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_status",
			Help:      "Severity of the last result per check (0 healthy, 1 warning, 2 error, 3 critical).",
		}, []string{"check"},
	)
	healthOverallStatus = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "overall_status",
			Help:      "Severity of the last aggregated health report.",
		},
	)
)

// States lists the monitor states exported by SetState.
var States = []string{"idle", "checking", "restarting", "halted"}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		restartStarts, restartFailures, restartStops, restartAttemptsUsed,
		monitorIterations, monitorConsecutiveFailures, monitorState,
		healthCheckStatus, healthOverallStatus,
		targetCPUPercent, targetMemoryMB, targetNumThreads,
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

func IncStart() {
	if regOK.Load() {
		restartStarts.Inc()
	}
}

// IncFailure counts a failed "start" or "stop".
func IncFailure(op string) {
	if regOK.Load() {
		restartFailures.WithLabelValues(op).Inc()
	}
}

func IncStop(stage string) {
	if regOK.Load() {
		restartStops.WithLabelValues(stage).Inc()
	}
}

func SetAttemptsUsed(n int) {
	if regOK.Load() {
		restartAttemptsUsed.Set(float64(n))
	}
}

func ObserveIteration(ok bool, consecutiveFailures int) {
	if !regOK.Load() {
		return
	}
	result := "ok"
	if !ok {
		result = "failure"
	}
	monitorIterations.WithLabelValues(result).Inc()
	monitorConsecutiveFailures.Set(float64(consecutiveFailures))
}

// SetState marks state active and every other known state inactive.
func SetState(state string) {
	if !regOK.Load() {
		return
	}
	for _, s := range States {
		v := 0.0
		if s == state {
			v = 1
		}
		monitorState.WithLabelValues(s).Set(v)
	}
}

func SetCheckStatus(check string, severity int) {
	if regOK.Load() {
		healthCheckStatus.WithLabelValues(check).Set(float64(severity))
	}
}

func SetOverallStatus(severity int) {
	if regOK.Load() {
		healthOverallStatus.Set(float64(severity))
	}
}
