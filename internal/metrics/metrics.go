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

	runnerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runfleet",
			Subsystem: "runner",
			Name:      "starts_total",
			Help:      "Number of successful runner starts.",
		}, []string{"group"},
	)
	runnerStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runfleet",
			Subsystem: "runner",
			Name:      "stops_total",
			Help:      "Number of runner stops (graceful or kill).",
		}, []string{"group"},
	)
	scaleOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runfleet",
			Subsystem: "fleet",
			Name:      "scale_operations_total",
			Help:      "Number of scale reconciliations per group and direction.",
		}, []string{"group", "direction"},
	)
	ghostsPurged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runfleet",
			Subsystem: "fleet",
			Name:      "ghosts_purged_total",
			Help:      "Number of stale pidfiles purged.",
		}, []string{"group"},
	)
	remoteRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runfleet",
			Subsystem: "remote",
			Name:      "retries_total",
			Help:      "Number of retried control-plane calls.",
		}, []string{"operation"},
	)
	runningRunners = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "runfleet",
			Subsystem: "fleet",
			Name:      "running_runners",
			Help:      "Current running runners per group.",
		}, []string{"group"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		runnerStarts, runnerStops, scaleOps, ghostsPurged, remoteRetries, runningRunners,
	}
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

// Handler returns an HTTP handler serving the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncRunnerStart(group string)  { runnerStarts.WithLabelValues(group).Inc() }
func IncRunnerStop(group string)   { runnerStops.WithLabelValues(group).Inc() }
func IncGhostPurged(group string)  { ghostsPurged.WithLabelValues(group).Inc() }
func IncRemoteRetry(op string)     { remoteRetries.WithLabelValues(op).Inc() }
func IncScaleOp(group, dir string) { scaleOps.WithLabelValues(group, dir).Inc() }

func SetRunningRunners(group string, n int) {
	runningRunners.WithLabelValues(group).Set(float64(n))
}
