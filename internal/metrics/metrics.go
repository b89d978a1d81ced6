// Package metrics exposes Prometheus counters and gauges for job
// lifecycle events. Registration is in-process only: SPEC_FULL does not
// stand up an HTTP listener for it, the caller decides whether/how to
// expose the registry.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	jobStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botsup",
			Subsystem: "job",
			Name:      "starts_total",
			Help:      "Number of worker starts per job.",
		}, []string{"job"},
	)
	jobRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botsup",
			Subsystem: "job",
			Name:      "restarts_total",
			Help:      "Number of restart-policy-driven respawns per job.",
		}, []string{"job"},
	)
	jobStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "botsup",
			Subsystem: "job",
			Name:      "stops_total",
			Help:      "Number of stops, graceful or killed, per job.",
		}, []string{"job"},
	)
	jobPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botsup",
			Subsystem: "job",
			Name:      "phase",
			Help:      "1 if job currently reports the labeled phase, else 0.",
		}, []string{"job", "phase"},
	)
	consecutiveFailures = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botsup",
			Subsystem: "job",
			Name:      "consecutive_failures",
			Help:      "Current consecutive failure count per job.",
		}, []string{"job"},
	)
	daemonNextFire = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "botsup",
			Subsystem: "daemon",
			Name:      "next_fire_unix_seconds",
			Help:      "Unix timestamp of the daemon's next scheduled fire.",
		}, []string{"job"},
	)
)

// Register registers all collectors with r. It is safe to call multiple
// times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{jobStarts, jobRestarts, jobStops, jobPhase, consecutiveFailures, daemonNextFire}
	for _, c := range collectors {
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

// Handler returns an http.Handler serving the default gatherer; the
// caller wires it to an HTTP server if it wants metrics exposed.
func Handler() http.Handler { return promhttp.Handler() }

func IncStart(job string) {
	if regOK.Load() {
		jobStarts.WithLabelValues(job).Inc()
	}
}

func IncRestart(job string) {
	if regOK.Load() {
		jobRestarts.WithLabelValues(job).Inc()
	}
}

func IncStop(job string) {
	if regOK.Load() {
		jobStops.WithLabelValues(job).Inc()
	}
}

func SetPhase(job, phase string, active bool) {
	if regOK.Load() {
		v := 0.0
		if active {
			v = 1.0
		}
		jobPhase.WithLabelValues(job, phase).Set(v)
	}
}

func SetConsecutiveFailures(job string, n int) {
	if regOK.Load() {
		consecutiveFailures.WithLabelValues(job).Set(float64(n))
	}
}

func SetDaemonNextFire(job string, unixSeconds int64) {
	if regOK.Load() {
		daemonNextFire.WithLabelValues(job).Set(float64(unixSeconds))
	}
}
