// Package metrics exposes Prometheus instrumentation for the distributor and
// the resampler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsTotal counts processed power requests by result variant.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridctl",
		Subsystem: "distributor",
		Name:      "requests_total",
		Help:      "Power requests processed, labelled by result variant.",
	}, []string{"result"})

	// DispatchFailuresTotal counts failed per-inverter set-power calls by cause.
	DispatchFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridctl",
		Subsystem: "distributor",
		Name:      "dispatch_failures_total",
		Help:      "Failed set-power calls, labelled by cause.",
	}, []string{"cause"})

	// DistributedPower tracks the last successfully distributed power in watts.
	DistributedPower = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gridctl",
		Subsystem: "distributor",
		Name:      "distributed_power_watts",
		Help:      "Power distributed by the most recent successful request.",
	})

	// ResamplerTicksTotal counts resampling windows processed.
	ResamplerTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridctl",
		Subsystem: "resampler",
		Name:      "ticks_total",
		Help:      "Resampling windows processed.",
	})

	// ResamplerLateTicksTotal counts windows that started later than a tenth
	// of the resampling period.
	ResamplerLateTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridctl",
		Subsystem: "resampler",
		Name:      "late_ticks_total",
		Help:      "Resampling windows that started noticeably late.",
	})

	// ResamplerSourceErrorsTotal counts per-source resampling failures.
	ResamplerSourceErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gridctl",
		Subsystem: "resampler",
		Name:      "source_errors_total",
		Help:      "Per-source errors raised while resampling.",
	})

	// WorkerPanicsTotal counts recovered worker panics by worker name.
	WorkerPanicsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridctl",
		Subsystem: "supervisor",
		Name:      "worker_panics_total",
		Help:      "Panics recovered from supervised workers.",
	}, []string{"worker"})

	// WorkerRestartsTotal counts worker restarts after a recovered panic.
	WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gridctl",
		Subsystem: "supervisor",
		Name:      "worker_restarts_total",
		Help:      "Restarts of supervised workers after a panic.",
	}, []string{"worker"})
)

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
