package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ViolationsTotal counts accepted soft violations
	ViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_violations_total",
			Help: "Total number of accepted violation events",
		},
		[]string{"category"},
	)

	// SessionsBlocked counts sessions that reached the Blocked state
	SessionsBlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_sessions_blocked_total",
			Help: "Total number of blocked exam sessions",
		},
		[]string{"reason"},
	)

	// SessionsFinished counts sessions that reached the Finished state
	SessionsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_sessions_finished_total",
			Help: "Total number of finished exam sessions",
		},
		[]string{"reason"},
	)

	// DetectorErrors counts per-iteration detector failures
	DetectorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_detector_errors_total",
			Help: "Total number of detection loop failures",
		},
		[]string{"stage"},
	)

	// EvidenceFailures counts dropped or failed evidence deliveries
	EvidenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_evidence_failures_total",
			Help: "Total number of evidence or audit delivery failures",
		},
		[]string{"stage"},
	)

	// LoopIteration measures one detection loop iteration
	LoopIteration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "proctor_loop_iteration_seconds",
			Help:    "Detection loop iteration duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1},
		},
	)
)

// Register adds every collector to reg.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		ViolationsTotal,
		SessionsBlocked,
		SessionsFinished,
		DetectorErrors,
		EvidenceFailures,
		LoopIteration,
	)
}

// Handler returns the Prometheus metrics handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
