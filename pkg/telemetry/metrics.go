package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rollout_sentinel",
			Name:      "investigations_total",
			Help:      "Investigations finished, partitioned by terminal status.",
		},
		[]string{"status"},
	)

	investigationIterations = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "rollout_sentinel",
			Name:      "investigation_iterations",
			Help:      "Tool-loop iterations consumed per investigation.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		},
	)

	rolloutTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rollout_sentinel",
			Name:      "rollout_transitions_total",
			Help:      "Rollout phase transitions written by the watcher.",
		},
		[]string{"status"},
	)

	incidentsDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rollout_sentinel",
			Name:      "incidents_detected_total",
			Help:      "Namespace incident detections, partitioned by type and merge outcome.",
		},
		[]string{"type", "outcome"},
	)

	claimConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rollout_sentinel",
			Name:      "claim_conflicts_total",
			Help:      "Claims lost to another worker.",
		},
	)

	rateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "rollout_sentinel",
			Name:      "investigations_rate_limited_total",
			Help:      "Investigations skipped because a budget was exhausted.",
		},
	)
)

// Register attaches all collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		investigationsTotal,
		investigationIterations,
		rolloutTransitions,
		incidentsDetected,
		claimConflicts,
		rateLimited,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveInvestigation records one finished investigation.
func ObserveInvestigation(status string, iterations int) {
	investigationsTotal.WithLabelValues(status).Inc()
	investigationIterations.Observe(float64(iterations))
}

// ObserveTransition records one rollout phase transition.
func ObserveTransition(status string) {
	rolloutTransitions.WithLabelValues(status).Inc()
}

// ObserveIncident records one incident detection; outcome is "opened"
// or "merged".
func ObserveIncident(incidentType, outcome string) {
	incidentsDetected.WithLabelValues(incidentType, outcome).Inc()
}

// ObserveClaimConflict records a claim lost to another worker.
func ObserveClaimConflict() {
	claimConflicts.Inc()
}

// ObserveRateLimited records an investigation skipped over budget.
func ObserveRateLimited() {
	rateLimited.Inc()
}

// Serve exposes /metrics on addr. It blocks, so callers run it in a
// goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
