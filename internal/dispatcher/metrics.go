package dispatcher

import "github.com/prometheus/client_golang/prometheus"

// unmatched labels dispatches that did not resolve to an exported task, so
// arbitrary client-supplied names never become label values.
const unmatched = "unmatched"

var (
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskworker_dispatch_total",
			Help: "Total number of task requests handled, by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskworker_dispatch_duration_seconds",
			Help:    "Time from reading a task request to writing its result, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskworker_sessions_active",
			Help: "Number of channels currently being served.",
		},
	)

	lanesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskworker_lanes",
			Help: "Number of execution lanes provisioned by the backend.",
		},
	)

	initDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskworker_init_duration_seconds",
			Help:    "Duration of backend initialization, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal)
	prometheus.MustRegister(dispatchDuration)
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(lanesGauge)
	prometheus.MustRegister(initDuration)
}
