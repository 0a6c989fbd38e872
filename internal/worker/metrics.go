package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	workerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandbox_worker_state",
			Help: "Current worker loop state (1 for the active state).",
		},
		[]string{"state"},
	)

	workerTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_worker_tasks_total",
			Help: "Total number of tasks processed by this worker, by outcome.",
		},
		[]string{"outcome"},
	)

	workerTaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sandbox_worker_task_duration_seconds",
			Help:    "Time from claim to terminal report.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"outcome"},
	)

	workerRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_worker_rpc_retries_total",
			Help: "Total number of retried dispatcher calls.",
		},
		[]string{"call"},
	)

	progressCoalescedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_worker_progress_coalesced_total",
		Help: "Progress updates replaced because the report queue was full.",
	})
)

func init() {
	prometheus.MustRegister(workerState)
	prometheus.MustRegister(workerTasksTotal)
	prometheus.MustRegister(workerTaskDuration)
	prometheus.MustRegister(workerRetriesTotal)
	prometheus.MustRegister(progressCoalescedTotal)
}

func observeState(s State) {
	for st := StateIdle; st <= StateReporting; st++ {
		v := 0.0
		if st == s {
			v = 1
		}
		workerState.WithLabelValues(st.String()).Set(v)
	}
}
