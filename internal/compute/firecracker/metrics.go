package firecracker

import "github.com/prometheus/client_golang/prometheus"

var (
	vmBootDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sandbox_firecracker_vm_boot_seconds",
		Help:    "Time from start request to a running worker microVM, in seconds.",
		Buckets: prometheus.DefBuckets,
	})

	activeVMs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "sandbox_firecracker_active_vms",
		Help: "Number of running worker microVMs.",
	})

	vmExitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_firecracker_vm_exits_total",
		Help: "Number of worker microVMs that exited without a stop request.",
	})

	vmCleanupDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "sandbox_firecracker_vm_cleanup_seconds",
		Help:    "Duration of VM stop and network teardown, in seconds.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(vmBootDuration)
	prometheus.MustRegister(activeVMs)
	prometheus.MustRegister(vmCleanupDuration)
	prometheus.MustRegister(vmExitsTotal)
}
