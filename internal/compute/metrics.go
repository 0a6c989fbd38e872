package compute

import "github.com/prometheus/client_golang/prometheus"

var (
	instanceActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_autoscaler_actions_total",
			Help: "Total number of accepted instance start/stop requests.",
		},
		[]string{"action"},
	)

	providerErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_autoscaler_provider_errors_total",
			Help: "Total number of failed provider calls, including retried attempts.",
		},
		[]string{"op"},
	)

	instancesByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandbox_autoscaler_instances",
			Help: "Managed instances by last observed power state.",
		},
		[]string{"state"},
	)

	backlogGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sandbox_autoscaler_demand",
			Help: "Last observed task demand.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(instanceActionsTotal)
	prometheus.MustRegister(providerErrorsTotal)
	prometheus.MustRegister(instancesByState)
	prometheus.MustRegister(backlogGauge)
}
