package dispatch

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
)

var (
	tasksCreatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_tasks_created_total",
		Help: "Total number of tasks created.",
	})

	tasksClaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_tasks_claimed_total",
		Help: "Total number of tasks claimed by workers.",
	})

	tasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_tasks_completed_total",
			Help: "Total number of tasks that reached a terminal state, by outcome.",
		},
		[]string{"outcome"},
	)

	tasksReclaimedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_tasks_reclaimed_total",
		Help: "Total number of tasks returned to the queue after their lease expired.",
	})

	emptyPollsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "sandbox_empty_polls_total",
		Help: "Total number of worker polls that found no task.",
	})

	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sandbox_rpc_requests_total",
			Help: "Total number of gRPC requests.",
		},
		[]string{"method", "code"},
	)
)

func init() {
	prometheus.MustRegister(tasksCreatedTotal)
	prometheus.MustRegister(tasksClaimedTotal)
	prometheus.MustRegister(tasksCompletedTotal)
	prometheus.MustRegister(tasksReclaimedTotal)
	prometheus.MustRegister(emptyPollsTotal)
	prometheus.MustRegister(rpcRequestsTotal)
}

// MetricsInterceptor counts every unary call by method and resulting code.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		resp, err := handler(ctx, req)
		rpcRequestsTotal.WithLabelValues(info.FullMethod, Code(err).String()).Inc()
		return resp, err
	}
}
