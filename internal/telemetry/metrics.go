package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsCreated counts jobs registered with the manager.
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clipsmith_jobs_created_total",
		Help: "Background jobs registered.",
	})

	// JobsFinished counts jobs by terminal state.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsmith_jobs_finished_total",
		Help: "Background jobs reaching a terminal state.",
	}, []string{"state"})

	// ProviderRequests counts LLM calls by provider and outcome.
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsmith_provider_requests_total",
		Help: "LLM provider requests.",
	}, []string{"provider", "outcome"})

	// TokensUsed accumulates token usage by provider and direction.
	TokensUsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsmith_tokens_total",
		Help: "Tokens consumed, split by direction.",
	}, []string{"provider", "direction"})

	// ToolInvocations counts tool dispatches by name and outcome.
	ToolInvocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsmith_tool_invocations_total",
		Help: "Tool registry dispatches.",
	}, []string{"tool", "outcome"})

	// EstimatedCostUSD accumulates advisory cost accounting by model.
	EstimatedCostUSD = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clipsmith_estimated_cost_usd_total",
		Help: "Estimated spend in USD.",
	}, []string{"model"})

	// LoopIterations observes how many iterations agent runs take.
	LoopIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipsmith_loop_iterations",
		Help:    "Agent loop iterations per run.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34, 50},
	})

	// JobDuration observes wall-clock seconds per finished job.
	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clipsmith_job_duration_seconds",
		Help:    "Job execution time.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})
)

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
