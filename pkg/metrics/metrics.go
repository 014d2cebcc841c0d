// Package metrics holds the Prometheus collectors for the chat engine.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	GenerationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pedrochat_generations_total",
			Help: "Completions streamed, by outcome",
		},
		[]string{"kind", "outcome"},
	)

	StreamedTokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pedrochat_streamed_tokens_total",
			Help: "Content events delivered to callers",
		},
	)

	EvictedTurnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pedrochat_evicted_turns_total",
			Help: "Turns evicted from a message window to fit the context budget",
		},
	)

	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pedrochat_tool_calls_total",
			Help: "Tool invocations, by tool id and status",
		},
		[]string{"tool", "status"},
	)

	GenerationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pedrochat_generation_duration_seconds",
			Help:    "Wall time of a streamed generation",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		},
		[]string{"kind"},
	)
)

// Outcome labels for GenerationsTotal.
const (
	OutcomeOK        = "ok"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		GenerationsTotal,
		StreamedTokensTotal,
		EvictedTurnsTotal,
		ToolCallsTotal,
		GenerationDuration,
	)
}
