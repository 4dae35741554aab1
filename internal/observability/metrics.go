package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for toolrun.
// Uses a custom registry, no global state.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Attempt metrics, one observation per recorded attempt.
	ToolAttemptsTotal   *prometheus.CounterVec
	ToolAttemptDuration *prometheus.HistogramVec

	// Chain metrics, one observation per top-level call.
	ToolChainsTotal   *prometheus.CounterVec
	ToolChainDuration *prometheus.HistogramVec
	ToolChainAttempts *prometheus.HistogramVec
	ToolCostTotal     *prometheus.CounterVec
	EscalationsTotal  *prometheus.CounterVec

	// Sandbox metrics.
	SandboxExecutionsTotal   *prometheus.CounterVec
	SandboxExecutionDuration *prometheus.HistogramVec
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		ToolAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "tool",
			Name:      "attempts_total",
			Help:      "Total tool method attempts, by outcome kind.",
		}, []string{"tool", "method", "kind"}),

		ToolAttemptDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrun",
			Subsystem: "tool",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of a single tool method attempt in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "method"}),

		ToolChainsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "tool",
			Name:      "chains_total",
			Help:      "Total top-level tool invocations, by final status.",
		}, []string{"tool", "status", "kind"}),

		ToolChainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrun",
			Subsystem: "tool",
			Name:      "chain_duration_seconds",
			Help:      "Wall-clock duration of a full attempt chain in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool"}),

		ToolChainAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrun",
			Subsystem: "tool",
			Name:      "chain_attempts",
			Help:      "Attempts made per chain.",
			Buckets:   []float64{0, 1, 2, 3, 5, 8, 13},
		}, []string{"tool"}),

		ToolCostTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "tool",
			Name:      "cost_total",
			Help:      "Total estimated cost charged, summed over chains.",
		}, []string{"tool"}),

		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "tool",
			Name:      "escalations_total",
			Help:      "Chains that succeeded through an alternative method.",
		}, []string{"tool", "method"}),

		SandboxExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolrun",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox executions.",
		}, []string{"strategy", "status"}),

		SandboxExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "toolrun",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"strategy"}),
	}

	reg.MustRegister(
		m.ToolAttemptsTotal,
		m.ToolAttemptDuration,
		m.ToolChainsTotal,
		m.ToolChainDuration,
		m.ToolChainAttempts,
		m.ToolCostTotal,
		m.EscalationsTotal,
		m.SandboxExecutionsTotal,
		m.SandboxExecutionDuration,
	)

	return m
}
