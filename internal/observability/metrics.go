package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the core's Prometheus collectors.
type Metrics struct {
	TurnsStarted   *prometheus.CounterVec
	TurnsFinished  *prometheus.CounterVec
	TurnDuration   prometheus.Histogram
	ToolExecutions *prometheus.CounterVec
	ToolDuration   *prometheus.HistogramVec
	ProviderTokens *prometheus.CounterVec
	Errors         *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

// NewMetrics returns the process-wide metrics set. Collectors register with
// the default registry exactly once.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			TurnsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "codexd_turns_started_total",
				Help: "Turns started, by model.",
			}, []string{"model"}),
			TurnsFinished: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "codexd_turns_finished_total",
				Help: "Turns finished, by outcome (complete, aborted, errored).",
			}, []string{"outcome"}),
			TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "codexd_turn_duration_seconds",
				Help:    "Wall time of one turn.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
			ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "codexd_tool_executions_total",
				Help: "Tool executions, by tool and status.",
			}, []string{"tool", "status"}),
			ToolDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "codexd_tool_duration_seconds",
				Help:    "Tool execution time, by tool.",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			}, []string{"tool"}),
			ProviderTokens: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "codexd_provider_tokens_total",
				Help: "Tokens reported by the provider, by direction.",
			}, []string{"direction"}),
			Errors: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "codexd_errors_total",
				Help: "Errors, by component.",
			}, []string{"component"}),
		}
	})
	return metrics
}
