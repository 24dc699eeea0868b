package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors for the runtime. Registered once
// at startup and shared across packages.
type Metrics struct {
	HTTPRequests    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
	LLMCalls        *prometheus.CounterVec
	LLMDuration     prometheus.Histogram
	AgentIterations prometheus.Histogram
	ToolExecutions  *prometheus.CounterVec
	ToolDuration    *prometheus.HistogramVec
	JobsActive      prometheus.Gauge
}

// NewMetrics registers the runtime collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quill_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		LLMCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_llm_calls_total",
			Help: "Model calls by outcome.",
		}, []string{"outcome"}),
		LLMDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quill_llm_call_duration_seconds",
			Help:    "Model call latency.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		AgentIterations: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "quill_agent_iterations",
			Help:    "Loop iterations consumed per agent run.",
			Buckets: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9},
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_tool_executions_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quill_tool_duration_seconds",
			Help:    "Tool execution latency by tool name.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"tool"}),
		JobsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quill_jobs_active",
			Help: "Background jobs currently running.",
		}),
	}
}
