// Package metrics provides Prometheus-based metrics recording for LLM turns
// and a query service for aggregating per-task spend.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"relay/pkg/backend"
	"relay/pkg/backend/llmerrors"
)

// PrometheusRecorder implements backend.Observer using Prometheus metrics.
type PrometheusRecorder struct {
	requestsTotal   *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	costsTotal      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		requestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_requests_total",
				Help: "Total number of LLM requests by model, task, phase, and status",
			},
			[]string{"model", "task_id", "phase", "status", "error_type"},
		),
		tokensTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "task_id", "phase", "type"},
		),
		costsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_llm_costs_total",
				Help: "Total cost in USD for LLM requests",
			},
			[]string{"model", "task_id", "phase"},
		),
		requestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "task_id", "phase"},
		),
	}
}

// ObserveTurn records metrics for one completed LLM turn.
func (p *PrometheusRecorder) ObserveTurn(model, taskID, phase string, usage backend.Usage, duration time.Duration, err error) {
	status := "success"
	errorType := ""
	if err != nil {
		status = "error"
		errorType = llmerrors.TypeOf(err).String()
	}

	p.requestsTotal.WithLabelValues(model, taskID, phase, status, errorType).Inc()

	if err == nil {
		p.tokensTotal.WithLabelValues(model, taskID, phase, "prompt").Add(float64(usage.PromptTokens))
		p.tokensTotal.WithLabelValues(model, taskID, phase, "completion").Add(float64(usage.CompletionTokens))
		p.costsTotal.WithLabelValues(model, taskID, phase).Add(usage.CostUSD)
	}

	p.requestDuration.WithLabelValues(model, taskID, phase).Observe(duration.Seconds())
}
