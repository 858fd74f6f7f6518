package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus metrics.
type PrometheusRecorder struct {
	tasksEnqueued     *prometheus.CounterVec
	tasksCompleted    *prometheus.CounterVec
	tasksFailed       *prometheus.CounterVec
	queueDepth        *prometheus.GaugeVec
	agentRuns         *prometheus.CounterVec
	agentRunDuration  *prometheus.HistogramVec
	webhookDeliveries *prometheus.CounterVec
	trackerRequests   *prometheus.CounterVec
	rateLimited       prometheus.Gauge
	llmTokens         *prometheus.CounterVec
}

// NewPrometheusRecorder creates a recorder registered on the default registry.
// Call once per process; promauto panics on duplicate registration.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		tasksEnqueued: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_tasks_enqueued_total",
				Help: "Total tasks accepted into a queue",
			},
			[]string{"queue", "task_type"},
		),
		tasksCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_tasks_completed_total",
				Help: "Total tasks completed successfully",
			},
			[]string{"queue", "task_type"},
		),
		tasksFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_tasks_failed_total",
				Help: "Total task failures; terminal=true means the retry budget is exhausted",
			},
			[]string{"queue", "task_type", "terminal"},
		),
		queueDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "foreman_queue_depth",
				Help: "Current pending+processing rows per queue",
			},
			[]string{"queue"},
		),
		agentRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_agent_runs_total",
				Help: "Total agent process runs by outcome",
			},
			[]string{"outcome"},
		),
		agentRunDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "foreman_agent_run_duration_seconds",
				Help:    "Duration of agent process runs in seconds",
				Buckets: []float64{30, 60, 120, 300, 600, 1200, 1800, 2700},
			},
			[]string{"outcome"},
		),
		webhookDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_webhook_deliveries_total",
				Help: "Total inbound webhook deliveries",
			},
			[]string{"event_type", "duplicate"},
		),
		trackerRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_tracker_requests_total",
				Help: "Total tracker API requests by result class",
			},
			[]string{"status"},
		),
		rateLimited: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "foreman_tracker_rate_limited",
				Help: "1 while the tracker client is inside a known rate-limit window",
			},
		),
		llmTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "foreman_llm_tokens_total",
				Help: "Total LLM tokens used by pipeline stage calls",
			},
			[]string{"provider", "model", "ticket_key", "stage", "type"},
		),
	}
}

// IncEnqueued counts a task accepted into a queue.
func (p *PrometheusRecorder) IncEnqueued(queue, taskType string) {
	p.tasksEnqueued.WithLabelValues(queue, taskType).Inc()
}

// IncCompleted counts a successful task.
func (p *PrometheusRecorder) IncCompleted(queue, taskType string) {
	p.tasksCompleted.WithLabelValues(queue, taskType).Inc()
}

// IncFailed counts a task failure.
func (p *PrometheusRecorder) IncFailed(queue, taskType string, terminal bool) {
	label := "false"
	if terminal {
		label = "true"
	}
	p.tasksFailed.WithLabelValues(queue, taskType, label).Inc()
}

// SetQueueDepth records the current depth of a queue.
func (p *PrometheusRecorder) SetQueueDepth(queue string, depth float64) {
	p.queueDepth.WithLabelValues(queue).Set(depth)
}

// ObserveAgentRun records one finished agent process.
func (p *PrometheusRecorder) ObserveAgentRun(outcome string, duration time.Duration) {
	p.agentRuns.WithLabelValues(outcome).Inc()
	p.agentRunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// IncWebhookDelivery counts an inbound delivery.
func (p *PrometheusRecorder) IncWebhookDelivery(eventType string, duplicate bool) {
	label := "false"
	if duplicate {
		label = "true"
	}
	p.webhookDeliveries.WithLabelValues(eventType, label).Inc()
}

// IncTrackerRequest counts one tracker API round-trip.
func (p *PrometheusRecorder) IncTrackerRequest(status string) {
	p.trackerRequests.WithLabelValues(status).Inc()
}

// SetRateLimited flips the rate-limited gauge.
func (p *PrometheusRecorder) SetRateLimited(limited bool) {
	if limited {
		p.rateLimited.Set(1)
	} else {
		p.rateLimited.Set(0)
	}
}

// ObserveLLMUsage records token usage for one stage call.
func (p *PrometheusRecorder) ObserveLLMUsage(provider, model, ticketKey, stage string, promptTokens, completionTokens int) {
	p.llmTokens.WithLabelValues(provider, model, ticketKey, stage, "prompt").Add(float64(promptTokens))
	p.llmTokens.WithLabelValues(provider, model, ticketKey, stage, "completion").Add(float64(completionTokens))
}
