// Package metrics provides Prometheus-based metrics recording and querying
// for queue, agent, and tracker operations.
package metrics

import "time"

// Recorder is the interface components record observations through.
type Recorder interface {
	// IncEnqueued counts a task accepted into a queue.
	IncEnqueued(queue, taskType string)
	// IncCompleted counts a task finishing successfully.
	IncCompleted(queue, taskType string)
	// IncFailed counts a task failure; terminal marks retry-budget exhaustion.
	IncFailed(queue, taskType string, terminal bool)
	// SetQueueDepth records the current pending+processing depth of a queue.
	SetQueueDepth(queue string, depth float64)
	// ObserveAgentRun records one finished agent process by outcome.
	ObserveAgentRun(outcome string, duration time.Duration)
	// IncWebhookDelivery counts an inbound delivery.
	IncWebhookDelivery(eventType string, duplicate bool)
	// IncTrackerRequest counts one tracker API round-trip by result class.
	IncTrackerRequest(status string)
	// SetRateLimited flips the rate-limited gauge.
	SetRateLimited(limited bool)
	// ObserveLLMUsage records token usage for one pipeline stage call.
	ObserveLLMUsage(provider, model, ticketKey, stage string, promptTokens, completionTokens int)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all observations.
func Nop() Recorder {
	return &NoopRecorder{}
}

// IncEnqueued does nothing in the no-op recorder.
func (n *NoopRecorder) IncEnqueued(_, _ string) {}

// IncCompleted does nothing in the no-op recorder.
func (n *NoopRecorder) IncCompleted(_, _ string) {}

// IncFailed does nothing in the no-op recorder.
func (n *NoopRecorder) IncFailed(_, _ string, _ bool) {}

// SetQueueDepth does nothing in the no-op recorder.
func (n *NoopRecorder) SetQueueDepth(_ string, _ float64) {}

// ObserveAgentRun does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveAgentRun(_ string, _ time.Duration) {}

// IncWebhookDelivery does nothing in the no-op recorder.
func (n *NoopRecorder) IncWebhookDelivery(_ string, _ bool) {}

// IncTrackerRequest does nothing in the no-op recorder.
func (n *NoopRecorder) IncTrackerRequest(_ string) {}

// SetRateLimited does nothing in the no-op recorder.
func (n *NoopRecorder) SetRateLimited(_ bool) {}

// ObserveLLMUsage does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveLLMUsage(_, _, _, _ string, _, _ int) {}
