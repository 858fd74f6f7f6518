// Package queue provides typed facades over the persistent task store: a
// coordination queue for ticket-lifecycle work and a concurrency-capped
// execution queue for agent runs. The facades own queue policy (retry budgets,
// the execution cap) so callers never pass those per call.
package queue

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/logx"
	"foreman/pkg/metrics"
	"foreman/pkg/persistence"
)

// EnqueueRequest describes a coordination task to queue.
type EnqueueRequest struct {
	TicketID       string
	TicketKey      string
	TaskType       string
	Priority       int
	ReadinessScore *int
	InputData      string
}

// Coordination is the ticket-lifecycle task queue.
type Coordination struct {
	store      *persistence.Store
	logger     *logx.Logger
	metrics    metrics.Recorder
	maxRetries int
	stuckAfter time.Duration
}

// NewCoordination creates the coordination queue facade.
func NewCoordination(store *persistence.Store, cfg config.QueuesConfig, rec metrics.Recorder) *Coordination {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Coordination{
		store:      store,
		logger:     logx.NewLogger("coord-queue"),
		metrics:    rec,
		maxRetries: cfg.CoordinationMaxRetries,
		stuckAfter: cfg.CoordinationStuck(),
	}
}

// Enqueue inserts a pending coordination task. Returns nil when an active task
// for the same (ticket, type) already exists.
func (q *Coordination) Enqueue(req EnqueueRequest) (*persistence.Task, error) {
	task, err := q.store.EnqueueTask(&persistence.Task{
		Queue:          persistence.QueueCoordination,
		TicketID:       req.TicketID,
		TicketKey:      req.TicketKey,
		TaskType:       req.TaskType,
		Priority:       req.Priority,
		ReadinessScore: req.ReadinessScore,
		MaxRetries:     q.maxRetries,
		InputData:      req.InputData,
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		q.logger.Debug("Skipped duplicate %s task for ticket %s", req.TaskType, req.TicketKey)
		return nil, nil //nolint:nilnil // Duplicate enqueue is a valid no-op
	}
	q.metrics.IncEnqueued(string(persistence.QueueCoordination), req.TaskType)
	q.logger.Info("Enqueued %s task %d for ticket %s", req.TaskType, task.ID, req.TicketKey)
	q.refreshDepth()
	return task, nil
}

// Dequeue claims the next pending coordination task, or nil when idle.
func (q *Coordination) Dequeue(ctx context.Context) (*persistence.Task, error) {
	task, err := q.store.DequeueNext(ctx, persistence.QueueCoordination, 0)
	if err != nil || task == nil {
		return task, err
	}
	q.refreshDepth()
	return task, nil
}

// Complete marks a task done.
func (q *Coordination) Complete(task *persistence.Task, outputData string) error {
	if err := q.store.CompleteTask(task.ID, outputData); err != nil {
		return err
	}
	q.metrics.IncCompleted(string(persistence.QueueCoordination), task.TaskType)
	q.refreshDepth()
	return nil
}

// Fail records a failure and reports whether the task was requeued.
func (q *Coordination) Fail(task *persistence.Task, errMsg string) (bool, error) {
	willRetry, err := q.store.FailTask(task.ID, errMsg)
	if err != nil {
		return false, err
	}
	q.metrics.IncFailed(string(persistence.QueueCoordination), task.TaskType, !willRetry)
	if willRetry {
		q.logger.Warn("Task %d (%s, %s) failed, requeued: %s", task.ID, task.TaskType, task.TicketKey, errMsg)
	} else {
		q.logger.Error("Task %d (%s, %s) failed terminally: %s", task.ID, task.TaskType, task.TicketKey, errMsg)
	}
	q.refreshDepth()
	return willRetry, nil
}

// HasActiveWork reports whether any coordination task is pending or processing.
func (q *Coordination) HasActiveWork() (bool, error) {
	count, err := q.store.CountActive(persistence.QueueCoordination)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// HasActiveForTicket reports whether a ticket already has coordination work queued.
func (q *Coordination) HasActiveForTicket(ticketID string) (bool, error) {
	return q.store.HasActiveForTicket(persistence.QueueCoordination, ticketID)
}

// ResetStuck requeues processing rows older than the configured threshold.
func (q *Coordination) ResetStuck() (int64, error) {
	n, err := q.store.ResetStuck(persistence.QueueCoordination, q.stuckAfter)
	if n > 0 {
		q.refreshDepth()
	}
	return n, err
}

func (q *Coordination) refreshDepth() {
	if count, err := q.store.CountActive(persistence.QueueCoordination); err == nil {
		q.metrics.SetQueueDepth(string(persistence.QueueCoordination), float64(count))
	}
}

// Execution is the concurrency-capped agent-run queue.
type Execution struct {
	store       *persistence.Store
	logger      *logx.Logger
	metrics     metrics.Recorder
	concurrency int
	maxRetries  int
	stuckAfter  time.Duration
}

// NewExecution creates the execution queue facade.
func NewExecution(store *persistence.Store, cfg config.QueuesConfig, rec metrics.Recorder) *Execution {
	if rec == nil {
		rec = metrics.Nop()
	}
	return &Execution{
		store:       store,
		logger:      logx.NewLogger("exec-queue"),
		metrics:     rec,
		concurrency: cfg.ExecutionConcurrency,
		maxRetries:  cfg.ExecutionMaxRetries,
		stuckAfter:  cfg.ExecutionStuck(),
	}
}

// Concurrency returns the configured parallel-run cap.
func (q *Execution) Concurrency() int {
	return q.concurrency
}

// Enqueue inserts a pending execution task carrying the generated prompt.
// Returns nil when the ticket already has an active execution row.
func (q *Execution) Enqueue(ticketID, ticketKey, prompt string, priority int) (*persistence.Task, error) {
	if prompt == "" {
		return nil, fmt.Errorf("refusing to enqueue execution for %s with empty prompt", ticketKey)
	}
	task, err := q.store.EnqueueTask(&persistence.Task{
		Queue:      persistence.QueueExecution,
		TicketID:   ticketID,
		TicketKey:  ticketKey,
		TaskType:   persistence.TaskExecute,
		Priority:   priority,
		MaxRetries: q.maxRetries,
		Prompt:     prompt,
	})
	if err != nil {
		return nil, err
	}
	if task == nil {
		q.logger.Debug("Skipped duplicate execution task for ticket %s", ticketKey)
		return nil, nil //nolint:nilnil // Duplicate enqueue is a valid no-op
	}
	q.metrics.IncEnqueued(string(persistence.QueueExecution), persistence.TaskExecute)
	q.logger.Info("Enqueued execution task %d for ticket %s", task.ID, ticketKey)
	q.refreshDepth()
	return task, nil
}

// Dequeue claims the next pending run while under the concurrency cap. Both
// the cap check and the claim happen in one transaction.
func (q *Execution) Dequeue(ctx context.Context) (*persistence.Task, error) {
	task, err := q.store.DequeueNext(ctx, persistence.QueueExecution, q.concurrency)
	if err != nil || task == nil {
		return task, err
	}
	q.refreshDepth()
	return task, nil
}

// Complete marks a run done.
func (q *Execution) Complete(task *persistence.Task, outputData string) error {
	if err := q.store.CompleteTask(task.ID, outputData); err != nil {
		return err
	}
	q.metrics.IncCompleted(string(persistence.QueueExecution), persistence.TaskExecute)
	q.refreshDepth()
	return nil
}

// Fail records a run failure and reports whether a retry was scheduled.
func (q *Execution) Fail(task *persistence.Task, errMsg string) (bool, error) {
	willRetry, err := q.store.FailTask(task.ID, errMsg)
	if err != nil {
		return false, err
	}
	q.metrics.IncFailed(string(persistence.QueueExecution), persistence.TaskExecute, !willRetry)
	if willRetry {
		q.logger.Warn("Execution task %d (%s) failed, requeued: %s", task.ID, task.TicketKey, errMsg)
	} else {
		q.logger.Error("Execution task %d (%s) failed terminally: %s", task.ID, task.TicketKey, errMsg)
	}
	q.refreshDepth()
	return willRetry, nil
}

// HasActiveForTicket reports whether a ticket has an execution row in flight.
func (q *Execution) HasActiveForTicket(ticketID string) (bool, error) {
	return q.store.HasActiveForTicket(persistence.QueueExecution, ticketID)
}

// ResetStuck requeues processing rows older than the configured threshold.
func (q *Execution) ResetStuck() (int64, error) {
	n, err := q.store.ResetStuck(persistence.QueueExecution, q.stuckAfter)
	if n > 0 {
		q.refreshDepth()
	}
	return n, err
}

func (q *Execution) refreshDepth() {
	if count, err := q.store.CountActive(persistence.QueueExecution); err == nil {
		q.metrics.SetQueueDepth(string(persistence.QueueExecution), float64(count))
	}
}
