package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"foreman/pkg/logx"
	"foreman/pkg/persistence"
	"foreman/pkg/queue"
	"foreman/pkg/stages"
	"foreman/pkg/tracker"
)

const processorTick = 2 * time.Second

// executePriority is where pipeline-generated execution tasks land; operator
// resumes (1) jump ahead of them.
const executePriority = 2

// Pipeline runs the coordination stages. Implemented by stages.Stages.
type Pipeline interface {
	Evaluate(ctx context.Context, ticket *tracker.Ticket, comments []tracker.Comment) (*stages.EvaluateResult, error)
	Refine(ctx context.Context, ticket *tracker.Ticket, comments []tracker.Comment) (*stages.RefineResult, error)
	CheckResponse(ctx context.Context, ticket *tracker.Ticket, questions []string, replies []tracker.Comment) (*stages.ResponseResult, error)
	GeneratePrompt(ctx context.Context, ticket *tracker.Ticket, comments []tracker.Comment) (*stages.PromptResult, error)
	SyncState(ticket *tracker.Ticket, snap stages.StateSnapshot) stages.SyncPlan
}

var _ Pipeline = (*stages.Stages)(nil)

// Processor consumes the coordination queue and runs the matching pipeline
// stage for each task. Strictly serial: the pipeline works one ticket lineage
// at a time.
type Processor struct {
	store    *persistence.Store
	coord    *queue.Coordination
	exec     *queue.Execution
	tracker  Tracker
	pipeline Pipeline
	sched    *Scheduler
	logger   *logx.Logger
	tick     time.Duration

	mu       sync.Mutex
	running  bool
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewProcessor creates the coordination consumer. The scheduler handle keeps
// the awaiting-response rotation in step with stage outcomes.
func NewProcessor(store *persistence.Store, coord *queue.Coordination, exec *queue.Execution, trk Tracker, pipeline Pipeline, sched *Scheduler) *Processor {
	return &Processor{
		store:    store,
		coord:    coord,
		exec:     exec,
		tracker:  trk,
		pipeline: pipeline,
		sched:    sched,
		logger:   logx.NewLogger("processor"),
		tick:     processorTick,
	}
}

// Start launches the processor loop.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("processor already running")
	}
	p.running = true
	p.shutdown = make(chan struct{})
	p.wg.Add(1)
	go p.loop(ctx)
	p.logger.Info("Coordination processor started")
	return nil
}

// Stop shuts the loop down, waiting up to the context deadline.
func (p *Processor) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.shutdown)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.logger.Info("Coordination processor stopped")
		return nil
	case <-ctx.Done():
		p.logger.Warn("Coordination processor stop timed out")
		return ctx.Err()
	}
}

func (p *Processor) loop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()

	p.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.drain(ctx)
		}
	}
}

// drain works the queue dry, one task at a time. Stage work pauses while the
// tracker is rate limited rather than burning retries on calls that would
// fail fast.
func (p *Processor) drain(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		default:
		}
		if limited, _ := p.tracker.Limits().Limited(time.Now()); limited {
			return
		}

		task, err := p.coord.Dequeue(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Error("Failed to dequeue coordination task: %v", err)
			}
			return
		}
		if task == nil {
			return
		}
		p.handle(ctx, task)
	}
}

func (p *Processor) handle(ctx context.Context, task *persistence.Task) {
	output, err := p.runStage(ctx, task)
	if err != nil {
		p.failTask(ctx, task, err)
		return
	}
	if err := p.coord.Complete(task, output); err != nil {
		p.logger.Error("Failed to complete %s task %d: %v", task.TaskType, task.ID, err)
	}
}

func (p *Processor) runStage(ctx context.Context, task *persistence.Task) (string, error) {
	ticket, err := p.tracker.GetTicket(ctx, task.TicketID)
	if err != nil {
		return "", fmt.Errorf("fetch ticket %s: %w", task.TicketKey, err)
	}

	switch task.TaskType {
	case persistence.TaskEvaluate:
		return p.evaluate(ctx, ticket)
	case persistence.TaskRefine:
		return p.refine(ctx, ticket)
	case persistence.TaskCheckResponse:
		return p.checkResponse(ctx, ticket)
	case persistence.TaskGeneratePrompt:
		return p.generatePrompt(ctx, ticket)
	case persistence.TaskSyncState:
		return p.syncState(ctx, ticket)
	default:
		return "", fmt.Errorf("unknown coordination task type %q", task.TaskType)
	}
}

// evaluate triages a ticket. Ready moves it to approved; anything else goes
// to refinement for a round of questions.
func (p *Processor) evaluate(ctx context.Context, ticket *tracker.Ticket) (string, error) {
	comments, err := p.tracker.ListComments(ctx, ticket.ID)
	if err != nil {
		return "", fmt.Errorf("list comments for %s: %w", ticket.Key, err)
	}
	result, err := p.pipeline.Evaluate(ctx, ticket, comments)
	if err != nil {
		return "", err
	}

	next := tracker.LabelRefining
	if result.Ready {
		next = tracker.LabelApproved
	}
	if err := p.moveLabel(ctx, ticket, next); err != nil {
		return "", err
	}
	return marshalOutput(result), nil
}

// refine posts clarifying questions and parks the ticket on a human reply.
// Nothing left to ask sends it straight to approved.
func (p *Processor) refine(ctx context.Context, ticket *tracker.Ticket) (string, error) {
	comments, err := p.tracker.ListComments(ctx, ticket.ID)
	if err != nil {
		return "", fmt.Errorf("list comments for %s: %w", ticket.Key, err)
	}
	result, err := p.pipeline.Refine(ctx, ticket, comments)
	if err != nil {
		return "", err
	}

	if result.AllAnswered {
		if err := p.moveLabel(ctx, ticket, tracker.LabelApproved); err != nil {
			return "", err
		}
		p.logger.Info("Nothing left to ask on %s; approved", ticket.Key)
		return marshalOutput(result), nil
	}

	if _, err := p.tracker.CreateComment(ctx, ticket.ID, stages.RenderQuestionsComment(result.Questions)); err != nil {
		return "", fmt.Errorf("post questions on %s: %w", ticket.Key, err)
	}
	if err := p.moveLabel(ctx, ticket, tracker.LabelAwaitingResponse); err != nil {
		return "", err
	}
	p.sched.RegisterAwaiting(ticket.ID, ticket.Key)
	p.logger.Info("Posted %d questions on %s; awaiting response", len(result.Questions), ticket.Key)
	return marshalOutput(result), nil
}

// checkResponse classifies replies since the last round of questions.
// Answered approves the ticket; waiting and partial leave it parked.
func (p *Processor) checkResponse(ctx context.Context, ticket *tracker.Ticket) (string, error) {
	comments, err := p.tracker.ListComments(ctx, ticket.ID)
	if err != nil {
		return "", fmt.Errorf("list comments for %s: %w", ticket.Key, err)
	}

	questions, replies := splitQuestionThread(comments)
	result, err := p.pipeline.CheckResponse(ctx, ticket, questions, replies)
	if err != nil {
		return "", err
	}

	if result.Status == stages.ResponseAnswered {
		if err := p.moveLabel(ctx, ticket, tracker.LabelApproved); err != nil {
			return "", err
		}
		p.sched.UnregisterAwaiting(ticket.ID)
		p.logger.Info("Responses on %s answered the questions; approved", ticket.Key)
	}
	return marshalOutput(result), nil
}

// splitQuestionThread finds the latest clarifying-questions comment and
// returns its questions plus everything posted after it. Without one, every
// comment counts as a reply.
func splitQuestionThread(comments []tracker.Comment) ([]string, []tracker.Comment) {
	qIdx := -1
	for i := range comments {
		if stages.IsQuestionsComment(comments[i].Body) {
			qIdx = i
		}
	}
	if qIdx == -1 {
		return nil, comments
	}
	return stages.ExtractQuestions(comments[qIdx].Body), comments[qIdx+1:]
}

// generatePrompt assembles the execution brief and hands the ticket to the
// execution queue.
func (p *Processor) generatePrompt(ctx context.Context, ticket *tracker.Ticket) (string, error) {
	comments, err := p.tracker.ListComments(ctx, ticket.ID)
	if err != nil {
		return "", fmt.Errorf("list comments for %s: %w", ticket.Key, err)
	}
	result, err := p.pipeline.GeneratePrompt(ctx, ticket, comments)
	if err != nil {
		return "", err
	}

	task, err := p.exec.Enqueue(ticket.ID, ticket.Key, result.Prompt, executePriority)
	if err != nil {
		return "", fmt.Errorf("enqueue execution for %s: %w", ticket.Key, err)
	}
	if task == nil {
		p.logger.Warn("Ticket %s already has an execution task; keeping the existing one", ticket.Key)
	} else {
		p.logger.Info("Queued execution task %d for %s", task.ID, ticket.Key)
	}
	if err := p.moveLabel(ctx, ticket, tracker.LabelExecuting); err != nil {
		return "", err
	}
	return marshalOutput(result), nil
}

// syncState reconciles a ticket's labels against what the store knows and
// applies the resulting plan.
func (p *Processor) syncState(ctx context.Context, ticket *tracker.Ticket) (string, error) {
	snap := stages.StateSnapshot{}
	var err error
	if snap.HasActiveExecution, err = p.exec.HasActiveForTicket(ticket.ID); err != nil {
		return "", err
	}
	// The sync task itself is a processing coordination row, so this is
	// always true while it runs; the cancel below only touches pending rows.
	if snap.HasActiveCoordination, err = p.coord.HasActiveForTicket(ticket.ID); err != nil {
		return "", err
	}
	sess, err := p.store.GetLatestSessionForTicket(ticket.ID)
	switch {
	case err == nil:
		snap.SessionStatus = sess.Status
	case errors.Is(err, persistence.ErrSessionNotFound):
	default:
		return "", err
	}

	plan := p.pipeline.SyncState(ticket, snap)
	if plan.Empty() {
		return marshalOutput(plan), nil
	}

	if plan.CancelPending {
		for _, q := range []persistence.QueueKind{persistence.QueueCoordination, persistence.QueueExecution} {
			n, err := p.store.CancelPendingByTicket(q, ticket.ID)
			if err != nil {
				return "", err
			}
			if n > 0 {
				p.logger.Info("Cancelled %d pending %s tasks for %s", n, q, ticket.Key)
			}
		}
	}
	for _, l := range plan.RemoveLabels {
		if err := p.tracker.RemoveLabel(ctx, ticket.ID, l); err != nil {
			return "", err
		}
	}
	if plan.AddLabel != "" {
		if err := p.tracker.AddLabel(ctx, ticket.ID, plan.AddLabel); err != nil {
			return "", err
		}
	}
	if plan.Comment != "" {
		if _, err := p.tracker.CreateComment(ctx, ticket.ID, plan.Comment); err != nil {
			return "", err
		}
	}
	return marshalOutput(plan), nil
}

// moveLabel advances the ticket's workflow label. Tickets entering the
// pipeline may have none yet.
func (p *Processor) moveLabel(ctx context.Context, ticket *tracker.Ticket, to string) error {
	from := ticket.WorkflowLabel()
	if from == to {
		return nil
	}
	var err error
	if from == "" {
		err = p.tracker.AddLabel(ctx, ticket.ID, to)
	} else {
		err = p.tracker.ReplaceLabels(ctx, ticket.ID, from, to)
	}
	if err != nil {
		return fmt.Errorf("move %s to %s: %w", ticket.Key, to, err)
	}
	return nil
}

// failTask burns one retry. A terminal failure surfaces on the ticket so a
// human knows the pipeline gave up.
func (p *Processor) failTask(ctx context.Context, task *persistence.Task, stageErr error) {
	p.logger.Error("%s task %d for %s failed: %v", task.TaskType, task.ID, task.TicketKey, stageErr)
	willRetry, err := p.coord.Fail(task, stageErr.Error())
	if err != nil {
		p.logger.Error("Failed to record failure for task %d: %v", task.ID, err)
		return
	}
	if willRetry {
		return
	}

	body := fmt.Sprintf("Automated processing (%s) for %s stopped after %d attempts: %v",
		task.TaskType, task.TicketKey, task.RetryCount+1, stageErr)
	if _, err := p.tracker.CreateComment(ctx, task.TicketID, body); err != nil {
		p.logger.Warn("Failed to post failure comment on %s: %v", task.TicketKey, err)
	}
}

func marshalOutput(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}
