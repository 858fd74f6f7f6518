package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"foreman/pkg/coder"
	"foreman/pkg/persistence"
	"foreman/pkg/tracker"
	"foreman/pkg/workspace"
)

// Agent run outcomes as recorded in metrics.
const (
	outcomeSuccess     = "success"
	outcomeFailure     = "failure"
	outcomeTimeout     = "timeout"
	outcomeError       = "error"
	outcomeInterrupted = "interrupted"
)

// runAttempt drives one execution attempt end to end on the worker goroutine.
// A dequeued task carrying an external session id is a resume: either the
// resume tooling stamped it onto a fresh row, or a crash requeued the row with
// the id still attached. Everything else starts clean.
func (p *Pool) runAttempt(ctx context.Context, task *persistence.Task) attemptResult {
	res := attemptResult{task: task}

	resume := task.ExternalSessionID != ""
	if resume {
		sess, ws, err := p.prepareResume(task)
		if err != nil {
			p.logger.Warn("Cannot resume session for task %d (%s): %v; starting fresh", task.ID, task.TicketKey, err)
			resume = false
		} else {
			res.session, res.ws = sess, ws
			p.logger.Info("Resuming session %s for ticket %s (task %d)", task.ExternalSessionID, task.TicketKey, task.ID)
		}
	}
	if !resume {
		sess, ws, err := p.prepareFresh(ctx, task)
		if err != nil {
			res.failMsg = err.Error()
			return res
		}
		res.session, res.ws = sess, ws
	}

	sessionID := res.session.ID
	opts := coder.RunOptions{
		Prompt:    task.Prompt,
		WorkDir:   res.ws.Path,
		TicketKey: task.TicketKey,
		OnSessionID: func(id string) {
			// Persist immediately: this id is the only handle for a later
			// resume, and the process may die at any point after printing it.
			if err := p.store.CaptureSessionExternalID(sessionID, id); err != nil {
				p.logger.Error("Failed to record session id %s: %v", id, err)
			}
			if err := p.store.CaptureTaskSessionID(task.ID, id); err != nil {
				p.logger.Error("Failed to record session id %s on task %d: %v", id, task.ID, err)
			}
		},
	}
	if resume {
		opts.ResumeSessionID = task.ExternalSessionID
	}

	res.result, res.runErr = p.runner.Run(ctx, opts)
	res.interrupted = res.runErr != nil && errors.Is(res.runErr, context.Canceled)
	return res
}

// prepareResume validates that the attempt can pick its session back up:
// the session row must exist, the external id must have been captured, and
// the workspace must still be on disk. The session may already be active
// (the resume tooling flips it when it enqueues) or still interrupted (a
// crash requeued the task); the latter is flipped here.
func (p *Pool) prepareResume(task *persistence.Task) (*persistence.SessionRecord, *workspace.Workspace, error) {
	sess, err := p.store.GetSessionByTask(task.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("no session for task: %w", err)
	}
	if sess.ExternalSessionID == "" {
		return nil, nil, fmt.Errorf("session %d never captured an external id", sess.ID)
	}
	if task.WorkspacePath == "" || !p.spaces.Exists(task.WorkspacePath) {
		if sess.Status == persistence.SessionInterrupted {
			if markErr := p.store.MarkSessionFailed(sess.ID, "workspace no longer exists"); markErr != nil {
				p.logger.Error("Failed to mark session %d failed: %v", sess.ID, markErr)
			}
		}
		return nil, nil, fmt.Errorf("workspace %q no longer exists", task.WorkspacePath)
	}

	switch sess.Status {
	case persistence.SessionActive:
		// Already flipped by the resume tooling at enqueue time.
	case persistence.SessionInterrupted:
		if err := p.store.MarkSessionResumed(sess.ID, task.ID); err != nil {
			return nil, nil, fmt.Errorf("failed to reactivate session %d: %w", sess.ID, err)
		}
	default:
		return nil, nil, fmt.Errorf("session %d is %s, not resumable", sess.ID, sess.Status)
	}
	return sess, &workspace.Workspace{Path: task.WorkspacePath, Branch: task.BranchName}, nil
}

// prepareFresh allocates a clean workspace and opens the session row for a
// first (or retried) attempt.
func (p *Pool) prepareFresh(ctx context.Context, task *persistence.Task) (*persistence.SessionRecord, *workspace.Workspace, error) {
	ws, err := p.spaces.Allocate(ctx, task.TicketKey)
	if err != nil {
		return nil, nil, fmt.Errorf("workspace allocation failed: %w", err)
	}
	if err := p.store.SetTaskWorkspace(task.ID, ws.Path, ws.Branch); err != nil {
		p.spaces.Release(ws)
		return nil, nil, fmt.Errorf("failed to record workspace: %w", err)
	}
	sess, err := p.store.CreateSession(task.TicketID, task.TicketKey, task.ID, ws.Path, ws.Branch)
	if err != nil {
		p.spaces.Release(ws)
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, ws, nil
}

// finishAttempt settles one attempt: queue row, session row, ticket
// notifications, workspace. Runs on the pool loop goroutine.
func (p *Pool) finishAttempt(ctx context.Context, res attemptResult) {
	switch {
	case res.failMsg != "":
		p.metrics.ObserveAgentRun(outcomeError, 0)
		p.failAttempt(ctx, res, res.failMsg)
	case res.interrupted:
		p.metrics.ObserveAgentRun(outcomeInterrupted, res.result.Duration)
		// Leave the task processing and the workspace on disk: the startup
		// sweep requeues the task, and the stamped session id lets the next
		// attempt resume where this one stopped.
		if res.session != nil {
			if err := p.store.MarkSessionInterrupted(res.session.ID, "daemon shutting down"); err != nil {
				p.logger.Error("Failed to mark session %d interrupted: %v", res.session.ID, err)
			}
		}
		p.logger.Warn("Run for ticket %s interrupted by shutdown; session preserved for resume", res.task.TicketKey)
	case res.runErr != nil:
		p.metrics.ObserveAgentRun(outcomeError, res.result.Duration)
		p.failAttempt(ctx, res, res.result.Error)
	case res.result.TimedOut:
		p.metrics.ObserveAgentRun(outcomeTimeout, res.result.Duration)
		p.failAttempt(ctx, res, res.result.Error)
	case res.result.Success:
		p.metrics.ObserveAgentRun(outcomeSuccess, res.result.Duration)
		p.completeAttempt(ctx, res)
	default:
		p.metrics.ObserveAgentRun(outcomeFailure, res.result.Duration)
		msg := res.result.Error
		if msg == "" {
			msg = "agent run failed"
		}
		p.failAttempt(ctx, res, msg)
	}
}

func (p *Pool) completeAttempt(ctx context.Context, res attemptResult) {
	task := res.task
	if res.result.ResultURL != "" || res.result.CommitSHA != "" {
		if err := p.store.SetTaskResult(task.ID, res.result.ResultURL, res.result.CommitSHA); err != nil {
			p.logger.Error("Failed to record result refs on task %d: %v", task.ID, err)
		}
	}
	if err := p.queue.Complete(task, reportJSON(res.result)); err != nil {
		p.logger.Error("Failed to complete task %d: %v", task.ID, err)
	}
	if res.session != nil {
		if err := p.store.MarkSessionCompleted(res.session.ID); err != nil {
			p.logger.Error("Failed to mark session %d completed: %v", res.session.ID, err)
		}
	}
	p.notifySuccess(ctx, task, res.result)
	p.spaces.Release(res.ws)
}

func (p *Pool) failAttempt(ctx context.Context, res attemptResult, msg string) {
	if msg == "" {
		msg = "agent run failed"
	}
	willRetry, err := p.queue.Fail(res.task, msg)
	if err != nil {
		p.logger.Error("Failed to record failure for task %d: %v", res.task.ID, err)
	}
	if res.session != nil {
		if markErr := p.store.MarkSessionFailed(res.session.ID, msg); markErr != nil {
			p.logger.Error("Failed to mark session %d failed: %v", res.session.ID, markErr)
		}
	}
	if err == nil && !willRetry {
		p.notifyFailure(ctx, res.task, msg)
	}
	// A retry starts over with a clean clone, so the workspace goes either way.
	p.spaces.Release(res.ws)
}

func (p *Pool) notifySuccess(ctx context.Context, task *persistence.Task, result coder.Result) {
	var b strings.Builder
	fmt.Fprintf(&b, "Automated run for %s finished.", task.TicketKey)
	if s := strings.TrimSpace(result.Summary); s != "" {
		b.WriteString("\n\n")
		b.WriteString(s)
	}
	if result.ResultURL != "" {
		fmt.Fprintf(&b, "\n\nPull request: %s", result.ResultURL)
	}
	if result.CommitSHA != "" {
		fmt.Fprintf(&b, "\nCommit: %s", result.CommitSHA)
	}

	if _, err := p.tracker.CreateComment(ctx, task.TicketID, b.String()); err != nil {
		p.logger.Warn("Failed to post completion comment for %s: %v", task.TicketKey, err)
	}
	if err := p.tracker.ReplaceLabels(ctx, task.TicketID, tracker.LabelExecuting, tracker.LabelCompleted); err != nil {
		p.logger.Warn("Failed to update labels for %s: %v", task.TicketKey, err)
	}
}

func (p *Pool) notifyFailure(ctx context.Context, task *persistence.Task, msg string) {
	// RetryCount was read at claim time; the terminal failure just added one.
	attempts := task.RetryCount + 1
	body := fmt.Sprintf("Automated run for %s failed after %d attempt(s): %s", task.TicketKey, attempts, msg)

	if _, err := p.tracker.CreateComment(ctx, task.TicketID, body); err != nil {
		p.logger.Warn("Failed to post failure comment for %s: %v", task.TicketKey, err)
	}
	if err := p.tracker.ReplaceLabels(ctx, task.TicketID, tracker.LabelExecuting, tracker.LabelFailed); err != nil {
		p.logger.Warn("Failed to update labels for %s: %v", task.TicketKey, err)
	}
}

// runReport is the JSON payload stored as the completed task's output.
//
//nolint:govet // field order favors readability over alignment
type runReport struct {
	Success         bool     `json:"success"`
	Summary         string   `json:"summary,omitempty"`
	Error           string   `json:"error,omitempty"`
	ResultURL       string   `json:"result_url,omitempty"`
	CommitSHA       string   `json:"commit_sha,omitempty"`
	ExitCode        int      `json:"exit_code"`
	DurationSeconds float64  `json:"duration_seconds"`
	Responses       int      `json:"responses"`
	Display         []string `json:"display,omitempty"`
}

func reportJSON(result coder.Result) string {
	report := runReport{
		Success:         result.Success,
		Summary:         result.Summary,
		Error:           result.Error,
		ResultURL:       result.ResultURL,
		CommitSHA:       result.CommitSHA,
		ExitCode:        result.ExitCode,
		DurationSeconds: result.Duration.Seconds(),
		Responses:       result.Responses,
		Display:         result.Display,
	}
	data, err := json.Marshal(report)
	if err != nil {
		return "{}"
	}
	return string(data)
}
