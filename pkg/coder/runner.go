package coder

import (
	"context"
	"fmt"
	"strings"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/exec"
	"foreman/pkg/logx"
)

// resultInstructions is appended to every prompt so the run always ends in
// something Classify can work with, even when the agent cannot emit
// structured result events.
const resultInstructions = "When you are finished, print a final line containing exactly " +
	MarkerSuccess + " if the work succeeded, or " + MarkerFailure + ": <reason> if it did not. " +
	"Include the pull request URL and the commit hash in your final message when you created them."

// defaultResumeInput is used when a session is resumed without an operator note.
const defaultResumeInput = "Continue working on this ticket from where the session left off."

// RunOptions describes one agent invocation.
type RunOptions struct {
	// Prompt is the work brief passed to the agent.
	Prompt string

	// WorkDir is the allocated workspace the agent runs in.
	WorkDir string

	// TicketKey is exported to the agent's environment.
	TicketKey string

	// ResumeSessionID resumes a previous agent session instead of starting
	// a fresh one.
	ResumeSessionID string

	// OnSessionID fires once, the first time the stream reveals the
	// agent-assigned session id.
	OnSessionID func(id string)

	// OnLine receives each rendered display line as it is produced.
	OnLine func(line string)
}

// Result is the reduced outcome of one agent run.
//
//nolint:govet // Field order favors readability over packing
type Result struct {
	Success   bool
	TimedOut  bool
	Error     string
	Summary   string
	ResultURL string
	CommitSHA string
	SessionID string
	ExitCode  int
	Duration  time.Duration
	Display   []string
	Responses int
}

// Runner launches the coding agent CLI for one execution attempt.
type Runner struct {
	executor exec.Executor
	cfg      config.AgentConfig
	logger   *logx.Logger
}

// NewRunner creates a Runner over the given executor.
func NewRunner(executor exec.Executor, cfg config.AgentConfig) *Runner {
	return &Runner{
		executor: executor,
		cfg:      cfg,
		logger:   logx.NewLogger("coder"),
	}
}

// Run executes the agent and reduces its output stream to a Result. A failed
// run is a Result with Success=false; the error return is reserved for the
// process failing to start or the context being cancelled from outside.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (Result, error) {
	if opts.Prompt == "" && opts.ResumeSessionID == "" {
		return Result{}, fmt.Errorf("prompt is required for a new session")
	}

	startTime := time.Now()
	display := NewDisplay(r.cfg.DisplayLines)

	var events []*Event
	captured := ""

	// Line callbacks are sequential from the executor's reading loop, so the
	// accumulation here needs no locking.
	onLine := func(line string) {
		ev := ParseLine(line)
		if ev == nil {
			return
		}
		events = append(events, ev)
		display.Add(ev.Text)
		if opts.OnLine != nil && ev.Text != "" {
			opts.OnLine(ev.Text)
		}
		if captured == "" && ev.SessionID != "" {
			captured = ev.SessionID
			if opts.OnSessionID != nil {
				opts.OnSessionID(captured)
			}
		}
	}

	var env []string
	if opts.TicketKey != "" {
		env = append(env, "FOREMAN_TICKET_KEY="+opts.TicketKey)
	}

	execOpts := exec.Opts{
		WorkDir:   opts.WorkDir,
		Timeout:   r.cfg.Timeout(),
		KillGrace: r.cfg.KillGrace(),
		Env:       env,
		OnLine:    onLine,
	}

	if opts.ResumeSessionID != "" {
		r.logger.Info("Resuming agent session %s for %s: workdir=%s timeout=%s",
			opts.ResumeSessionID, opts.TicketKey, opts.WorkDir, r.cfg.Timeout())
	} else {
		r.logger.Info("Starting agent run for %s: workdir=%s timeout=%s",
			opts.TicketKey, opts.WorkDir, r.cfg.Timeout())
	}

	execRes, err := r.executor.Run(ctx, r.buildCommand(opts), &execOpts)
	duration := time.Since(startTime)

	if err != nil {
		result := Result{
			Success:   false,
			Error:     err.Error(),
			SessionID: captured,
			ExitCode:  execRes.ExitCode,
			Duration:  duration,
			Display:   display.Lines(),
			Responses: countResponses(events),
		}
		return result, fmt.Errorf("agent execution failed: %w", err)
	}

	result := Classify(events, execRes.ExitCode)
	result.SessionID = captured
	result.ExitCode = execRes.ExitCode
	result.Duration = duration
	result.Display = display.Lines()
	result.Responses = countResponses(events)

	if execRes.TimedOut {
		result.TimedOut = true
		result.Success = false
		result.Error = "timed out"
	}

	r.logger.Info("Agent run finished for %s: success=%v exit=%d responses=%d duration=%s",
		opts.TicketKey, result.Success, result.ExitCode, result.Responses, duration)

	return result, nil
}

// buildCommand constructs the agent CLI invocation. In print mode --resume
// requires the session id as its argument; the prompt rides behind -- so
// leading dashes in generated text cannot be taken for flags.
func (r *Runner) buildCommand(opts RunOptions) []string {
	cmd := []string{
		r.cfg.Command,
		"--print",
		"--output-format", "stream-json",
		"--verbose",
	}

	if opts.ResumeSessionID != "" {
		cmd = append(cmd, "--resume", opts.ResumeSessionID)
	}

	prompt := strings.TrimSpace(opts.Prompt)
	if prompt == "" {
		prompt = defaultResumeInput
	}
	cmd = append(cmd, "--", prompt+"\n\n"+resultInstructions)

	return cmd
}
