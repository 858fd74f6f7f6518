package coder

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"foreman/pkg/config"
	"foreman/pkg/exec"
)

// fakeExecutor replays a scripted stdout stream through the OnLine callback.
type fakeExecutor struct {
	lines    []string
	exitCode int
	timedOut bool
	runErr   error
	lastCmd  []string
	lastOpts *exec.Opts
}

func (f *fakeExecutor) Run(_ context.Context, cmd []string, opts *exec.Opts) (exec.Result, error) {
	f.lastCmd = cmd
	f.lastOpts = opts
	if f.runErr != nil {
		return exec.Result{ExitCode: -1}, f.runErr
	}
	var stdout strings.Builder
	for _, line := range f.lines {
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		if opts.OnLine != nil {
			opts.OnLine(line)
		}
	}
	return exec.Result{Stdout: stdout.String(), ExitCode: f.exitCode, TimedOut: f.timedOut}, nil
}

func (f *fakeExecutor) Name() string    { return "fake" }
func (f *fakeExecutor) Available() bool { return true }

func testAgentConfig() config.AgentConfig {
	return config.AgentConfig{
		Command:          "claude",
		BranchPrefix:     "foreman/",
		TimeoutMinutes:   1,
		KillGraceSeconds: 1,
		DisplayLines:     10,
	}
}

func scriptedRun(t *testing.T, fake *fakeExecutor, opts RunOptions) Result {
	t.Helper()
	runner := NewRunner(fake, testAgentConfig())
	res, err := runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return res
}

func TestRunnerClassifiesSuccessfulRun(t *testing.T) {
	fake := &fakeExecutor{
		lines: []string{
			`{"type":"system","subtype":"init","session_id":"sess-9"}`,
			`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"Bash"}]},"session_id":"sess-9"}`,
			`{"type":"assistant","message":{"content":[{"type":"text","text":"Opened the PR."}]},"session_id":"sess-9"}`,
			`{"type":"result","subtype":"success","is_error":false,"result":"Done: https://github.com/acme/app/pull/5 commit abc1234","session_id":"sess-9"}`,
		},
	}

	res := scriptedRun(t, fake, RunOptions{Prompt: "fix the bug", TicketKey: "PROJ-1", WorkDir: "/tmp"})

	if !res.Success {
		t.Errorf("expected success, got error %q", res.Error)
	}
	if res.SessionID != "sess-9" {
		t.Errorf("expected captured session id sess-9, got %q", res.SessionID)
	}
	if res.ResultURL != "https://github.com/acme/app/pull/5" {
		t.Errorf("unexpected result URL %q", res.ResultURL)
	}
	if res.CommitSHA != "abc1234" {
		t.Errorf("unexpected commit %q", res.CommitSHA)
	}
	if res.Responses != 1 {
		t.Errorf("expected 1 assistant response, got %d", res.Responses)
	}
	if len(res.Display) == 0 {
		t.Error("expected display lines to be retained")
	}
}

func TestRunnerFiresSessionIDCallbackOnce(t *testing.T) {
	fake := &fakeExecutor{
		lines: []string{
			`{"type":"system","subtype":"init","session_id":"sess-1"}`,
			`{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]},"session_id":"sess-1"}`,
			`{"type":"result","subtype":"success","result":"ok","session_id":"sess-1"}`,
		},
	}

	var captured []string
	scriptedRun(t, fake, RunOptions{
		Prompt:      "work",
		OnSessionID: func(id string) { captured = append(captured, id) },
	})

	if len(captured) != 1 {
		t.Fatalf("expected exactly one session id callback, got %d: %v", len(captured), captured)
	}
	if captured[0] != "sess-1" {
		t.Errorf("expected sess-1, got %q", captured[0])
	}
}

func TestRunnerTimeoutIsFailure(t *testing.T) {
	fake := &fakeExecutor{
		lines: []string{
			`{"type":"assistant","message":{"content":[{"type":"text","text":"still working"}]}}`,
		},
		exitCode: -1,
		timedOut: true,
	}

	res := scriptedRun(t, fake, RunOptions{Prompt: "long job"})

	if res.Success {
		t.Error("expected timed-out run to fail")
	}
	if !res.TimedOut {
		t.Error("expected TimedOut to be set")
	}
	if res.Error != "timed out" {
		t.Errorf("expected error %q, got %q", "timed out", res.Error)
	}
}

func TestRunnerBuildsNewSessionCommand(t *testing.T) {
	fake := &fakeExecutor{lines: []string{`{"type":"result","result":"ok"}`}}

	scriptedRun(t, fake, RunOptions{Prompt: "implement the endpoint", TicketKey: "PROJ-2"})

	cmd := strings.Join(fake.lastCmd, " ")
	if !strings.HasPrefix(cmd, "claude --print --output-format stream-json --verbose") {
		t.Errorf("unexpected command prefix: %s", cmd)
	}
	if strings.Contains(cmd, "--resume") {
		t.Error("new session must not pass --resume")
	}
	last := fake.lastCmd[len(fake.lastCmd)-1]
	if !strings.Contains(last, "implement the endpoint") {
		t.Errorf("prompt missing from command: %q", last)
	}
	if !strings.Contains(last, MarkerSuccess) {
		t.Error("result instructions not appended to prompt")
	}
	if fake.lastCmd[len(fake.lastCmd)-2] != "--" {
		t.Error("prompt must ride behind the -- separator")
	}
	if fake.lastOpts == nil || len(fake.lastOpts.Env) == 0 || !strings.Contains(fake.lastOpts.Env[0], "PROJ-2") {
		t.Errorf("ticket key not exported to the environment: %+v", fake.lastOpts)
	}
}

func TestRunnerBuildsResumeCommand(t *testing.T) {
	fake := &fakeExecutor{lines: []string{`{"type":"result","result":"ok"}`}}

	scriptedRun(t, fake, RunOptions{ResumeSessionID: "sess-77"})

	cmd := strings.Join(fake.lastCmd, " ")
	if !strings.Contains(cmd, "--resume sess-77") {
		t.Errorf("expected --resume with the session id, got: %s", cmd)
	}
	last := fake.lastCmd[len(fake.lastCmd)-1]
	if !strings.Contains(last, "Continue working") {
		t.Errorf("expected default resume input, got %q", last)
	}
}

func TestRunnerRequiresPrompt(t *testing.T) {
	runner := NewRunner(&fakeExecutor{}, testAgentConfig())
	if _, err := runner.Run(context.Background(), RunOptions{}); err == nil {
		t.Error("expected error for missing prompt")
	}
}

func TestRunnerSurfacesExecFailure(t *testing.T) {
	fake := &fakeExecutor{runErr: fmt.Errorf("binary not found")}
	runner := NewRunner(fake, testAgentConfig())

	res, err := runner.Run(context.Background(), RunOptions{Prompt: "work"})
	if err == nil {
		t.Fatal("expected error when the process cannot start")
	}
	if res.Success {
		t.Error("expected failed result")
	}
}

func TestRunnerBoundsDisplay(t *testing.T) {
	cfg := testAgentConfig()
	cfg.DisplayLines = 2

	var lines []string
	for i := 0; i < 6; i++ {
		lines = append(lines, fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":"step %d"}]}}`, i))
	}
	fake := &fakeExecutor{lines: lines}

	runner := NewRunner(fake, cfg)
	res, err := runner.Run(context.Background(), RunOptions{Prompt: "work"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Display) != 2 {
		t.Fatalf("expected display bounded to 2 lines, got %d", len(res.Display))
	}
	if res.Display[1] != "step 5" {
		t.Errorf("expected newest line retained, got %q", res.Display[1])
	}
}
