package exec

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"
)

// maxLineBytes bounds a single stdout line. Structured agent output can carry
// large JSON payloads on one line.
const maxLineBytes = 1024 * 1024

// LocalExec executes commands directly on the local system. Each process is
// started in its own process group so termination reaches any children it
// spawned.
type LocalExec struct{}

// NewLocalExec creates a new LocalExec executor.
func NewLocalExec() *LocalExec {
	return &LocalExec{}
}

// Name returns the executor type name.
func (e *LocalExec) Name() string {
	return "local"
}

// Available returns true since local execution is always available.
func (e *LocalExec) Available() bool {
	return true
}

// Run executes a command locally with the given options. A non-zero exit code
// is reported in the Result, not as an error; errors are reserved for
// failures to start or supervise the process. When the deadline fires the
// process group receives SIGTERM, then SIGKILL after the grace period, and
// Result.TimedOut is set.
func (e *LocalExec) Run(ctx context.Context, cmd []string, opts *Opts) (Result, error) {
	if len(cmd) == 0 {
		return Result{}, fmt.Errorf("command cannot be empty")
	}
	if opts == nil {
		defaults := DefaultOpts()
		opts = &defaults
	}

	startTime := time.Now()

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := osexec.Command(cmd[0], cmd[1:]...)
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if opts.WorkDir != "" {
		if _, err := os.Stat(opts.WorkDir); os.IsNotExist(err) {
			return Result{ExitCode: -1}, fmt.Errorf("working directory does not exist: %s", opts.WorkDir)
		}
		execCmd.Dir = opts.WorkDir
	}

	if len(opts.Env) > 0 {
		execCmd.Env = append(os.Environ(), opts.Env...)
	}

	var stderrBuf bytes.Buffer
	execCmd.Stderr = &stderrBuf

	stdout, err := execCmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := execCmd.Start(); err != nil {
		return Result{ExitCode: -1, Duration: time.Since(startTime)}, fmt.Errorf("failed to start %s: %w", cmd[0], err)
	}

	exited := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			terminate(execCmd.Process.Pid, opts.killGrace(), exited)
		case <-exited:
		}
	}()

	var stdoutBuf strings.Builder
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		stdoutBuf.WriteString(line)
		stdoutBuf.WriteByte('\n')
		if opts.OnLine != nil {
			opts.OnLine(line)
		}
	}
	if scanner.Err() != nil {
		// A line overflowed the buffer. Drain the pipe so the child is not
		// blocked writing to it.
		_, _ = io.Copy(io.Discard, stdout)
	}

	waitErr := execCmd.Wait()
	close(exited)

	result := Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(startTime),
	}

	if waitErr != nil {
		var exitErr *osexec.ExitError
		if errors.As(waitErr, &exitErr) {
			// Non-zero exit or killed by signal; the caller checks ExitCode.
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = -1
			return result, fmt.Errorf("failed to wait for %s: %w", cmd[0], waitErr)
		}
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}

	return result, nil
}

// terminate escalates: SIGTERM to the process group, then SIGKILL once the
// grace period passes without the process exiting.
func terminate(pid int, grace time.Duration, exited <-chan struct{}) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-exited:
	case <-time.After(grace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
	}
}
