// Package exec provides command execution for the agent supervisor. The one
// real implementation runs processes locally in their own process group with
// line-streamed stdout and signal-escalated termination; the interface exists
// so the supervisor can be tested against a scripted executor.
package exec

import (
	"context"
	"time"
)

// Executor defines the interface for running external commands.
type Executor interface {
	// Run executes a command with the given options and returns the result.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor name for logging.
	Name() string

	// Available returns true if this executor can be used in the current environment.
	Available() bool
}

// Opts contains options for command execution.
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format) appended
	// to the parent environment.
	Env []string

	// WorkDir is the working directory for the command.
	WorkDir string

	// Timeout is the wall-clock limit for the run. Zero means no limit.
	Timeout time.Duration

	// KillGrace is how long the process gets between SIGTERM and SIGKILL
	// once the timeout fires or the context is cancelled.
	KillGrace time.Duration

	// OnLine, when set, receives each stdout line as it is read. Calls are
	// sequential; the callback must not block for long or it stalls the
	// process's stdout pipe.
	OnLine func(line string)
}

func (o *Opts) killGrace() time.Duration {
	if o.KillGrace <= 0 {
		return 10 * time.Second
	}
	return o.KillGrace
}

// Result contains the result of command execution.
type Result struct {
	// Stdout contains the captured standard output.
	Stdout string

	// Stderr contains the captured standard error.
	Stderr string

	// ExitCode is the process exit code; -1 when the process was killed by a
	// signal or never started.
	ExitCode int

	// Duration is how long the run took.
	Duration time.Duration

	// TimedOut reports that the wall-clock timeout killed the process.
	TimedOut bool
}

// DefaultOpts returns default execution options.
func DefaultOpts() Opts {
	return Opts{
		Timeout:   5 * time.Minute,
		KillGrace: 10 * time.Second,
	}
}
