// Package sandbox confines tool side effects to a session.
//
// The Resolver maps caller-supplied paths onto a session's root directory and
// rejects anything that escapes it. The Executor spawns external commands in
// that root with a sanitized environment, a timeout combined with the caller's
// context, and process-group termination so children never outlive an attempt.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrViolation marks a path or working directory outside the session root.
	ErrViolation = errors.New("sandbox violation")

	// ErrNoSession is returned when a filesystem or process operation is
	// attempted without a session identifier.
	ErrNoSession = errors.New("session id is required")

	// ErrTimeout marks an execution that was killed for exceeding its timeout.
	ErrTimeout = errors.New("execution timed out")

	// ErrInvalidRequest marks a request that cannot be executed as given.
	ErrInvalidRequest = errors.New("invalid execution request")

	// ErrUnknownStrategy is returned for strategy names the Executor does not offer.
	ErrUnknownStrategy = errors.New("unknown execution strategy")
)

// ViolationError describes a rejected path.
type ViolationError struct {
	SessionID string
	Path      string
	Reason    string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox violation: path %q %s", e.Path, e.Reason)
}

// Is makes errors.Is(err, ErrViolation) true for any *ViolationError.
func (e *ViolationError) Is(target error) bool { return target == ErrViolation }

// TimeoutError reports the limit an execution exceeded.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("execution timed out after %s", e.After)
}

// Is makes errors.Is(err, ErrTimeout) true for any *TimeoutError.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ExitError reports a command that ran to completion with a non-zero status.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if i := strings.LastIndexByte(msg, '\n'); i >= 0 {
		msg = msg[i+1:]
	}
	if msg == "" {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return fmt.Sprintf("exit status %d: %s", e.Code, msg)
}

// CheckExit converts a non-zero exit code into an *ExitError.
func CheckExit(res *Result) error {
	if res == nil || res.ExitCode == 0 {
		return nil
	}
	return &ExitError{Code: res.ExitCode, Stderr: res.Stderr}
}

// Strategy names an execution strategy offered by the Executor.
type Strategy string

const (
	// StrategyShell runs the command string through the primary shell.
	StrategyShell Strategy = "shell"
	// StrategyAlternateShell runs it through the first other configured interpreter.
	StrategyAlternateShell Strategy = "alternate_shell"
	// StrategyDirect executes the binary directly with tokenized arguments.
	StrategyDirect Strategy = "direct"
	// StrategyScript writes the command to a temporary script and executes it.
	StrategyScript Strategy = "script"
	// StrategyInterpreterCycle tries every interpreter in turn, cycling with backoff.
	StrategyInterpreterCycle Strategy = "interpreter_cycle"
	// StrategyContainer runs the command inside an ephemeral Docker container.
	StrategyContainer Strategy = "container"
)

// Stream identifies the output stream a line came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// Request defines what to run and under what constraints.
type Request struct {
	// Command is the command line. Shell strategies interpret it; the direct
	// strategy splits it into an executable and arguments.
	Command string

	// Args are appended verbatim after the tokenized command (direct strategy only).
	Args []string

	// SessionID selects the session root. Required.
	SessionID string

	// WorkingDir is resolved against the session root. Empty = the root itself.
	WorkingDir string

	// Env adds extra environment variables to the sanitized base set.
	Env map[string]string

	// Timeout overrides the executor default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use executor defaults.
	Limits ResourceLimits

	// OnLine, when set, receives every complete output line as it is produced.
	// Calls are serialized.
	OnLine func(stream Stream, line string)
}

// ResourceLimits constrains the spawned process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t). Negative disables.
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v). Negative disables.
}

// Result captures the outcome of an execution.
type Result struct {
	Stdout      string
	Stderr      string
	ExitCode    int
	Duration    time.Duration
	Strategy    Strategy
	Interpreter string // program that ran the command
	Dir         string // resolved working directory
	Spawns      int    // processes spawned; more than one for interpreter_cycle
}

// ExecutionEvent describes one finished Execute call.
type ExecutionEvent struct {
	Strategy  Strategy
	SessionID string
	Result    *Result // nil when the strategy failed before spawning
	Err       error
	Duration  time.Duration
}

// ExecutionObserver receives execution events inline with Execute.
// Implementations must be safe for concurrent use.
type ExecutionObserver interface {
	OnExecution(ctx context.Context, ev ExecutionEvent)
}
