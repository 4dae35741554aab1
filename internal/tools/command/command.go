// Package command implements the sandboxed shell command tool.
// All commands run through the sandbox executor, never directly on the host.
package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

// Name is the registry name of the command tool.
const Name = "command"

// Output is returned by every command method on success.
type Output struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	Strategy string `json:"strategy"`
	Duration string `json:"duration"`
}

// Tool executes shell commands inside a session root.
type Tool struct {
	exec   *sandbox.Executor
	logger *slog.Logger
	alts   []tools.Method
}

// alternativeStrategies lists the executor strategies tried after the primary
// shell, in order. Strategies the executor does not offer are skipped.
var alternativeStrategies = []sandbox.Strategy{
	sandbox.StrategyAlternateShell,
	sandbox.StrategyDirect,
	sandbox.StrategyScript,
	sandbox.StrategyInterpreterCycle,
	sandbox.StrategyContainer,
}

// New creates a command tool that delegates all execution to exec.
func New(exec *sandbox.Executor, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &Tool{exec: exec, logger: logger}
	for _, s := range alternativeStrategies {
		if !exec.Supports(s) {
			continue
		}
		t.alts = append(t.alts, tools.Method{Name: string(s), Run: t.method(s)})
	}
	return t
}

func (t *Tool) Spec() tools.Spec {
	return tools.Spec{
		Name:               Name,
		Description:        "Execute a shell command inside the session directory",
		Capabilities:       tools.Capabilities("shell", "execute", "process", "command"),
		RequiresFileSystem: true,
		PathParams:         []string{"working_dir"},
	}
}

// EstimateCost returns 0: local commands have no monetary cost.
func (t *Tool) EstimateCost(*tools.Invocation) float64 { return 0 }

func (t *Tool) Alternatives() []tools.Method { return t.alts }

// Validate checks that required params are present and well-formed.
//
// Required params:
//
//	"command" (string): the command line to execute
//
// Optional params:
//
//	"timeoutSeconds" (int > 0): overrides the executor default
//	"working_dir" (string): session-relative working directory
func (t *Tool) Validate(inv *tools.Invocation) error {
	_, err := parseRequest(inv)
	return err
}

// Primary runs the command with the primary shell.
func (t *Tool) Primary(ctx context.Context, inv *tools.Invocation) (any, error) {
	return t.run(ctx, inv, sandbox.StrategyShell)
}

func (t *Tool) method(s sandbox.Strategy) tools.MethodFunc {
	return func(ctx context.Context, inv *tools.Invocation) (any, error) {
		return t.run(ctx, inv, s)
	}
}

func (t *Tool) run(ctx context.Context, inv *tools.Invocation, s sandbox.Strategy) (any, error) {
	req, err := parseRequest(inv)
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "command tool executing",
		slog.String("chain_id", inv.ChainID),
		slog.String("strategy", string(s)),
		slog.String("command", req.Command),
	)

	res, err := t.exec.Execute(ctx, s, req)
	if err != nil {
		return nil, err
	}
	if err := sandbox.CheckExit(res); err != nil {
		return nil, err
	}
	return &Output{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Strategy: string(res.Strategy),
		Duration: res.Duration.String(),
	}, nil
}

// parseRequest builds the executor request for inv without touching the filesystem.
func parseRequest(inv *tools.Invocation) (sandbox.Request, error) {
	command, err := tools.RequireString(inv.Params, "command")
	if err != nil {
		return sandbox.Request{}, err
	}
	timeout, err := tools.OptionalInt(inv.Params, "timeoutSeconds", 0)
	if err != nil {
		return sandbox.Request{}, err
	}
	if _, set := inv.Params["timeoutSeconds"]; set && timeout <= 0 {
		return sandbox.Request{}, tools.Invalid("timeoutSeconds", "must be a positive integer, got %d", timeout)
	}
	dir, err := tools.OptionalString(inv.Params, "working_dir", "")
	if err != nil {
		return sandbox.Request{}, err
	}
	if dir == "" {
		dir = inv.WorkingDir
	}
	if inv.SessionID == "" {
		return sandbox.Request{}, fmt.Errorf("%w: command %q", sandbox.ErrNoSession, command)
	}
	return sandbox.Request{
		Command:    command,
		SessionID:  inv.SessionID,
		WorkingDir: dir,
		Timeout:    time.Duration(timeout) * time.Second,
	}, nil
}
