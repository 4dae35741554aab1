package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/toolrun/internal/escalation"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
	"github.com/jkaninda/toolrun/internal/workspace"
)

func newTestTool(t *testing.T) (*Tool, *escalation.Engine) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := sandbox.NewResolver(ws, sandbox.ResolverConfig{})
	exec := sandbox.NewExecutor(resolver, sandbox.Config{ScriptDir: t.TempDir()}, logger)
	return New(exec, logger), escalation.New(resolver, escalation.Config{Logger: logger})
}

func TestCommand_Success(t *testing.T) {
	tool, engine := newTestTool(t)
	inv := tools.NewInvocation("s1", map[string]any{"command": "echo hello"})

	res := engine.Run(context.Background(), tool, inv)
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	out, ok := res.Output.(*Output)
	if !ok {
		t.Fatalf("output type = %T", res.Output)
	}
	if out.ExitCode != 0 || strings.TrimSpace(out.Stdout) != "hello" || out.Strategy != string(sandbox.StrategyShell) {
		t.Errorf("unexpected output: %+v", out)
	}
	if res.MethodUsed != tools.MethodPrimary {
		t.Errorf("method = %q", res.MethodUsed)
	}
}

func TestCommand_TimeoutScenario(t *testing.T) {
	tool, engine := newTestTool(t)
	inv := tools.NewInvocation("s1", map[string]any{"command": "sleep 10", "timeoutSeconds": 1})

	res := engine.Run(context.Background(), tool, inv)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "timed out") || res.Kind != tools.KindTimeout {
		t.Errorf("error = %q kind = %q", res.Error, res.Kind)
	}
	if res.ExecutionTime > 5*time.Second {
		t.Errorf("execution time = %s, want about 1s", res.ExecutionTime)
	}
	if res.TotalAttempts != 1 {
		t.Errorf("attempts = %d", res.TotalAttempts)
	}
}

func TestCommand_NonZeroExitIsTransient(t *testing.T) {
	tool, engine := newTestTool(t)
	inv := tools.NewInvocation("s1", map[string]any{"command": "echo nope >&2; exit 4"})

	res := engine.Run(context.Background(), tool, inv)
	if res.Success || res.Kind != tools.KindTransient {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Error != "exit status 4: nope" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestCommand_Validation(t *testing.T) {
	tool, engine := newTestTool(t)

	tests := []struct {
		name    string
		session string
		params  map[string]any
		kind    tools.Kind
	}{
		{"missing command", "s1", map[string]any{}, tools.KindValidation},
		{"command wrong type", "s1", map[string]any{"command": 42}, tools.KindValidation},
		{"zero timeout", "s1", map[string]any{"command": "true", "timeoutSeconds": 0}, tools.KindValidation},
		{"negative timeout", "s1", map[string]any{"command": "true", "timeoutSeconds": -3}, tools.KindValidation},
		{"no session", "", map[string]any{"command": "true"}, tools.KindValidation},
		{"escaping working dir", "s1", map[string]any{"command": "touch pwned", "working_dir": "../.."}, tools.KindSandbox},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := tools.NewInvocation(tt.session, tt.params)
			res := engine.RunWithRetry(context.Background(), tool, inv, 3, time.Millisecond)
			if res.Success || res.Kind != tt.kind {
				t.Fatalf("unexpected result: %+v", res)
			}
			if res.TotalAttempts != 0 {
				t.Errorf("fail-fast consumed %d attempts", res.TotalAttempts)
			}
		})
	}
}

func TestCommand_DryRun(t *testing.T) {
	tool, engine := newTestTool(t)
	if !engine.DryRun(tool, tools.NewInvocation("s1", map[string]any{"command": "rm -rf /"})) {
		t.Error("well-formed invocation should pass dry run")
	}
	if engine.DryRun(tool, tools.NewInvocation("s1", map[string]any{"command": ""})) {
		t.Error("empty command should fail dry run")
	}

	for _, dir := range []string{"/etc", "../..", "sub/../../x"} {
		params := map[string]any{"command": "ls", "working_dir": dir}
		if engine.DryRun(tool, tools.NewInvocation("s1", params)) {
			t.Errorf("working_dir %q: dry run should fail", dir)
		}
		res := engine.Run(context.Background(), tool, tools.NewInvocation("s1", params))
		if res.Success || res.Kind != tools.KindSandbox || res.TotalAttempts != 0 {
			t.Errorf("working_dir %q: unexpected result %+v", dir, res)
		}
	}
}

func TestCommand_NilLogger(t *testing.T) {
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	resolver := sandbox.NewResolver(ws, sandbox.ResolverConfig{})
	tool := New(sandbox.NewExecutor(resolver, sandbox.Config{ScriptDir: t.TempDir()}, nil), nil)
	engine := escalation.New(resolver, escalation.Config{})

	res := engine.Run(context.Background(), tool, tools.NewInvocation("s1", map[string]any{"command": "echo hi"}))
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
}

func TestCommand_Alternatives(t *testing.T) {
	tool, engine := newTestTool(t)
	want := []string{"alternate_shell", "direct", "script", "interpreter_cycle"}
	got := engine.AlternativeMethods(tool)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("alternatives = %v, want %v", got, want)
	}
}

func TestCommand_PreferredAlternative(t *testing.T) {
	tool, engine := newTestTool(t)
	inv := tools.NewInvocation("s1", map[string]any{"command": "echo $HOME"})
	inv.PreferredAlternative = "direct"

	res := engine.TryAlternative(context.Background(), tool, inv, "shell unavailable")
	if !res.Success || res.MethodUsed != "direct" {
		t.Fatalf("unexpected result: %+v", res)
	}
	// The direct strategy performs no expansion.
	if out := res.Output.(*Output); strings.TrimSpace(out.Stdout) != "$HOME" {
		t.Errorf("stdout = %q", out.Stdout)
	}
	if res.SuggestedAlternative != "alternate_shell" || !res.HasMoreAlternatives {
		t.Errorf("suggested = %q more = %v", res.SuggestedAlternative, res.HasMoreAlternatives)
	}
}

func TestCommand_WorkingDirParam(t *testing.T) {
	tool, engine := newTestTool(t)
	mk := engine.Run(context.Background(), tool, tools.NewInvocation("s1", map[string]any{"command": "mkdir -p sub"}))
	if !mk.Success {
		t.Fatalf("mkdir failed: %s", mk.Error)
	}
	res := engine.Run(context.Background(), tool, tools.NewInvocation("s1", map[string]any{"command": "pwd", "working_dir": "sub"}))
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if out := res.Output.(*Output); !strings.HasSuffix(strings.TrimSpace(out.Stdout), "/sub") {
		t.Errorf("pwd = %q", out.Stdout)
	}
}

func TestParseRequest(t *testing.T) {
	inv := tools.NewInvocation("s1", map[string]any{"command": "ls", "timeoutSeconds": float64(7)})
	inv.WorkingDir = "/canonical"
	req, err := parseRequest(inv)
	if err != nil {
		t.Fatal(err)
	}
	if req.Timeout != 7*time.Second || req.WorkingDir != "/canonical" || req.SessionID != "s1" {
		t.Errorf("unexpected request: %+v", req)
	}
	inv.Params["timeoutSeconds"] = "abc"
	if _, err := parseRequest(inv); !errors.Is(err, tools.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}
