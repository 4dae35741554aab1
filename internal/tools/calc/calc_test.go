package calc

import (
	"context"
	"io"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/jkaninda/toolrun/internal/escalation"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
	"github.com/jkaninda/toolrun/internal/workspace"
)

func newTestTool(t *testing.T, withExec bool) (*Tool, *escalation.Engine) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver := sandbox.NewResolver(ws, sandbox.ResolverConfig{})
	var ex *sandbox.Executor
	if withExec {
		ex = sandbox.NewExecutor(resolver, sandbox.Config{
			ScriptDir:     t.TempDir(),
			DefaultLimits: sandbox.ResourceLimits{MaxCPUSeconds: -1, MaxMemoryMB: -1},
		}, logger)
	}
	return New(ex, logger), escalation.New(resolver, escalation.Config{Logger: logger})
}

func TestCalc_NilLogger(t *testing.T) {
	res := escalation.New(nil, escalation.Config{}).Run(context.Background(), New(nil, nil),
		tools.NewInvocation("", map[string]any{"expression": "1 + 1"}))
	if !res.Success || res.MethodUsed != tools.MethodPrimary {
		t.Fatalf("unexpected result: %+v", res)
	}
	if New(nil, nil).logger == nil {
		t.Error("nil logger was not replaced")
	}
}

func TestCalc_PrimaryScenario(t *testing.T) {
	tool, engine := newTestTool(t, false)

	res := engine.Run(context.Background(), tool, tools.NewInvocation("", map[string]any{"expression": "2 + 2"}))
	if !res.Success {
		t.Fatalf("unexpected failure: %s", res.Error)
	}
	if res.Output != 4 || res.MethodUsed != tools.MethodPrimary || res.TotalAttempts != 1 {
		t.Errorf("output = %#v method = %q attempts = %d", res.Output, res.MethodUsed, res.TotalAttempts)
	}
	if !res.HasMoreAlternatives {
		t.Error("alternatives should be reported as available")
	}
}

func TestCalc_Primary(t *testing.T) {
	tool, engine := newTestTool(t, false)
	tests := []struct {
		expr string
		want any
	}{
		{"7 / 2", 3.5},
		{"(1 + 2) * 3", 9},
		{"10 % 4", 2},
		{"3 > 2 && 1 == 1", true},
	}
	for _, tt := range tests {
		res := engine.Run(context.Background(), tool, tools.NewInvocation("", map[string]any{"expression": tt.expr}))
		if !res.Success || res.Output != tt.want {
			t.Errorf("%s: output = %#v (%s)", tt.expr, res.Output, res.Error)
		}
	}
}

func TestCalc_EscalatesToConstantFold(t *testing.T) {
	tool, engine := newTestTool(t, false)

	// &^ is Go-only syntax the primary evaluator rejects.
	res := engine.RunWithRetry(context.Background(), tool, tools.NewInvocation("", map[string]any{"expression": "6 &^ 3"}), 2, 0)
	if !res.Success || res.MethodUsed != MethodConstantFold {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Output != 4 || res.TotalAttempts != 3 {
		t.Errorf("output = %#v attempts = %d", res.Output, res.TotalAttempts)
	}
}

func TestCalc_ExhaustedWithoutSession(t *testing.T) {
	tool, engine := newTestTool(t, true)
	if got := engine.AlternativeMethods(tool); len(got) != 2 || got[1] != MethodInterpreter {
		t.Fatalf("alternatives = %v", got)
	}

	res := engine.RunWithRetry(context.Background(), tool, tools.NewInvocation("", map[string]any{"expression": "1 % 0"}), 1, 0)
	if res.Success || res.Kind != tools.KindExhausted {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TotalAttempts != 3 || res.SuggestedAlternative != MethodConstantFold {
		t.Errorf("attempts = %d suggested = %q", res.TotalAttempts, res.SuggestedAlternative)
	}
}

func TestCalc_Interpreter(t *testing.T) {
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}
	tool, engine := newTestTool(t, true)
	inv := tools.NewInvocation("s1", map[string]any{"expression": "2 ** 10"})
	inv.PreferredAlternative = MethodInterpreter

	res := engine.TryAlternative(context.Background(), tool, inv, "primary unavailable")
	if !res.Success || res.MethodUsed != MethodInterpreter || res.Output != 1024 {
		t.Fatalf("unexpected result: %+v", res)
	}

	inv = tools.NewInvocation("s1", map[string]any{"expression": "not 3 > 2 and 1 < 2"})
	inv.PreferredAlternative = MethodInterpreter
	res = engine.TryAlternative(context.Background(), tool, inv, "")
	if !res.Success || res.MethodUsed != MethodInterpreter || res.Output != false {
		t.Fatalf("unexpected result: %+v", res)
	}

	// Only arithmetic syntax is evaluated.
	for _, src := range []string{
		"__import__('os').getcwd()",
		"().__class__.__bases__[0].__subclasses__()",
		"[x for x in (1, 2)]",
		"'a' * 3",
		"2 ** 100000",
	} {
		inv = tools.NewInvocation("s1", map[string]any{"expression": src})
		inv.PreferredAlternative = MethodInterpreter
		res = engine.TryAlternative(context.Background(), tool, inv, "")
		if res.Success && res.MethodUsed == MethodInterpreter {
			t.Errorf("interpreter evaluated %q: %+v", src, res)
		}
	}
}

func TestCalc_Validation(t *testing.T) {
	tool, engine := newTestTool(t, false)
	for _, params := range []map[string]any{
		{},
		{"expression": ""},
		{"expression": "   "},
		{"expression": 4},
		{"expression": "1\x00+1"},
	} {
		res := engine.Run(context.Background(), tool, tools.NewInvocation("", params))
		if res.Success || res.Kind != tools.KindValidation || res.TotalAttempts != 0 {
			t.Errorf("params %v: unexpected result %+v", params, res)
		}
	}
}

func TestFold(t *testing.T) {
	tests := []struct {
		src     string
		want    any
		wantErr bool
	}{
		{src: "2 + 2", want: 4},
		{src: "7 / 2", want: 3.5},
		{src: "8 / 2", want: 4},
		{src: "-(3 - 10)", want: 7},
		{src: "1 << 10", want: 1024},
		{src: "0x10 | 1", want: 17},
		{src: "1.5 * 2", want: 3},
		{src: "0.1 + 0.2", want: 0.3},
		{src: "3 >= 3", want: true},
		{src: "!(1 < 2) || false", want: false},
		{src: "1 / 0", wantErr: true},
		{src: "5 % 0", wantErr: true},
		{src: "1.5 % 1", wantErr: true},
		{src: `"a" + "b"`, wantErr: true},
		{src: "x + 1", wantErr: true},
		{src: "true + 1", wantErr: true},
		{src: "f(1)", wantErr: true},
		{src: "1 << 100000", wantErr: true},
		{src: "1 << 70", wantErr: true},
		{src: "1 +", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Fold(tt.src)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Fold(%q) = %#v, want error", tt.src, got)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Fold(%q) = %#v, %v; want %#v", tt.src, got, err, tt.want)
		}
	}
}

func TestParseScalar(t *testing.T) {
	tests := map[string]any{
		"42":    42,
		"2.5":   2.5,
		"True":  true,
		"False": false,
		"abc":   "abc",
	}
	for in, want := range tests {
		if got := parseScalar(in); got != want {
			t.Errorf("parseScalar(%q) = %#v, want %#v", in, got, want)
		}
	}
}
