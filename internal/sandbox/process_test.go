package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/toolrun/internal/retry"
)

// dirRoots creates one directory per session under base.
type dirRoots struct{ base string }

func (d dirRoots) SessionRoot(id string) (string, error) {
	root := filepath.Join(d.base, id)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}
	return root, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestExecutor returns an executor over a temp base, a session id and its canonical root.
func newTestExecutor(t *testing.T, cfg Config) (*Executor, string, string) {
	t.Helper()
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = t.TempDir()
	}
	r := NewResolver(dirRoots{base: t.TempDir()}, ResolverConfig{})
	e := NewExecutor(r, cfg, discardLogger())
	root, err := r.Root("s1")
	if err != nil {
		t.Fatalf("Root: %v", err)
	}
	return e, "s1", root
}

func TestExecute_ShellBasic(t *testing.T) {
	e, session, root := newTestExecutor(t, Config{})

	res, err := e.Execute(context.Background(), StrategyShell, Request{
		Command:   "echo hello; pwd",
		SessionID: session,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) != 2 || lines[0] != "hello" {
		t.Fatalf("stdout = %q", res.Stdout)
	}
	if lines[1] != root {
		t.Errorf("pwd = %q, want %q", lines[1], root)
	}
	if res.Strategy != StrategyShell || res.Dir != root || res.Spawns != 1 {
		t.Errorf("unexpected result metadata: %+v", res)
	}
}

func TestExecute_NonZeroExitIsResult(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{})

	res, err := e.Execute(context.Background(), StrategyShell, Request{
		Command:   "echo boom >&2; exit 3",
		SessionID: session,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	err = CheckExit(res)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 3 {
		t.Fatalf("CheckExit = %v", err)
	}
	if err.Error() != "exit status 3: boom" {
		t.Errorf("error = %q", err.Error())
	}
}

func TestExecute_SanitizedEnv(t *testing.T) {
	t.Setenv("TOOLRUN_TEST_SECRET", "leak")
	e, session, root := newTestExecutor(t, Config{})

	res, err := e.Execute(context.Background(), StrategyShell, Request{
		Command:   `echo "secret=$TOOLRUN_TEST_SECRET home=$HOME extra=$EXTRA"`,
		SessionID: session,
		Env:       map[string]string{"EXTRA": "yes"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "secret= home=" + root + " extra=yes"
	if got := strings.TrimSpace(res.Stdout); got != want {
		t.Errorf("stdout = %q, want %q", got, want)
	}
}

func TestExecute_Timeout(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{})

	start := time.Now()
	res, err := e.Execute(context.Background(), StrategyShell, Request{
		Command:   "echo started; sleep 10",
		SessionID: session,
		Timeout:   time.Second,
	})
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("timeout took %s, want about 1s", elapsed)
	}
	if res == nil || res.ExitCode != -1 || !strings.Contains(res.Stdout, "started") {
		t.Errorf("expected partial output with exit -1, got %+v", res)
	}
}

func TestExecute_TimeoutKillsProcessGroup(t *testing.T) {
	e, session, root := newTestExecutor(t, Config{})

	// The background child would touch the marker after two seconds if it
	// survived the group kill.
	_, err := e.Execute(context.Background(), StrategyShell, Request{
		Command:   "(sleep 2; touch marker) & sleep 10",
		SessionID: session,
		Timeout:   500 * time.Millisecond,
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	time.Sleep(3 * time.Second)
	if _, err := os.Stat(filepath.Join(root, "marker")); err == nil {
		t.Error("child process outlived the timeout")
	}
}

func TestExecute_Cancelled(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	_, err := e.Execute(ctx, StrategyShell, Request{
		Command:   "sleep 10",
		SessionID: session,
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Error("cancellation must not be reported as a timeout")
	}
}

func TestExecute_RejectsBeforeSpawn(t *testing.T) {
	e, session, root := newTestExecutor(t, Config{})
	outside := t.TempDir()

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"no session", Request{Command: "touch x"}, ErrNoSession},
		{"empty command", Request{Command: "  ", SessionID: session}, ErrInvalidRequest},
		{"traversal", Request{Command: "touch x", SessionID: session, WorkingDir: "../.."}, ErrViolation},
		{"absolute outside", Request{Command: "touch x", SessionID: session, WorkingDir: outside}, ErrViolation},
		{"missing dir", Request{Command: "touch x", SessionID: session, WorkingDir: "nope"}, ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Execute(context.Background(), StrategyShell, tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("error = %v, want %v", err, tt.want)
			}
			if res != nil {
				t.Errorf("expected no result, got %+v", res)
			}
		})
	}
	for _, dir := range []string{root, outside} {
		if _, err := os.Stat(filepath.Join(dir, "x")); err == nil {
			t.Errorf("command ran despite rejection (found %s/x)", dir)
		}
	}
}

func TestExecute_UnknownStrategy(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{})
	_, err := e.Execute(context.Background(), Strategy("teleport"), Request{Command: "true", SessionID: session})
	if !errors.Is(err, ErrUnknownStrategy) {
		t.Fatalf("expected ErrUnknownStrategy, got %v", err)
	}
}

type recordingObserver struct {
	mu     sync.Mutex
	events []ExecutionEvent
}

func (r *recordingObserver) OnExecution(_ context.Context, ev ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func TestExecute_Observer(t *testing.T) {
	obs := &recordingObserver{}
	e, session, _ := newTestExecutor(t, Config{Observer: obs})

	if _, err := e.Execute(context.Background(), StrategyShell, Request{Command: "exit 3", SessionID: session}); err != nil {
		t.Fatal(err)
	}
	// Rejected before a strategy runs: not observed.
	if _, err := e.Execute(context.Background(), StrategyShell, Request{Command: "true"}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expected ErrNoSession, got %v", err)
	}

	if len(obs.events) != 1 {
		t.Fatalf("events = %d, want 1", len(obs.events))
	}
	ev := obs.events[0]
	if ev.Strategy != StrategyShell || ev.SessionID != session || ev.Err != nil {
		t.Errorf("event = %+v", ev)
	}
	if ev.Result == nil || ev.Result.ExitCode != 3 || ev.Duration <= 0 {
		t.Errorf("event result = %+v, duration %v", ev.Result, ev.Duration)
	}
}

func TestExecute_WorkingDirInsideRoot(t *testing.T) {
	e, session, root := newTestExecutor(t, Config{})
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := e.Execute(context.Background(), StrategyShell, Request{Command: "pwd", SessionID: session, WorkingDir: "sub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != filepath.Join(root, "sub") {
		t.Errorf("pwd = %q", got)
	}
}

func TestExecute_Direct(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{})

	res, err := e.Execute(context.Background(), StrategyDirect, Request{
		Command:   `echo 'a  b' "$HOME" ;`,
		Args:      []string{"tail"},
		SessionID: session,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// No shell expansion: $HOME and ; are literal arguments.
	if got := strings.TrimSpace(res.Stdout); got != `a  b $HOME ; tail` {
		t.Errorf("stdout = %q", got)
	}
	if res.Interpreter != "echo" {
		t.Errorf("interpreter = %q, want echo", res.Interpreter)
	}
}

func TestExecute_DirectUnbalancedQuotes(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{})
	_, err := e.Execute(context.Background(), StrategyDirect, Request{Command: `echo "unterminated`, SessionID: session})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestExecute_ScriptRemovesFile(t *testing.T) {
	scriptDir := t.TempDir()
	e, session, _ := newTestExecutor(t, Config{ScriptDir: scriptDir})

	res, err := e.Execute(context.Background(), StrategyScript, Request{
		Command:   "x=41\necho $((x + 1))",
		SessionID: session,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "42" {
		t.Errorf("stdout = %q, want 42", got)
	}
	entries, _ := os.ReadDir(scriptDir)
	if len(entries) != 0 {
		t.Errorf("script files left behind: %v", entries)
	}
}

func TestExecute_ScriptRemovedOnTimeout(t *testing.T) {
	scriptDir := t.TempDir()
	e, session, _ := newTestExecutor(t, Config{ScriptDir: scriptDir})

	_, err := e.Execute(context.Background(), StrategyScript, Request{Command: "sleep 10", SessionID: session, Timeout: 300 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	entries, _ := os.ReadDir(scriptDir)
	if len(entries) != 0 {
		t.Errorf("script files left behind: %v", entries)
	}
}

func TestExecute_AlternateShell(t *testing.T) {
	bash, err := exec.LookPath("bash")
	if err != nil {
		t.Skip("bash not available")
	}
	e, session, _ := newTestExecutor(t, Config{Interpreters: []string{"/bin/sh", bash}})

	res, err := e.Execute(context.Background(), StrategyAlternateShell, Request{
		Command:   `echo "$BASH_VERSION" | cut -c1`,
		SessionID: session,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(res.Stdout) == "" {
		t.Error("expected bash to run the command")
	}
	if res.Interpreter != bash {
		t.Errorf("interpreter = %q, want %q", res.Interpreter, bash)
	}
}

func TestExecute_AlternateShellUnavailable(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{Interpreters: []string{"/bin/sh"}})
	_, err := e.Execute(context.Background(), StrategyAlternateShell, Request{Command: "true", SessionID: session})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestExecute_InterpreterCycleFallsThrough(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{
		Interpreters: []string{"/nonexistent/shell", "/bin/sh"},
	})

	res, err := e.Execute(context.Background(), StrategyInterpreterCycle, Request{Command: "echo ok", SessionID: session})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Interpreter != "/bin/sh" || res.Spawns != 2 {
		t.Errorf("interpreter = %q spawns = %d", res.Interpreter, res.Spawns)
	}
}

func TestExecute_InterpreterCycleExhausted(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{
		Interpreters: []string{"/bin/sh"},
		CycleRetries: 3,
		CycleBackoff: retry.Policy{InitialDelay: 10 * time.Millisecond, Multiplier: 2},
	})

	start := time.Now()
	res, err := e.Execute(context.Background(), StrategyInterpreterCycle, Request{Command: "exit 7", SessionID: session})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "after 3 cycles") {
		t.Errorf("error = %q", err.Error())
	}
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 7 {
		t.Errorf("expected wrapped exit 7, got %v", err)
	}
	if res == nil || res.Spawns != 3 {
		t.Errorf("expected 3 spawns, got %+v", res)
	}
	// 10ms + 20ms of backoff between the three cycles.
	if time.Since(start) < 30*time.Millisecond {
		t.Error("expected backoff between cycles")
	}
}

func TestExecute_InterpreterCycleCancelledDuringBackoff(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{
		Interpreters: []string{"/bin/sh"},
		CycleRetries: 5,
		CycleBackoff: retry.Policy{InitialDelay: 5 * time.Second, Multiplier: 1},
	})
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)

	start := time.Now()
	_, err := e.Execute(ctx, StrategyInterpreterCycle, Request{Command: "exit 1", SessionID: session})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Error("cancellation did not interrupt the backoff")
	}
}

func TestExecute_OnLine(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{})

	var (
		mu    sync.Mutex
		lines []string
	)
	res, err := e.Execute(context.Background(), StrategyShell, Request{
		Command:   "echo one; echo two >&2; printf three",
		SessionID: session,
		OnLine: func(s Stream, line string) {
			mu.Lock()
			defer mu.Unlock()
			lines = append(lines, string(s)+":"+line)
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := map[string]bool{"stdout:one": true, "stderr:two": true, "stdout:three": true}
	if len(lines) != len(want) {
		t.Fatalf("lines = %v", lines)
	}
	for _, l := range lines {
		if !want[l] {
			t.Errorf("unexpected line %q", l)
		}
	}
	if res.Stdout != "one\nthree" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestExecute_OutputCapped(t *testing.T) {
	e, session, _ := newTestExecutor(t, Config{})

	res, err := e.Execute(context.Background(), StrategyShell, Request{
		Command:   "head -c 2000000 /dev/zero",
		SessionID: session,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Stdout) != maxOutputBytes {
		t.Errorf("stdout length = %d, want %d", len(res.Stdout), maxOutputBytes)
	}
}

func TestStrategies(t *testing.T) {
	e, _, _ := newTestExecutor(t, Config{})
	got := e.Strategies()
	want := []Strategy{StrategyAlternateShell, StrategyDirect, StrategyInterpreterCycle, StrategyScript, StrategyShell}
	if len(got) != len(want) {
		t.Fatalf("strategies = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("strategies[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestUlimitPrefix(t *testing.T) {
	tests := []struct {
		limits ResourceLimits
		want   string
	}{
		{ResourceLimits{MaxCPUSeconds: 10, MaxMemoryMB: 1}, "ulimit -v 1024 2>/dev/null; ulimit -t 10 2>/dev/null; "},
		{ResourceLimits{MaxCPUSeconds: -1, MaxMemoryMB: 2}, "ulimit -v 2048 2>/dev/null; "},
		{ResourceLimits{MaxCPUSeconds: -1, MaxMemoryMB: -1}, ""},
	}
	for _, tt := range tests {
		if got := ulimitPrefix(tt.limits); got != tt.want {
			t.Errorf("ulimitPrefix(%+v) = %q, want %q", tt.limits, got, tt.want)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	tests := []struct{ in, exe, rest string }{
		{"ls", "ls", ""},
		{"  ls -la /tmp ", "ls", "-la /tmp"},
		{"echo\t'x y'", "echo", "'x y'"},
	}
	for _, tt := range tests {
		exe, rest := splitCommand(tt.in)
		if exe != tt.exe || rest != tt.rest {
			t.Errorf("splitCommand(%q) = %q, %q", tt.in, exe, rest)
		}
	}
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	lw := &limitedWriter{w: &sb, remaining: 5}
	n, err := lw.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, _ = lw.Write([]byte("defgh"))
	if n != 5 {
		t.Errorf("Write should report full length, got %d", n)
	}
	if sb.String() != "abcde" {
		t.Errorf("buffer = %q", sb.String())
	}
}
