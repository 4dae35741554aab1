package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jkaninda/toolrun/internal/retry"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout      = 30 * time.Second
	defaultCPUSeconds   = 60
	defaultMemoryMB     = 512
	defaultShell        = "/bin/sh"
	defaultCycleRetries = 3

	// waitDelay bounds how long Wait keeps draining pipes after the group is killed.
	waitDelay = 2 * time.Second
)

var defaultInterpreters = []string{"/bin/sh", "/bin/bash"}

// Config configures the Executor.
type Config struct {
	Shell          string         // Primary shell. Default: /bin/sh.
	Interpreters   []string       // Order used by alternate_shell and interpreter_cycle.
	DefaultTimeout time.Duration  // Per-spawn timeout. Default: 30s.
	DefaultLimits  ResourceLimits // ulimit values. Zero = 60 CPU seconds, 512 MB.
	ScriptDir      string         // Where the script strategy writes files. Default: os.TempDir().
	CycleRetries   int            // Whole-cycle ceiling for interpreter_cycle. Default: 3.
	CycleBackoff   retry.Policy   // Delay between interpreter cycles.
	Docker         *DockerConfig  // nil = container strategy not offered.

	// Observer, when set, is told about every execution that reached a strategy.
	Observer ExecutionObserver
}

type strategyFunc func(ctx context.Context, j *job) (*Result, error)

// Executor spawns commands inside session roots.
//
// Guarantees, for every strategy:
//   - The working directory is resolved through the Resolver before anything is spawned
//   - The process runs in its own process group, killed as a whole on timeout/cancel
//   - No environment inheritance from the parent, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
type Executor struct {
	resolver   *Resolver
	cfg        Config
	logger     *slog.Logger
	strategies map[Strategy]strategyFunc
	docker     *dockerRunner
}

// NewExecutor creates an Executor that confines work through resolver.
func NewExecutor(resolver *Resolver, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if len(cfg.Interpreters) == 0 {
		cfg.Interpreters = slices.Clone(defaultInterpreters)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	if cfg.DefaultLimits.MaxCPUSeconds == 0 {
		cfg.DefaultLimits.MaxCPUSeconds = defaultCPUSeconds
	}
	if cfg.DefaultLimits.MaxMemoryMB == 0 {
		cfg.DefaultLimits.MaxMemoryMB = defaultMemoryMB
	}
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = os.TempDir()
	}
	if cfg.CycleRetries <= 0 {
		cfg.CycleRetries = defaultCycleRetries
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	e := &Executor{
		resolver: resolver,
		cfg:      cfg,
		logger:   logger,
	}
	e.strategies = map[Strategy]strategyFunc{
		StrategyShell:            e.runShell,
		StrategyAlternateShell:   e.runAlternateShell,
		StrategyDirect:           e.runDirect,
		StrategyScript:           e.runScript,
		StrategyInterpreterCycle: e.runInterpreterCycle,
	}
	if cfg.Docker != nil {
		e.docker = newDockerRunner(*cfg.Docker, logger)
		e.strategies[StrategyContainer] = e.docker.run
	}
	return e
}

// Strategies returns the strategy names this Executor offers, sorted.
func (e *Executor) Strategies() []Strategy {
	out := make([]Strategy, 0, len(e.strategies))
	for s := range e.strategies {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Supports reports whether strategy is offered.
func (e *Executor) Supports(strategy Strategy) bool {
	_, ok := e.strategies[strategy]
	return ok
}

// PingContainerRuntime checks that the docker daemon answers. It fails when
// the container strategy is not configured.
func (e *Executor) PingContainerRuntime(ctx context.Context) error {
	if e.docker == nil {
		return errors.New("container strategy not configured")
	}
	return e.docker.Ping(ctx)
}

// Resolver returns the resolver used to confine working directories.
func (e *Executor) Resolver() *Resolver { return e.resolver }

// job is a validated request bound to a session.
type job struct {
	Request
	root    string
	dir     string
	timeout time.Duration
	limits  ResourceLimits
}

// Execute runs req with the named strategy. A non-zero exit code is not an
// error; it is reported in Result.ExitCode (use CheckExit). Errors wrap
// ErrNoSession or ErrViolation when the request never reached a spawn,
// ErrTimeout when the process was killed for running too long, and the
// context error when the caller cancelled.
func (e *Executor) Execute(ctx context.Context, strategy Strategy, req Request) (*Result, error) {
	run, ok := e.strategies[strategy]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	j, err := e.prepare(req)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := run(ctx, j)
	if res != nil {
		res.Strategy = strategy
		res.Dir = j.dir
	}
	if e.cfg.Observer != nil {
		e.cfg.Observer.OnExecution(ctx, ExecutionEvent{
			Strategy:  strategy,
			SessionID: req.SessionID,
			Result:    res,
			Err:       err,
			Duration:  time.Since(start),
		})
	}
	return res, err
}

// prepare resolves the session and working directory. Nothing is spawned here.
func (e *Executor) prepare(req Request) (*job, error) {
	if req.SessionID == "" {
		return nil, ErrNoSession
	}
	if strings.TrimSpace(req.Command) == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidRequest)
	}
	root, err := e.resolver.Root(req.SessionID)
	if err != nil {
		return nil, err
	}
	dir, err := e.resolver.Resolve(req.SessionID, req.WorkingDir)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: working directory %s: %w", ErrInvalidRequest, req.WorkingDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: working directory %s is not a directory", ErrInvalidRequest, req.WorkingDir)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}
	return &job{
		Request: req,
		root:    root,
		dir:     dir,
		timeout: timeout,
		limits:  e.resolveLimits(req.Limits),
	}, nil
}

// spawn runs one process and waits for it, bounded by the job timeout.
func (e *Executor) spawn(parent context.Context, j *job, name string, args ...string) (*Result, error) {
	ctx, cancel := context.WithTimeout(parent, j.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = j.dir

	// Process group isolation: the child runs in its own group.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}

	// Kill the entire process group on context cancellation (timeout/cancel).
	// This ensures child processes spawned by the command are also terminated.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = waitDelay

	cmd.Env = buildEnv(j.root, j.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	var lineMu sync.Mutex
	stdout := newLineWriter(&limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}, Stdout, j.OnLine, &lineMu)
	stderr := newLineWriter(&limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}, Stderr, j.OnLine, &lineMu)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.logger.Info("sandbox executing",
		slog.String("program", name),
		slog.String("session", j.SessionID),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_limit_mb", j.limits.MaxMemoryMB),
		slog.Int("cpu_limit_sec", j.limits.MaxCPUSeconds),
		slog.Duration("timeout", j.timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	stdout.Flush()
	stderr.Flush()

	res := &Result{
		Stdout:      stdoutBuf.String(),
		Stderr:      stderrBuf.String(),
		Duration:    duration,
		Interpreter: name,
		Spawns:      1,
	}

	if runErr != nil {
		if ctx.Err() != nil {
			if perr := parent.Err(); perr != nil {
				e.logger.Warn("sandbox execution cancelled",
					slog.Duration("duration", duration),
				)
				res.ExitCode = -1
				return res, fmt.Errorf("execution cancelled: %w", perr)
			}
			e.logger.Warn("sandbox execution timed out",
				slog.Duration("timeout", j.timeout),
				slog.Duration("duration", duration),
			)
			res.ExitCode = -1
			return res, &TimeoutError{After: j.timeout}
		}

		// Non-zero exit code is not an error, it is a result.
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	e.logger.Info("sandbox execution completed",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
		slog.Int("stdout_bytes", stdoutBuf.Len()),
		slog.Int("stderr_bytes", stderrBuf.Len()),
	)
	return res, nil
}

// resolveLimits merges request-level overrides with executor defaults.
func (e *Executor) resolveLimits(req ResourceLimits) ResourceLimits {
	limits := e.cfg.DefaultLimits
	if req.MaxCPUSeconds != 0 {
		limits.MaxCPUSeconds = req.MaxCPUSeconds
	}
	if req.MaxMemoryMB != 0 {
		limits.MaxMemoryMB = req.MaxMemoryMB
	}
	return limits
}

// ulimitPrefix returns the shell preamble enforcing limits.
func ulimitPrefix(l ResourceLimits) string {
	var b bytes.Buffer
	if l.MaxMemoryMB > 0 {
		fmt.Fprintf(&b, "ulimit -v %d 2>/dev/null; ", l.MaxMemoryMB*1024)
	}
	if l.MaxCPUSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d 2>/dev/null; ", l.MaxCPUSeconds)
	}
	return b.String()
}

// buildEnv constructs a minimal, safe environment.
// The parent process's environment is NEVER inherited. This prevents
// API keys, credentials, and other secrets from leaking into spawned commands.
func buildEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded (not an error, just capped).
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil // Silently discard.
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}

// lineWriter tees output into a buffer and, when a callback is set, emits
// every complete line. A trailing partial line is emitted by Flush.
type lineWriter struct {
	dst     io.Writer
	stream  Stream
	onLine  func(Stream, string)
	mu      *sync.Mutex
	pending []byte
}

func newLineWriter(dst io.Writer, stream Stream, onLine func(Stream, string), mu *sync.Mutex) *lineWriter {
	return &lineWriter{dst: dst, stream: stream, onLine: onLine, mu: mu}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if w.onLine == nil {
		return n, err
	}
	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		w.emit(string(bytes.TrimSuffix(w.pending[:i], []byte("\r"))))
		w.pending = w.pending[i+1:]
	}
	if len(w.pending) > maxOutputBytes {
		w.emit(string(w.pending))
		w.pending = nil
	}
	return n, err
}

// Flush emits any buffered partial line.
func (w *lineWriter) Flush() {
	if w.onLine == nil || len(w.pending) == 0 {
		return
	}
	w.emit(string(w.pending))
	w.pending = nil
}

func (w *lineWriter) emit(line string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLine(w.stream, line)
}
