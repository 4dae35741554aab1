package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"

	"github.com/jkaninda/toolrun/internal/retry"
)

// runShell interprets the command with the primary shell.
func (e *Executor) runShell(ctx context.Context, j *job) (*Result, error) {
	return e.spawn(ctx, j, e.cfg.Shell, "-c", ulimitPrefix(j.limits)+j.Command)
}

// runAlternateShell interprets the command with the first configured
// interpreter that is not the primary shell.
func (e *Executor) runAlternateShell(ctx context.Context, j *job) (*Result, error) {
	alt := e.alternateShell()
	if alt == "" {
		return nil, fmt.Errorf("%w: no interpreter other than %s configured", ErrInvalidRequest, e.cfg.Shell)
	}
	return e.spawn(ctx, j, alt, "-c", ulimitPrefix(j.limits)+j.Command)
}

func (e *Executor) alternateShell() string {
	primary := filepath.Base(e.cfg.Shell)
	for _, interp := range e.cfg.Interpreters {
		if filepath.Base(interp) != primary {
			return interp
		}
	}
	return ""
}

// runDirect executes the target binary without shell interpretation. The
// command is split into an executable and its raw argument string, which is
// tokenized with POSIX quoting rules but never expanded. The wrapper shell
// only applies ulimits and then execs the binary with positional parameters,
// so the arguments are never interpolated into a shell string.
func (e *Executor) runDirect(ctx context.Context, j *job) (*Result, error) {
	exe, rest := splitCommand(j.Command)
	args, err := shlex.Split(rest)
	if err != nil {
		return nil, fmt.Errorf("%w: tokenizing arguments: %w", ErrInvalidRequest, err)
	}
	args = append(args, j.Args...)

	wrapper := make([]string, 0, 4+len(args))
	wrapper = append(wrapper, "-c", ulimitPrefix(j.limits)+`exec "$@"`, "_", exe) // "_" is the $0 placeholder
	wrapper = append(wrapper, args...)
	res, err := e.spawn(ctx, j, e.cfg.Shell, wrapper...)
	if res != nil {
		res.Interpreter = exe
	}
	return res, err
}

// splitCommand separates the executable from the raw argument string.
func splitCommand(command string) (exe, rest string) {
	command = strings.TrimSpace(command)
	if i := strings.IndexAny(command, " \t"); i >= 0 {
		return command[:i], strings.TrimSpace(command[i+1:])
	}
	return command, ""
}

// runScript materializes the command into a temporary script, runs it and
// removes the file on every exit path.
func (e *Executor) runScript(ctx context.Context, j *job) (*Result, error) {
	f, err := os.CreateTemp(e.cfg.ScriptDir, "toolrun-*.sh")
	if err != nil {
		return nil, fmt.Errorf("creating script file: %w", err)
	}
	path := f.Name()
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			e.logger.Warn("failed to remove script file",
				slog.String("path", path),
				slog.String("error", rmErr.Error()),
			)
		}
	}()

	body := "#!" + e.cfg.Shell + "\n" + ulimitPrefix(j.limits) + "\n" + j.Command + "\n"
	if _, err := f.WriteString(body); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing script file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing script file: %w", err)
	}
	if err := os.Chmod(path, 0700); err != nil {
		return nil, fmt.Errorf("chmod script file: %w", err)
	}
	return e.spawn(ctx, j, e.cfg.Shell, path)
}

// runInterpreterCycle tries each interpreter in order. When a whole cycle
// fails it waits according to CycleBackoff and starts over, up to
// CycleRetries cycles. Unlike the single-spawn strategies, a non-zero exit
// counts as failure here; the error wraps the last failure.
func (e *Executor) runInterpreterCycle(ctx context.Context, j *job) (*Result, error) {
	b := e.cfg.CycleBackoff.NewBackOff()
	var (
		last    *Result
		lastErr error
		spawns  int
	)
	for cycle := 1; cycle <= e.cfg.CycleRetries; cycle++ {
		for _, interp := range e.cfg.Interpreters {
			res, err := e.spawn(ctx, j, interp, "-c", ulimitPrefix(j.limits)+j.Command)
			spawns++
			if res != nil {
				res.Spawns = spawns
				last = res
			}
			if err == nil {
				err = CheckExit(res)
			}
			if err == nil {
				return res, nil
			}
			if ctx.Err() != nil {
				return last, err
			}
			lastErr = err
			e.logger.Debug("interpreter failed",
				slog.String("interpreter", interp),
				slog.Int("cycle", cycle),
				slog.String("error", err.Error()),
			)
		}
		if cycle < e.cfg.CycleRetries {
			if err := retry.Sleep(ctx, b.NextBackOff()); err != nil {
				return last, fmt.Errorf("execution cancelled: %w", err)
			}
		}
	}
	return last, fmt.Errorf("all %d interpreters failed after %d cycles: %w", len(e.cfg.Interpreters), e.cfg.CycleRetries, lastErr)
}
