package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "alpine:3.20"

	// containerWorkspace is where the session root is mounted inside the container.
	containerWorkspace = "/workspace"
)

// DockerConfig configures the container strategy.
type DockerConfig struct {
	Image          string  // Container image. Default: alpine:3.20.
	Binary         string  // Docker CLI. Default: "docker".
	MemoryMB       int     // --memory hard limit. 0 = executor default.
	CPUCores       float64 // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int     // --pids-limit (prevents fork bombs).
	NetworkAllowed bool    // false = --network=none (no network stack at all).
}

// dockerRunner executes commands inside ephemeral Docker containers.
//
// Security guarantees:
//   - Each execution gets its own container (--rm, plus deferred docker rm -f safety net)
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Read-only root filesystem (--read-only); only the session root and a tmpfs are writable
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - Container always cleaned up, even on timeout/crash
type dockerRunner struct {
	config DockerConfig
	logger *slog.Logger
}

func newDockerRunner(cfg DockerConfig, logger *slog.Logger) *dockerRunner {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &dockerRunner{config: cfg, logger: logger}
}

// run executes the job's command with sh -c inside a fresh container.
func (d *dockerRunner) run(parent context.Context, j *job) (*Result, error) {
	ctx, cancel := context.WithTimeout(parent, j.timeout)
	defer cancel()

	containerName, err := generateContainerName()
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}

	memoryMB := d.config.MemoryMB
	if memoryMB <= 0 {
		memoryMB = j.limits.MaxMemoryMB
	}
	if memoryMB <= 0 {
		memoryMB = defaultMemoryMB
	}

	workdir, err := containerWorkdir(j.root, j.dir)
	if err != nil {
		return nil, err
	}

	args := d.buildDockerArgs(containerName, memoryMB, j.root, workdir, j.Env)
	args = append(args, "sh", "-c", j.Command)

	cmd := exec.CommandContext(ctx, d.config.Binary, args...)

	// Kill the docker client on context cancellation.
	// Docker also stops the container once the client disconnects.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	var stdoutBuf, stderrBuf bytes.Buffer
	var lineMu sync.Mutex
	stdout := newLineWriter(&limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}, Stdout, j.OnLine, &lineMu)
	stderr := newLineWriter(&limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}, Stderr, j.OnLine, &lineMu)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	d.logger.Info("container executing",
		slog.String("container", containerName),
		slog.String("image", d.config.Image),
		slog.String("session", j.SessionID),
		slog.Int("memory_mb", memoryMB),
		slog.Float64("cpu_cores", d.config.CPUCores),
		slog.Duration("timeout", j.timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)
	stdout.Flush()
	stderr.Flush()

	// Safety net: force remove the container in case --rm didn't fire
	// (e.g., OOM kill, daemon restart, context cancel race).
	d.forceRemoveContainer(containerName)

	res := &Result{
		Stdout:      stdoutBuf.String(),
		Stderr:      stderrBuf.String(),
		Duration:    duration,
		Interpreter: d.config.Image,
		Spawns:      1,
	}

	if runErr != nil {
		if ctx.Err() != nil {
			res.ExitCode = -1
			if perr := parent.Err(); perr != nil {
				return res, fmt.Errorf("execution cancelled: %w", perr)
			}
			d.logger.Warn("container timed out",
				slog.String("container", containerName),
				slog.Duration("timeout", j.timeout),
			)
			return res, &TimeoutError{After: j.timeout}
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("docker execution failed: %w", runErr)
		}
	}

	d.logger.Info("container completed",
		slog.String("container", containerName),
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", duration),
	)
	return res, nil
}

// buildDockerArgs constructs the full docker run argument list with all
// security hardening flags. The command itself is NOT included; the caller appends it.
func (d *dockerRunner) buildDockerArgs(name string, memoryMB int, root, workdir string, env map[string]string) []string {
	memoryFlag := strconv.Itoa(memoryMB) + "m"
	cpuFlag := strconv.FormatFloat(d.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(d.config.PIDsLimit)

	args := []string{
		"run", "--rm",
		"--name", name,

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		// --- Session root is the only persistent writable mount ---
		"--volume", root + ":" + containerWorkspace + ":rw",
		"--tmpfs", "/tmp:rw,noexec,nosuid,size=64m",
		"--workdir", workdir,

		// --- Sanitized environment (no host inheritance) ---
		"--env", "HOME=" + containerWorkspace,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=en_US.UTF-8",
		"--env", "TERM=dumb",
	}

	if d.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	for k, v := range env {
		args = append(args, "--env", k+"="+v)
	}

	// Image (must come after all flags, before command).
	args = append(args, d.config.Image)
	return args
}

// containerWorkdir maps a resolved host directory inside root onto the container mount.
func containerWorkdir(root, dir string) (string, error) {
	rel, err := filepath.Rel(root, dir)
	if err != nil {
		return "", fmt.Errorf("mapping working directory: %w", err)
	}
	if rel == "." {
		return containerWorkspace, nil
	}
	return filepath.ToSlash(filepath.Join(containerWorkspace, rel)), nil
}

// forceRemoveContainer attempts to remove a container by name.
// If --rm didn't fire due to OOM kill, daemon restart, or a context cancel
// race, this ensures no container leakage. Errors are logged, not returned.
func (d *dockerRunner) forceRemoveContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, d.config.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil {
		// "No such container" is expected when --rm already cleaned up.
		if !bytes.Contains(out, []byte("No such container")) {
			d.logger.Warn("docker rm -f failed",
				slog.String("container", name),
				slog.String("error", err.Error()),
				slog.String("output", string(out)),
			)
		}
	}
}

// Ping checks that the docker daemon answers.
func (d *dockerRunner) Ping(ctx context.Context) error {
	if out, err := exec.CommandContext(ctx, d.config.Binary, "info", "--format", "{{.ServerVersion}}").CombinedOutput(); err != nil {
		return fmt.Errorf("docker info: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// generateContainerName returns a unique container name: toolrun-sbx-<16 hex chars>.
func generateContainerName() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "toolrun-sbx-" + hex.EncodeToString(b), nil
}
