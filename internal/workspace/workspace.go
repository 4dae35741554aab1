// Package workspace manages the toolrun runtime directory structure.
// Session roots, scratch space for materialized scripts, audit logs and the
// audit database all live under a single workspace root.
//
// Default workspace: ~/.toolrun/workspace (configurable via config or TOOLRUN_WORKSPACE env var).
package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".toolrun/workspace"

// ErrEmptySession is returned when a session root is requested without an ID.
var ErrEmptySession = errors.New("session id must not be empty")

// ErrInvalidSession is returned for session IDs that cannot name a single
// directory: IDs containing a path separator or NUL byte, "." and "..".
var ErrInvalidSession = errors.New("invalid session id")

// Workspace manages all toolrun runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.toolrun/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// SessionsDir returns <root>/sessions/. Holds one root directory per session.
func (w *Workspace) SessionsDir() string {
	return w.dir("sessions")
}

// SandboxDir returns <root>/sandbox/. Scratch space for materialized scripts.
func (w *Workspace) SandboxDir() string {
	return w.restrictedDir("sandbox")
}

// LogsDir returns <root>/logs/. Audit trail files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// DataDir returns <root>/data/. Embedded database files.
func (w *Workspace) DataDir() string {
	return w.dir("data")
}

// --- Derived paths ---

// AuditLogPath returns <root>/logs/audit.jsonl.
func (w *Workspace) AuditLogPath() string {
	return filepath.Join(w.LogsDir(), "audit.jsonl")
}

// DatabasePath returns <root>/data/toolrun.db.
func (w *Workspace) DatabasePath() string {
	return filepath.Join(w.DataDir(), "toolrun.db")
}

// --- Session paths ---

// SessionRoot returns <root>/sessions/<sessionID>/, creating it on first use.
// The returned path has symlinks resolved so it can be compared against
// canonicalized paths.
func (w *Workspace) SessionRoot(sessionID string) (string, error) {
	if err := checkSessionID(sessionID); err != nil {
		return "", err
	}
	p := filepath.Join(w.SessionsDir(), sessionID)
	if err := w.ensureDir(p, 0750); err != nil {
		return "", err
	}
	real, err := filepath.EvalSymlinks(p)
	if err != nil {
		return "", fmt.Errorf("resolving session root %s: %w", p, err)
	}
	return real, nil
}

// Sessions lists the session directory names currently on disk.
func (w *Workspace) Sessions() ([]string, error) {
	entries, err := os.ReadDir(w.SessionsDir())
	if err != nil {
		return nil, fmt.Errorf("reading sessions dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// RemoveSession deletes a session root and everything under it.
func (w *Workspace) RemoveSession(sessionID string) error {
	if err := checkSessionID(sessionID); err != nil {
		return err
	}
	p := filepath.Join(w.SessionsDir(), sessionID)
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("removing session %s: %w", sessionID, err)
	}
	w.mu.Lock()
	delete(w.created, p)
	w.mu.Unlock()
	return nil
}

// --- Cleanup ---

// PruneScratch removes sandbox directory entries last modified before cutoff
// and returns how many were removed. A missing sandbox directory is not an error.
func (w *Workspace) PruneScratch(cutoff time.Time) (int, error) {
	dir := filepath.Join(w.Root, "sandbox")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading sandbox dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("removing scratch entry %s: %w", e.Name(), err)
		}
		removed++
	}
	return removed, nil
}

// EnsureAll creates all standard workspace directories.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.SessionsDir(),
		w.LogsDir(),
		w.DataDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	_ = w.SandboxDir()
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// restrictedDir is like dir but uses 0700 permissions.
func (w *Workspace) restrictedDir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0700)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// checkSessionID accepts IDs usable verbatim as one directory name, so
// distinct IDs always map to distinct session roots.
func checkSessionID(id string) error {
	if strings.TrimSpace(id) == "" {
		return ErrEmptySession
	}
	if id == "." || id == ".." || strings.ContainsAny(id, "/\\\x00") {
		return fmt.Errorf("%w: %q", ErrInvalidSession, id)
	}
	return nil
}
