// Package file implements the sandboxed file tool.
//
// Security: every path is resolved through the session sandbox to its
// absolute, symlink-free form and checked against the session root before
// any I/O occurs.
package file

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

// Name is the registry name of the file tool.
const Name = "file"

// Operations accepted by the "operation" parameter.
const (
	OpRead   = "read"
	OpWrite  = "write"
	OpList   = "list"
	OpDelete = "delete"
	OpExists = "exists"
)

// MethodDirectIO is the alternative that bypasses temp-file staging and buffered reads.
const MethodDirectIO = "direct_io"

const defaultMaxFileSize = 10 << 20 // 10 MB

// Config configures file tool restrictions.
type Config struct {
	MaxFileSizeBytes int64 // Maximum file size for read/write. 0 = 10 MB default.
}

// Entry is one directory listing row.
type Entry struct {
	Name  string `json:"name"`
	Mode  string `json:"mode"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// Output is the result of every file operation.
type Output struct {
	Operation string  `json:"operation"`
	Path      string  `json:"path"`
	Content   string  `json:"content,omitempty"`
	Size      int64   `json:"size"`
	Exists    bool    `json:"exists"`
	Entries   []Entry `json:"entries,omitempty"`
}

// Tool reads, writes, lists and deletes files inside a session root.
type Tool struct {
	resolver *sandbox.Resolver
	config   Config
	logger   *slog.Logger
}

// New creates a file tool confined by resolver.
func New(resolver *sandbox.Resolver, cfg Config, logger *slog.Logger) *Tool {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Tool{resolver: resolver, config: cfg, logger: logger}
}

func (t *Tool) Spec() tools.Spec {
	return tools.Spec{
		Name:               Name,
		Description:        "Read, write, list or delete files inside the session directory",
		Capabilities:       tools.Capabilities("file", "read", "write", "list", "delete"),
		RequiresFileSystem: true,
		PathParams:         []string{"path"},
	}
}

func (t *Tool) EstimateCost(*tools.Invocation) float64 { return 0 }

func (t *Tool) Alternatives() []tools.Method {
	return []tools.Method{{Name: MethodDirectIO, Run: t.directIO}}
}

type request struct {
	path      string
	op        string
	content   string
	overwrite bool
	recursive bool
}

func (t *Tool) maxSize() int64 {
	if t.config.MaxFileSizeBytes > 0 {
		return t.config.MaxFileSizeBytes
	}
	return defaultMaxFileSize
}

// Validate checks params without touching the filesystem.
//
// Required params:
//
//	"path" (string): session-relative or absolute path inside the session
//
// Optional params:
//
//	"operation" (string): read (default), write, list, delete, exists
//	"content" (string): content for write
//	"overwrite" (bool): allow write to replace an existing file
//	"recursive" (bool): allow delete of a non-empty directory
func (t *Tool) Validate(inv *tools.Invocation) error {
	_, err := t.parse(inv)
	return err
}

func (t *Tool) parse(inv *tools.Invocation) (request, error) {
	var r request
	var err error
	if r.path, err = tools.RequireString(inv.Params, "path"); err != nil {
		return r, err
	}
	if r.op, err = tools.OptionalString(inv.Params, "operation", OpRead); err != nil {
		return r, err
	}
	switch r.op {
	case OpRead, OpList, OpDelete, OpExists:
	case OpWrite:
		v, ok := inv.Params["content"]
		if !ok {
			return r, tools.Invalid("content", "missing required parameter for write")
		}
		if r.content, ok = v.(string); !ok {
			return r, tools.Invalid("content", "must be a string, got %T", v)
		}
		if int64(len(r.content)) > t.maxSize() {
			return r, tools.Invalid("content", "size %d exceeds limit %d bytes", len(r.content), t.maxSize())
		}
	default:
		return r, tools.Invalid("operation", "must be one of read, write, list, delete, exists; got %q", r.op)
	}
	if r.overwrite, err = tools.OptionalBool(inv.Params, "overwrite", false); err != nil {
		return r, err
	}
	if r.recursive, err = tools.OptionalBool(inv.Params, "recursive", false); err != nil {
		return r, err
	}
	return r, nil
}

// Primary performs the operation with staged writes and size-checked reads.
func (t *Tool) Primary(ctx context.Context, inv *tools.Invocation) (any, error) {
	return t.execute(ctx, inv, false)
}

// directIO writes in place and streams reads through a bounded reader.
func (t *Tool) directIO(ctx context.Context, inv *tools.Invocation) (any, error) {
	return t.execute(ctx, inv, true)
}

func (t *Tool) execute(ctx context.Context, inv *tools.Invocation, direct bool) (any, error) {
	r, err := t.parse(inv)
	if err != nil {
		return nil, err
	}
	resolved, err := t.resolver.Resolve(inv.SessionID, r.path)
	if err != nil {
		return nil, err
	}

	t.logger.InfoContext(ctx, "file tool executing",
		slog.String("chain_id", inv.ChainID),
		slog.String("operation", r.op),
		slog.String("path", resolved),
		slog.Bool("direct", direct),
	)

	out := &Output{Operation: r.op, Path: t.resolver.DisplayPath(inv.SessionID, resolved)}
	switch r.op {
	case OpRead:
		err = t.read(resolved, direct, out)
	case OpWrite:
		err = t.write(resolved, r, direct, out)
	case OpList:
		err = t.list(resolved, out)
	case OpDelete:
		err = t.remove(inv.SessionID, resolved, r.recursive, out)
	case OpExists:
		err = t.exists(resolved, out)
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tool) read(path string, direct bool, out *Output) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return tools.Invalid("operation", "%s is a directory, use operation=\"list\"", out.Path)
	}
	if !direct && info.Size() > t.maxSize() {
		return fmt.Errorf("file size %d exceeds limit %d bytes", info.Size(), t.maxSize())
	}

	var data []byte
	if direct {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		data, err = io.ReadAll(io.LimitReader(f, t.maxSize()))
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}

	out.Content = tools.TruncateOutput(string(data), tools.MaxOutputBytes)
	out.Size = info.Size()
	out.Exists = true
	return nil
}

func (t *Tool) write(path string, r request, direct bool, out *Output) error {
	if info, err := os.Stat(path); err == nil {
		if info.IsDir() {
			return tools.Invalid("path", "%s is a directory", out.Path)
		}
		if !r.overwrite {
			return tools.Invalid("overwrite", "%s already exists and overwrite is not set", out.Path)
		}
	}

	// Ensure parent directory exists.
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("creating parent directory: %w", err)
	}

	if direct {
		if err := os.WriteFile(path, []byte(r.content), fs.FileMode(0640)); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	} else if err := writeAtomic(path, []byte(r.content)); err != nil {
		return err
	}

	out.Size = int64(len(r.content))
	out.Exists = true
	return nil
}

// writeAtomic stages data in a sibling temp file and renames it into place.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Chmod(0640); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

func (t *Tool) list(path string, out *Output) error {
	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("listing %s: %w", path, err)
	}
	out.Entries = make([]Entry, 0, len(entries))
	for _, e := range entries {
		row := Entry{Name: e.Name(), Mode: "-", IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil {
			row.Mode = info.Mode().String()
			row.Size = info.Size()
		}
		out.Entries = append(out.Entries, row)
	}
	out.Exists = true
	out.Size = int64(len(entries))
	return nil
}

func (t *Tool) remove(sessionID, path string, recursive bool, out *Output) error {
	root, err := t.resolver.Root(sessionID)
	if err != nil {
		return err
	}
	if path == root {
		return &sandbox.ViolationError{SessionID: sessionID, Path: out.Path, Reason: "is the session root and cannot be deleted"}
	}
	if _, err := os.Lstat(path); err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if recursive {
		err = os.RemoveAll(path)
	} else {
		err = os.Remove(path)
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (t *Tool) exists(path string, out *Output) error {
	info, err := os.Stat(path)
	switch {
	case err == nil:
		out.Exists = true
		out.Size = info.Size()
	case os.IsNotExist(err):
		out.Exists = false
	default:
		return fmt.Errorf("stat %s: %w", path, err)
	}
	return nil
}
