package sandbox

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultExternalMarker replaces paths outside a session root when masking is on.
const DefaultExternalMarker = "<external path>"

// SessionRoots maps a session identifier to its root directory.
// The root must exist; implementations typically create it on demand.
type SessionRoots interface {
	SessionRoot(sessionID string) (string, error)
}

// ResolverConfig controls display masking.
type ResolverConfig struct {
	MaskExternalPaths bool
	ExternalMarker    string // Default: "<external path>".
}

// Resolver canonicalizes caller-supplied paths and guarantees they stay inside
// the owning session's root. It holds no mutable state and is safe for
// concurrent use.
type Resolver struct {
	roots  SessionRoots
	mask   bool
	marker string
}

// NewResolver creates a Resolver backed by roots.
func NewResolver(roots SessionRoots, cfg ResolverConfig) *Resolver {
	marker := cfg.ExternalMarker
	if marker == "" {
		marker = DefaultExternalMarker
	}
	return &Resolver{roots: roots, mask: cfg.MaskExternalPaths, marker: marker}
}

// Root returns the canonical root directory of a session.
func (r *Resolver) Root(sessionID string) (string, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", ErrNoSession
	}
	root, err := r.roots.SessionRoot(sessionID)
	if err != nil {
		return "", fmt.Errorf("resolving session root: %w", err)
	}
	real, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("resolving session root %s: %w", root, err)
	}
	return real, nil
}

// Resolve returns the canonical absolute form of requested, or an error
// wrapping ErrViolation when it contains a ".." segment or resolves outside
// the session root. Relative paths are taken relative to the root; an empty
// path means the root itself. Symlinks are followed, so a link pointing out of
// the root is rejected. Paths that do not exist yet are resolved through their
// nearest existing ancestor.
func (r *Resolver) Resolve(sessionID, requested string) (string, error) {
	root, err := r.Root(sessionID)
	if err != nil {
		return "", err
	}
	if requested == "" || requested == "." {
		return root, nil
	}
	if hasTraversal(requested) {
		return "", &ViolationError{SessionID: sessionID, Path: requested, Reason: "contains a parent-directory segment"}
	}

	p := requested
	if !filepath.IsAbs(p) {
		p = filepath.Join(root, p)
	}
	resolved, err := canonicalize(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", requested, err)
	}
	if !within(root, resolved) {
		return "", &ViolationError{SessionID: sessionID, Path: requested, Reason: "resolves outside the session root"}
	}
	return resolved, nil
}

// DisplayPath returns p for display. With masking enabled, any path outside
// the session root is replaced by the external-path marker.
func (r *Resolver) DisplayPath(sessionID, p string) string {
	if !r.mask {
		return p
	}
	root, err := r.Root(sessionID)
	if err != nil {
		return r.marker
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return r.marker
	}
	if resolved, err := canonicalize(abs); err == nil {
		abs = resolved
	}
	if !within(root, abs) {
		return r.marker
	}
	return p
}

// hasTraversal reports whether any path segment is "..", using both separators.
func hasTraversal(p string) bool {
	for _, seg := range strings.FieldsFunc(p, func(c rune) bool { return c == '/' || c == '\\' }) {
		if seg == ".." {
			return true
		}
	}
	return false
}

// canonicalize resolves symlinks in p. Missing trailing components are
// re-attached to the deepest ancestor that exists.
func canonicalize(p string) (string, error) {
	resolved, err := filepath.EvalSymlinks(p)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	var missing []string
	cur := p
	for {
		parent := filepath.Dir(cur)
		missing = append(missing, filepath.Base(cur))
		if parent == cur {
			return "", err
		}
		cur = parent
		real, perr := filepath.EvalSymlinks(cur)
		if perr == nil {
			for i := len(missing) - 1; i >= 0; i-- {
				real = filepath.Join(real, missing[i])
			}
			return real, nil
		}
		if !os.IsNotExist(perr) {
			return "", perr
		}
	}
}

// within reports whether p equals root or lies beneath it.
// "/tmp" contains "/tmp/foo" but not "/tmpevil".
func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+string(filepath.Separator))
}
