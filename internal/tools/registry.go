package tools

import (
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Registry holds available tools keyed by lower-cased name.
// Safe for concurrent lookups; registration normally happens at startup.
// There is no unregister: a name, once taken, keeps its first tool.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	order  []string // registration order, for stable capability lookups
	logger *slog.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger,
	}
}

// Register adds a tool. A second tool with the same name (ignoring case) is
// rejected and logged as a conflict; the first registration is kept.
// Returns whether t was inserted.
func (r *Registry) Register(t Tool) bool {
	spec := t.Spec()
	key := strings.ToLower(strings.TrimSpace(spec.Name))
	if key == "" {
		r.logger.Warn("tool registration rejected: empty name")
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tools[key]; ok {
		r.logger.Warn("tool registration conflict, keeping first registration",
			slog.String("tool", spec.Name),
			slog.String("existing", existing.Spec().Name),
		)
		return false
	}
	r.tools[key] = t
	r.order = append(r.order, key)
	r.logger.Debug("tool registered",
		slog.String("tool", spec.Name),
		slog.Any("capabilities", spec.Capabilities.Sorted()),
	)
	return true
}

// Get returns the tool by name (case-insensitive), or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[strings.ToLower(strings.TrimSpace(name))]
}

// FindByCapability returns every tool declaring token, in registration order.
func (r *Registry) FindByCapability(token string) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Tool
	for _, key := range r.order {
		t := r.tools[key]
		if t.Spec().Capabilities.Has(token) {
			out = append(out, t)
		}
	}
	return out
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for _, t := range r.tools {
		names = append(names, t.Spec().Name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered tools in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.order))
	for _, key := range r.order {
		result = append(result, r.tools[key])
	}
	return result
}
