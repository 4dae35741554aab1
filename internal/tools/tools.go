// Package tools defines the tool contract and registry for toolrun.
// A tool declares what it can do through capability tokens and exposes a
// primary method plus an ordered list of named alternative methods that the
// escalation engine falls back to when the primary keeps failing.
package tools

import (
	"context"
	"time"
)

// MethodPrimary is the method name recorded for attempts of a tool's primary method.
const MethodPrimary = "primary"

// Method names recorded on a Result when a chain is stopped before any attempt.
const (
	MethodValidation = "validation"
	MethodSandbox    = "sandbox"
)

// Tool is the interface all toolrun tools must implement.
// Implementations are immutable after construction and safe for concurrent use;
// per-call state lives in the Invocation.
type Tool interface {
	// Spec returns the tool's identity and traits.
	Spec() Spec

	// Validate checks that the invocation parameters are well-formed.
	// It must not perform I/O, spawn processes, or touch the network.
	Validate(inv *Invocation) error

	// EstimateCost returns the estimated cost of a single attempt.
	EstimateCost(inv *Invocation) float64

	// Primary runs the tool's main implementation once.
	Primary(ctx context.Context, inv *Invocation) (any, error)

	// Alternatives returns the fallback methods in the order they should be tried.
	Alternatives() []Method
}

// Spec describes a tool. Name is unique case-insensitively within a Registry.
type Spec struct {
	Name               string
	Description        string
	Capabilities       CapabilitySet
	RequiresNetwork    bool
	RequiresFileSystem bool

	// PathParams names string params holding session paths. Pre-flight
	// checks reject values that resolve outside the session root.
	PathParams []string
}

// MethodFunc is the signature shared by primary and alternative implementations.
type MethodFunc func(ctx context.Context, inv *Invocation) (any, error)

// Method is a named alternative implementation.
type Method struct {
	Name string
	Run  MethodFunc
}

// AlternativeNames returns the names of t's alternatives in declared order.
func AlternativeNames(t Tool) []string {
	alts := t.Alternatives()
	names := make([]string, len(alts))
	for i, m := range alts {
		names[i] = m.Name
	}
	return names
}

// Kind classifies how an invocation chain ended.
type Kind string

const (
	KindNone       Kind = ""
	KindValidation Kind = "validation"
	KindSandbox    Kind = "sandbox_violation"
	KindTransient  Kind = "transient"
	KindTimeout    Kind = "timeout"
	KindCancelled  Kind = "cancelled"
	KindExhausted  Kind = "exhausted"
)

// Attempt records one execution of a primary or alternative method.
// Attempts are appended to an Invocation and never modified afterwards.
type Attempt struct {
	Number    int           `json:"number"`
	Timestamp time.Time     `json:"timestamp"`
	Method    string        `json:"method"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Result is the outcome of one top-level call into the escalation engine.
type Result struct {
	Success              bool          `json:"success"`
	Output               any           `json:"output,omitempty"`
	Error                string        `json:"error,omitempty"`
	Kind                 Kind          `json:"kind,omitempty"`
	Cost                 float64       `json:"cost"`
	ExecutionTime        time.Duration `json:"execution_time"`
	MethodUsed           string        `json:"method_used"`
	TotalAttempts        int           `json:"total_attempts"`
	SuggestedAlternative string        `json:"suggested_alternative,omitempty"`
	HasMoreAlternatives  bool          `json:"has_more_alternatives"`
	History              []Attempt     `json:"history,omitempty"`
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const chainIDKey contextKey = iota

// ContextWithChainID returns a new context carrying the attempt chain ID.
// The escalation engine sets it before every method call.
func ContextWithChainID(ctx context.Context, chainID string) context.Context {
	return context.WithValue(ctx, chainIDKey, chainID)
}

// ChainIDFromContext extracts the chain ID from context, or "" if not set.
func ChainIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(chainIDKey).(string); ok {
		return v
	}
	return ""
}

// MaxOutputBytes is the default cap for textual tool output.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}
