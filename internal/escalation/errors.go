package escalation

import (
	"context"
	"errors"
	"strings"

	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
	"github.com/jkaninda/toolrun/internal/workspace"
)

// ErrExhausted marks a chain in which every retry and every alternative failed.
var ErrExhausted = errors.New("all methods exhausted")

// MethodFailure is one failed method in an exhausted chain.
type MethodFailure struct {
	Method string
	Err    string
}

// ExhaustedError aggregates the failures of an exhausted chain in attempt order.
type ExhaustedError struct {
	Failures []MethodFailure
}

func (e *ExhaustedError) Error() string {
	if len(e.Failures) == 0 {
		return "all methods failed"
	}
	parts := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		parts[i] = f.Method + ": " + f.Err
	}
	return "all methods failed: " + strings.Join(parts, "; ")
}

// Is makes errors.Is(err, ErrExhausted) true for any *ExhaustedError.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Classify maps an error onto the failure taxonomy.
func Classify(err error) tools.Kind {
	switch {
	case err == nil:
		return tools.KindNone
	case errors.Is(err, tools.ErrValidation),
		errors.Is(err, sandbox.ErrNoSession),
		errors.Is(err, sandbox.ErrInvalidRequest),
		errors.Is(err, sandbox.ErrUnknownStrategy),
		errors.Is(err, workspace.ErrInvalidSession):
		return tools.KindValidation
	case errors.Is(err, sandbox.ErrViolation):
		return tools.KindSandbox
	case errors.Is(err, ErrExhausted):
		return tools.KindExhausted
	case errors.Is(err, sandbox.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return tools.KindTimeout
	case errors.Is(err, context.Canceled):
		return tools.KindCancelled
	default:
		return tools.KindTransient
	}
}

// failFast reports whether err must stop a chain without consuming an attempt.
func failFast(err error) bool {
	k := Classify(err)
	return k == tools.KindValidation || k == tools.KindSandbox
}
