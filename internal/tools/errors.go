package tools

import (
	"errors"
	"fmt"
)

// ErrValidation marks malformed or missing invocation parameters.
// Validation failures never consume an attempt.
var ErrValidation = errors.New("validation failed")

// ValidationError describes a single invalid parameter.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return "invalid invocation: " + e.Reason
	}
	return fmt.Sprintf("invalid parameter %s: %s", e.Param, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) true for any *ValidationError.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid returns a *ValidationError for param.
func Invalid(param, format string, args ...any) error {
	return &ValidationError{Param: param, Reason: fmt.Sprintf(format, args...)}
}
