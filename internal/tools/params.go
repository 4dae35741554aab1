package tools

import (
	"strconv"
	"strings"
)

// RequireString extracts a required non-empty string param.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", Invalid(key, "missing required parameter")
	}
	s, ok := v.(string)
	if !ok {
		return "", Invalid(key, "must be a string, got %T", v)
	}
	if strings.TrimSpace(s) == "" {
		return "", Invalid(key, "must not be empty")
	}
	return s, nil
}

// OptionalString returns params[key] as a string, or def when absent or empty.
func OptionalString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", Invalid(key, "must be a string, got %T", v)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

// OptionalBool accepts a bool or a string parsable by strconv.ParseBool.
func OptionalBool(params map[string]any, key string, def bool) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		if b == "" {
			return def, nil
		}
		parsed, err := strconv.ParseBool(b)
		if err != nil {
			return false, Invalid(key, "must be a boolean, got %q", b)
		}
		return parsed, nil
	default:
		return false, Invalid(key, "must be a boolean, got %T", v)
	}
}

// OptionalInt accepts any integer type, a whole float64 (as decoded from JSON),
// or a numeric string.
func OptionalInt(params map[string]any, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case float64:
		if n != float64(int(n)) {
			return 0, Invalid(key, "must be a whole number, got %v", n)
		}
		return int(n), nil
	case string:
		if n == "" {
			return def, nil
		}
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, Invalid(key, "must be an integer, got %q", n)
		}
		return parsed, nil
	default:
		return 0, Invalid(key, "must be an integer, got %T", v)
	}
}
