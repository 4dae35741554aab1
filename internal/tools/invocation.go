package tools

import "time"

// Invocation is the per-call context handed to a tool.
//
// An Invocation belongs to exactly one attempt chain and must not be shared
// between concurrent chains; none of its fields are synchronized.
type Invocation struct {
	// ChainID correlates every attempt of one top-level call. Assigned by the
	// escalation engine when empty.
	ChainID string

	// Params carries the caller-supplied input parameters.
	Params map[string]any

	// State is scratch space methods may use to hand data to later attempts.
	State map[string]any

	// SessionID names the isolation boundary. Required for any tool that
	// touches the filesystem or spawns processes.
	SessionID string

	// WorkingDir is optional; when set it must resolve inside the session root.
	// The engine replaces it with the canonical path before the first attempt.
	WorkingDir string

	// RetryAttempt counts primary attempts made so far in this chain.
	RetryAttempt int

	// PreferredAlternative, when it names a declared alternative, is tried first.
	PreferredAlternative string

	// LastFailure holds the error message of the most recent failed attempt.
	LastFailure string

	history []Attempt
}

// NewInvocation creates an Invocation for the given session and parameters.
func NewInvocation(sessionID string, params map[string]any) *Invocation {
	if params == nil {
		params = make(map[string]any)
	}
	return &Invocation{
		Params:    params,
		State:     make(map[string]any),
		SessionID: sessionID,
	}
}

// Record appends an attempt, numbering it sequentially, and returns the stored copy.
func (inv *Invocation) Record(method string, started time.Time, duration time.Duration, err error) Attempt {
	a := Attempt{
		Number:    len(inv.history) + 1,
		Timestamp: started,
		Method:    method,
		Success:   err == nil,
		Duration:  duration,
	}
	if err != nil {
		a.Error = err.Error()
		inv.LastFailure = a.Error
	}
	inv.history = append(inv.history, a)
	return a
}

// History returns a copy of the attempts made so far, in order.
func (inv *Invocation) History() []Attempt {
	out := make([]Attempt, len(inv.history))
	copy(out, inv.history)
	return out
}

// Attempts returns the number of attempts recorded.
func (inv *Invocation) Attempts() int { return len(inv.history) }

// Tried reports whether method already has a recorded attempt.
func (inv *Invocation) Tried(method string) bool {
	for _, a := range inv.history {
		if a.Method == method {
			return true
		}
	}
	return false
}
