// Package retry holds the single backoff policy used for every inter-attempt
// delay in toolrun: escalation retries and interpreter cycles alike.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultInitialDelay = 500 * time.Millisecond
	DefaultMaxDelay     = 10 * time.Second
	DefaultMultiplier   = 2.0
)

// Policy describes an exponential backoff with a ceiling.
// A Multiplier of 1 yields a fixed delay.
type Policy struct {
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay" toml:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" yaml:"max_delay" toml:"max_delay"`
	Multiplier   float64       `json:"multiplier" yaml:"multiplier" toml:"multiplier"`
	Jitter       float64       `json:"jitter" yaml:"jitter" toml:"jitter"` // 0 = deterministic, 0.5 = +/-50%.
}

// Default returns the policy used when nothing is configured.
func Default() Policy {
	return Policy{
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
	}
}

// WithInitial returns a copy of p starting at d. A zero d keeps p's delay.
func (p Policy) WithInitial(d time.Duration) Policy {
	if d > 0 {
		p.InitialDelay = d
	}
	return p
}

// normalized fills zero fields with defaults. A negative InitialDelay means
// "no delay at all" and is preserved.
func (p Policy) normalized() Policy {
	if p.InitialDelay == 0 {
		p.InitialDelay = DefaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// NewBackOff builds a fresh backoff sequence for one chain.
func (p Policy) NewBackOff() backoff.BackOff {
	p = p.normalized()
	if p.InitialDelay < 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.Reset()
	return b
}

// Delay returns the wait before attempt n+1 after n failures (n is 1-based).
// Without jitter the value is InitialDelay * Multiplier^(n-1), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b := p.NewBackOff()
	var d time.Duration
	for range n {
		d = b.NextBackOff()
	}
	return d
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
