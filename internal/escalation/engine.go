// Package escalation wraps tool invocations with retry and alternative-method
// fallback.
//
// One top-level call moves through a fixed sequence: pre-flight checks, up to
// maxRetries primary attempts separated by backoff waits, then the tool's
// alternatives in order until one succeeds. Validation and sandbox failures
// stop the chain immediately without consuming an attempt. Attempts within a
// chain are strictly sequential.
package escalation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/toolrun/internal/retry"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

// PathResolver confines working directories to a session root.
type PathResolver interface {
	Resolve(sessionID, requested string) (string, error)
}

// Config configures an Engine.
type Config struct {
	// Policy shapes the waits between failed primary attempts.
	// RunWithRetry overrides its initial delay.
	Policy retry.Policy

	// DefaultRetries is the primary attempt ceiling used by Invoke. Default: 3.
	DefaultRetries int

	Observer Observer
	Logger   *slog.Logger
}

// Engine runs attempt chains. It is stateless between calls and safe for
// concurrent use by independent chains.
type Engine struct {
	resolver PathResolver
	policy   retry.Policy
	retries  int
	observer Observer
	logger   *slog.Logger
}

// New creates an Engine. resolver may be nil when no tool needs a working directory.
func New(resolver PathResolver, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	retries := cfg.DefaultRetries
	if retries <= 0 {
		retries = 3
	}
	policy := cfg.Policy
	if policy == (retry.Policy{}) {
		policy = retry.Default()
	}
	return &Engine{
		resolver: resolver,
		policy:   policy,
		retries:  retries,
		observer: cfg.Observer,
		logger:   logger,
	}
}

// Policy returns the engine's default backoff policy.
func (e *Engine) Policy() retry.Policy { return e.policy }

// Invoke runs a full chain with the engine's default retries and policy.
func (e *Engine) Invoke(ctx context.Context, t tools.Tool, inv *tools.Invocation) *tools.Result {
	return e.RunWithPolicy(ctx, t, inv, e.retries, e.policy)
}

// Run makes a single primary attempt with no retry and no escalation.
// On failure the result suggests the alternative a caller could try next.
func (e *Engine) Run(ctx context.Context, t tools.Tool, inv *tools.Invocation) *tools.Result {
	c := e.begin(t, inv)
	if err := e.preflight(t, inv); err != nil {
		return c.failFast(ctx, err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail(ctx, fmt.Errorf("chain cancelled: %w", err), tools.KindCancelled)
	}
	out, err := c.attempt(ctx, tools.MethodPrimary, t.Primary)
	if err == nil {
		return c.succeed(ctx, out, tools.MethodPrimary, "", len(c.alts) > 0)
	}
	if failFast(err) {
		return c.failFast(ctx, err)
	}
	return c.fail(ctx, err, Classify(err))
}

// RunWithRetry attempts the primary method up to maxRetries times, waiting
// between failures with the engine's backoff policy starting at retryDelay,
// then escalates through the tool's alternatives. maxRetries below 1 is
// treated as 1.
func (e *Engine) RunWithRetry(ctx context.Context, t tools.Tool, inv *tools.Invocation, maxRetries int, retryDelay time.Duration) *tools.Result {
	return e.RunWithPolicy(ctx, t, inv, maxRetries, e.policy.WithInitial(retryDelay))
}

// RunWithPolicy is RunWithRetry with an explicit backoff policy.
func (e *Engine) RunWithPolicy(ctx context.Context, t tools.Tool, inv *tools.Invocation, maxRetries int, p retry.Policy) *tools.Result {
	c := e.begin(t, inv)
	if err := e.preflight(t, inv); err != nil {
		return c.failFast(ctx, err)
	}
	if maxRetries < 1 {
		maxRetries = 1
	}

	b := p.NewBackOff()
	var lastErr error
	for i := 1; i <= maxRetries; i++ {
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, fmt.Errorf("chain cancelled: %w", err), tools.KindCancelled)
		}
		out, err := c.attempt(ctx, tools.MethodPrimary, t.Primary)
		if err == nil {
			return c.succeed(ctx, out, tools.MethodPrimary, "", len(c.alts) > 0)
		}
		if failFast(err) {
			return c.failFast(ctx, err)
		}
		lastErr = err
		if i == maxRetries {
			break
		}
		delay := b.NextBackOff()
		e.logger.DebugContext(ctx, "retrying primary",
			slog.String("chain_id", inv.ChainID),
			slog.String("tool", c.name),
			slog.Int("attempt", i),
			slog.Duration("delay", delay),
		)
		if err := retry.Sleep(ctx, delay); err != nil {
			return c.fail(ctx, fmt.Errorf("chain cancelled during retry wait: %w", err), tools.KindCancelled)
		}
	}

	return c.escalate(ctx, []MethodFailure{{Method: tools.MethodPrimary, Err: lastErr.Error()}})
}

// TryAlternative walks the tool's alternatives for an invocation whose primary
// already failed with reason. An empty reason falls back to inv.LastFailure.
func (e *Engine) TryAlternative(ctx context.Context, t tools.Tool, inv *tools.Invocation, reason string) *tools.Result {
	c := e.begin(t, inv)
	if err := e.preflight(t, inv); err != nil {
		return c.failFast(ctx, err)
	}
	if reason == "" {
		reason = inv.LastFailure
	}
	var prior []MethodFailure
	if reason != "" {
		inv.LastFailure = reason
		prior = append(prior, MethodFailure{Method: tools.MethodPrimary, Err: reason})
	}
	return c.escalate(ctx, prior)
}

// DryRun reports whether inv would pass pre-flight checks and parameter
// validation. It runs no method and leaves inv unchanged.
func (e *Engine) DryRun(t tools.Tool, inv *tools.Invocation) bool {
	return e.Check(t, inv) == nil
}

// Check is DryRun returning the first failing precondition.
func (e *Engine) Check(t tools.Tool, inv *tools.Invocation) error {
	dry := *inv
	return e.preflight(t, &dry)
}

// EstimateCost returns the tool's per-attempt cost estimate.
func (e *Engine) EstimateCost(t tools.Tool, inv *tools.Invocation) float64 {
	return t.EstimateCost(inv)
}

// AlternativeMethods returns the tool's alternative names in declared order.
func (e *Engine) AlternativeMethods(t tools.Tool) []string {
	return tools.AlternativeNames(t)
}

// preflight enforces the session and working-directory invariants, confines
// the tool's declared path params, then runs the tool's own parameter
// validation. On success inv.WorkingDir is canonical.
func (e *Engine) preflight(t tools.Tool, inv *tools.Invocation) error {
	spec := t.Spec()
	if spec.RequiresFileSystem && strings.TrimSpace(inv.SessionID) == "" {
		return sandbox.ErrNoSession
	}
	if inv.WorkingDir != "" {
		if strings.TrimSpace(inv.SessionID) == "" {
			return sandbox.ErrNoSession
		}
		if e.resolver == nil {
			return tools.Invalid("working_dir", "no sandbox is configured")
		}
		dir, err := e.resolver.Resolve(inv.SessionID, inv.WorkingDir)
		if err != nil {
			return err
		}
		inv.WorkingDir = dir
	}
	for _, name := range spec.PathParams {
		v, ok := inv.Params[name].(string)
		if !ok || v == "" {
			continue
		}
		if e.resolver == nil {
			return tools.Invalid(name, "no sandbox is configured")
		}
		if _, err := e.resolver.Resolve(inv.SessionID, v); err != nil {
			return err
		}
	}
	return t.Validate(inv)
}

// chain carries the bookkeeping of one top-level call.
type chain struct {
	e       *Engine
	tool    tools.Tool
	inv     *tools.Invocation
	name    string
	alts    []tools.Method
	started time.Time
	cost    float64
}

func (e *Engine) begin(t tools.Tool, inv *tools.Invocation) *chain {
	if inv.ChainID == "" {
		inv.ChainID = uuid.NewString()
	}
	return &chain{
		e:       e,
		tool:    t,
		inv:     inv,
		name:    t.Spec().Name,
		alts:    orderAlternatives(t.Alternatives(), inv.PreferredAlternative),
		started: time.Now(),
	}
}

// attempt runs one method. Fail-fast errors are returned without a record.
func (c *chain) attempt(ctx context.Context, method string, run tools.MethodFunc) (out any, err error) {
	if method == tools.MethodPrimary {
		c.inv.RetryAttempt++
	}
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("method %s panicked: %v", method, r)
			}
		}()
		out, err = run(tools.ContextWithChainID(ctx, c.inv.ChainID), c.inv)
	}()
	if err != nil && failFast(err) {
		return nil, err
	}

	a := c.inv.Record(method, start, time.Since(start), err)
	c.cost += c.tool.EstimateCost(c.inv)

	kind := Classify(err)
	if err != nil {
		c.e.logger.WarnContext(ctx, "tool attempt failed",
			slog.String("chain_id", c.inv.ChainID),
			slog.String("tool", c.name),
			slog.String("method", method),
			slog.Int("attempt", a.Number),
			slog.String("kind", string(kind)),
			slog.String("error", a.Error),
			slog.Duration("duration", a.Duration),
		)
	} else {
		c.e.logger.DebugContext(ctx, "tool attempt succeeded",
			slog.String("chain_id", c.inv.ChainID),
			slog.String("tool", c.name),
			slog.String("method", method),
			slog.Int("attempt", a.Number),
			slog.Duration("duration", a.Duration),
		)
	}
	if c.e.observer != nil {
		c.e.observer.OnAttempt(ctx, AttemptEvent{
			ChainID:   c.inv.ChainID,
			Tool:      c.name,
			SessionID: c.inv.SessionID,
			Attempt:   a,
			Kind:      kind,
		})
	}
	return out, err
}

// escalate tries the alternatives in order. prior holds failures that led here.
func (c *chain) escalate(ctx context.Context, prior []MethodFailure) *tools.Result {
	failures := prior
	if len(c.alts) == 0 {
		return c.fail(ctx, &ExhaustedError{Failures: failures}, tools.KindExhausted)
	}
	c.e.logger.InfoContext(ctx, "escalating to alternatives",
		slog.String("chain_id", c.inv.ChainID),
		slog.String("tool", c.name),
		slog.Int("alternatives", len(c.alts)),
		slog.String("reason", c.inv.LastFailure),
	)
	for i, m := range c.alts {
		if err := ctx.Err(); err != nil {
			return c.fail(ctx, fmt.Errorf("chain cancelled: %w", err), tools.KindCancelled)
		}
		out, err := c.attempt(ctx, m.Name, m.Run)
		if err == nil {
			next := ""
			if i+1 < len(c.alts) {
				next = c.alts[i+1].Name
			}
			return c.succeed(ctx, out, m.Name, next, next != "")
		}
		if failFast(err) {
			return c.failFast(ctx, err)
		}
		if ctx.Err() != nil {
			return c.fail(ctx, fmt.Errorf("chain cancelled: %w", ctx.Err()), tools.KindCancelled)
		}
		failures = append(failures, MethodFailure{Method: m.Name, Err: err.Error()})
	}
	return c.fail(ctx, &ExhaustedError{Failures: failures}, tools.KindExhausted)
}

func (c *chain) succeed(ctx context.Context, out any, method, next string, more bool) *tools.Result {
	return c.finish(ctx, &tools.Result{
		Success:              true,
		Output:               out,
		MethodUsed:           method,
		SuggestedAlternative: next,
		HasMoreAlternatives:  more,
	})
}

// fail ends the chain after at least one attempt was possible. A single
// primary Run leaves the alternatives untried, so they are still reported as
// available; an escalated chain has none left.
func (c *chain) fail(ctx context.Context, err error, kind tools.Kind) *tools.Result {
	method := tools.MethodPrimary
	if h := c.inv.History(); len(h) > 0 {
		method = h[len(h)-1].Method
	}
	more := false
	if kind != tools.KindExhausted && len(c.alts) > 0 {
		more = !c.anyAlternativeTried()
	}
	return c.finish(ctx, &tools.Result{
		Error:                err.Error(),
		Kind:                 kind,
		MethodUsed:           method,
		SuggestedAlternative: c.suggestion(),
		HasMoreAlternatives:  more,
	})
}

// failFast ends the chain without an attempt.
func (c *chain) failFast(ctx context.Context, err error) *tools.Result {
	kind := Classify(err)
	method := tools.MethodValidation
	if kind == tools.KindSandbox {
		method = tools.MethodSandbox
	}
	return c.finish(ctx, &tools.Result{
		Error:      err.Error(),
		Kind:       kind,
		MethodUsed: method,
	})
}

func (c *chain) finish(ctx context.Context, res *tools.Result) *tools.Result {
	res.Cost = c.cost
	res.ExecutionTime = time.Since(c.started)
	res.History = c.inv.History()
	res.TotalAttempts = len(res.History)

	attrs := []any{
		slog.String("chain_id", c.inv.ChainID),
		slog.String("tool", c.name),
		slog.String("method", res.MethodUsed),
		slog.Int("attempts", res.TotalAttempts),
		slog.Duration("duration", res.ExecutionTime),
	}
	if res.Success {
		c.e.logger.InfoContext(ctx, "tool chain succeeded", attrs...)
	} else {
		attrs = append(attrs, slog.String("kind", string(res.Kind)), slog.String("error", res.Error))
		c.e.logger.WarnContext(ctx, "tool chain failed", attrs...)
	}

	if c.e.observer != nil {
		c.e.observer.OnOutcome(ctx, OutcomeEvent{
			ChainID:   c.inv.ChainID,
			Tool:      c.name,
			SessionID: c.inv.SessionID,
			Result:    res,
		})
	}
	return res
}

// suggestion is the preferred alternative when declared, else the first one.
func (c *chain) suggestion() string {
	if len(c.alts) == 0 {
		return ""
	}
	return c.alts[0].Name
}

func (c *chain) anyAlternativeTried() bool {
	for _, m := range c.alts {
		if c.inv.Tried(m.Name) {
			return true
		}
	}
	return false
}

// orderAlternatives moves the preferred alternative, when declared, to the front.
func orderAlternatives(alts []tools.Method, preferred string) []tools.Method {
	out := make([]tools.Method, 0, len(alts))
	idx := -1
	if preferred != "" {
		for i, m := range alts {
			if strings.EqualFold(m.Name, preferred) {
				idx = i
				break
			}
		}
	}
	if idx >= 0 {
		out = append(out, alts[idx])
	}
	for i, m := range alts {
		if i != idx {
			out = append(out, m)
		}
	}
	return out
}
