package observability

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/toolrun/internal/escalation"
	"github.com/jkaninda/toolrun/internal/sandbox"
	"github.com/jkaninda/toolrun/internal/tools"
)

// Observer feeds escalation and sandbox events into metrics, tracing and
// anomaly detection. Every component is optional.
//
// Chain spans are emitted when the outcome arrives, with the attempts of the
// chain as children carrying their recorded timestamps.
type Observer struct {
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector

	mu      sync.Mutex
	pending map[string][]tools.Attempt // chain id -> attempts awaiting the outcome
}

// NewObserver wires the given components. Nil arguments disable that concern.
func NewObserver(metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *Observer {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &Observer{
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
		pending: make(map[string][]tools.Attempt),
	}
}

func (o *Observer) OnAttempt(_ context.Context, ev escalation.AttemptEvent) {
	if o.metrics != nil {
		kind := string(ev.Kind)
		if kind == "" {
			kind = "none"
		}
		o.metrics.ToolAttemptsTotal.WithLabelValues(ev.Tool, ev.Attempt.Method, kind).Inc()
		o.metrics.ToolAttemptDuration.WithLabelValues(ev.Tool, ev.Attempt.Method).Observe(ev.Attempt.Duration.Seconds())
	}
	if o.tracer != nil {
		o.mu.Lock()
		o.pending[ev.ChainID] = append(o.pending[ev.ChainID], ev.Attempt)
		o.mu.Unlock()
	}
}

func (o *Observer) OnOutcome(ctx context.Context, ev escalation.OutcomeEvent) {
	res := ev.Result
	status := "success"
	if !res.Success {
		status = "failure"
	}

	if o.metrics != nil {
		kind := string(res.Kind)
		if kind == "" {
			kind = "none"
		}
		o.metrics.ToolChainsTotal.WithLabelValues(ev.Tool, status, kind).Inc()
		o.metrics.ToolChainDuration.WithLabelValues(ev.Tool).Observe(res.ExecutionTime.Seconds())
		o.metrics.ToolChainAttempts.WithLabelValues(ev.Tool).Observe(float64(res.TotalAttempts))
		o.metrics.ToolCostTotal.WithLabelValues(ev.Tool).Add(res.Cost)
		if res.Success && res.MethodUsed != tools.MethodPrimary {
			o.metrics.EscalationsTotal.WithLabelValues(ev.Tool, res.MethodUsed).Inc()
		}
	}

	// Chains stopped before any attempt are caller mistakes, not tool health.
	if o.anomaly != nil && res.TotalAttempts > 0 {
		if res.Success {
			o.anomaly.RecordSuccess(ev.Tool)
		} else {
			o.anomaly.RecordError(ev.Tool)
		}
	}

	if o.tracer != nil {
		o.mu.Lock()
		attempts := o.pending[ev.ChainID]
		delete(o.pending, ev.ChainID)
		o.mu.Unlock()
		o.emitChain(ctx, ev, attempts)
	}
}

func (o *Observer) emitChain(ctx context.Context, ev escalation.OutcomeEvent, attempts []tools.Attempt) {
	res := ev.Result
	end := time.Now()
	start := end.Add(-res.ExecutionTime)
	if len(attempts) > 0 && attempts[0].Timestamp.Before(start) {
		start = attempts[0].Timestamp
	}

	ctx, span := o.tracer.Start(ctx, "tool.chain",
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("tool.name", ev.Tool),
			attribute.String("tool.chain_id", ev.ChainID),
			attribute.String("tool.session_id", ev.SessionID),
			attribute.String("tool.method_used", res.MethodUsed),
			attribute.Int("tool.total_attempts", res.TotalAttempts),
			attribute.Float64("tool.cost", res.Cost),
		))

	for _, a := range attempts {
		_, as := o.tracer.Start(ctx, "tool.attempt",
			trace.WithTimestamp(a.Timestamp),
			trace.WithAttributes(
				attribute.String("tool.method", a.Method),
				attribute.Int("tool.attempt", a.Number),
			))
		if !a.Success {
			as.SetStatus(codes.Error, a.Error)
		}
		as.End(trace.WithTimestamp(a.Timestamp.Add(a.Duration)))
	}

	if !res.Success {
		span.SetAttributes(attribute.String("tool.failure_kind", string(res.Kind)))
		span.RecordError(errors.New(res.Error))
		span.SetStatus(codes.Error, res.Error)
	}
	span.End(trace.WithTimestamp(end))
}

// OnExecution records one sandbox execution.
func (o *Observer) OnExecution(ctx context.Context, ev sandbox.ExecutionEvent) {
	status := executionStatus(ev)

	if o.metrics != nil {
		o.metrics.SandboxExecutionsTotal.WithLabelValues(string(ev.Strategy), status).Inc()
		o.metrics.SandboxExecutionDuration.WithLabelValues(string(ev.Strategy)).Observe(ev.Duration.Seconds())
	}

	if o.tracer != nil {
		end := time.Now()
		_, span := o.tracer.Start(ctx, "sandbox.execute",
			trace.WithTimestamp(end.Add(-ev.Duration)),
			trace.WithAttributes(
				attribute.String("sandbox.strategy", string(ev.Strategy)),
				attribute.String("sandbox.status", status),
				attribute.String("tool.chain_id", tools.ChainIDFromContext(ctx)),
			))
		if ev.Result != nil {
			span.SetAttributes(
				attribute.Int("sandbox.exit_code", ev.Result.ExitCode),
				attribute.String("sandbox.interpreter", ev.Result.Interpreter),
				attribute.Int("sandbox.spawns", ev.Result.Spawns),
			)
		}
		if ev.Err != nil {
			span.RecordError(ev.Err)
			span.SetStatus(codes.Error, ev.Err.Error())
		}
		span.End(trace.WithTimestamp(end))
	}
}

func executionStatus(ev sandbox.ExecutionEvent) string {
	switch {
	case errors.Is(ev.Err, sandbox.ErrTimeout):
		return "timeout"
	case errors.Is(ev.Err, context.Canceled):
		return "cancelled"
	case ev.Err != nil:
		return "error"
	case ev.Result != nil && ev.Result.ExitCode != 0:
		return "nonzero_exit"
	}
	return "success"
}

var (
	_ escalation.Observer       = (*Observer)(nil)
	_ sandbox.ExecutionObserver = (*Observer)(nil)
)
