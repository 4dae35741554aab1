// Package audit records every tool attempt and chain outcome.
//
// Two sinks are provided: an append-only JSONL file and a SQL store (SQLite
// by default, PostgreSQL when a DSN is configured). Both implement
// escalation.Observer, so they can be attached to an engine directly or fanned
// out through escalation.Observers. Records are correlated by chain id.
package audit

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/toolrun/internal/escalation"
)

// Record types.
const (
	TypeAttempt = "attempt"
	TypeOutcome = "outcome"
)

// Record is one audit line. Attempt records carry Attempt and Method of the
// single execution; outcome records carry the chain totals.
type Record struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	ChainID    string    `json:"chain_id"`
	Tool       string    `json:"tool"`
	SessionID  string    `json:"session_id,omitempty"`
	Method     string    `json:"method"`
	Attempt    int       `json:"attempt,omitempty"`
	Success    bool      `json:"success"`
	Kind       string    `json:"kind,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`

	// Outcome only.
	TotalAttempts        int     `json:"total_attempts,omitempty"`
	Cost                 float64 `json:"cost,omitempty"`
	SuggestedAlternative string  `json:"suggested_alternative,omitempty"`
}

// Writer persists audit records.
type Writer interface {
	Write(ctx context.Context, r Record) error
}

// FromAttempt converts an attempt event into a record.
func FromAttempt(ev escalation.AttemptEvent) Record {
	return Record{
		Timestamp:  ev.Attempt.Timestamp.UTC(),
		Type:       TypeAttempt,
		ChainID:    ev.ChainID,
		Tool:       ev.Tool,
		SessionID:  ev.SessionID,
		Method:     ev.Attempt.Method,
		Attempt:    ev.Attempt.Number,
		Success:    ev.Attempt.Success,
		Kind:       string(ev.Kind),
		Error:      ev.Attempt.Error,
		DurationMS: ev.Attempt.Duration.Milliseconds(),
	}
}

// FromOutcome converts an outcome event into a record.
func FromOutcome(ev escalation.OutcomeEvent) Record {
	res := ev.Result
	return Record{
		Timestamp:            time.Now().UTC(),
		Type:                 TypeOutcome,
		ChainID:              ev.ChainID,
		Tool:                 ev.Tool,
		SessionID:            ev.SessionID,
		Method:               res.MethodUsed,
		Success:              res.Success,
		Kind:                 string(res.Kind),
		Error:                res.Error,
		DurationMS:           res.ExecutionTime.Milliseconds(),
		TotalAttempts:        res.TotalAttempts,
		Cost:                 res.Cost,
		SuggestedAlternative: res.SuggestedAlternative,
	}
}

// Observer adapts a Writer to escalation.Observer. Write failures are logged
// and never interrupt the chain.
type Observer struct {
	w      Writer
	logger *slog.Logger
}

// NewObserver wraps w.
func NewObserver(w Writer, logger *slog.Logger) *Observer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Observer{w: w, logger: logger}
}

func (o *Observer) OnAttempt(ctx context.Context, ev escalation.AttemptEvent) {
	o.write(ctx, FromAttempt(ev))
}

func (o *Observer) OnOutcome(ctx context.Context, ev escalation.OutcomeEvent) {
	o.write(ctx, FromOutcome(ev))
}

func (o *Observer) write(ctx context.Context, r Record) {
	if err := o.w.Write(ctx, r); err != nil {
		o.logger.ErrorContext(ctx, "audit write failed",
			slog.String("chain_id", r.ChainID),
			slog.String("type", r.Type),
			slog.String("error", err.Error()),
		)
	}
}

var _ escalation.Observer = (*Observer)(nil)
