package escalation

import (
	"context"

	"github.com/jkaninda/toolrun/internal/tools"
)

// AttemptEvent is emitted after every recorded attempt.
type AttemptEvent struct {
	ChainID   string
	Tool      string
	SessionID string
	Attempt   tools.Attempt
	Kind      tools.Kind // KindNone on success
}

// OutcomeEvent is emitted once per top-level call, including fail-fast calls.
type OutcomeEvent struct {
	ChainID   string
	Tool      string
	SessionID string
	Result    *tools.Result
}

// Observer receives attempt and outcome records. Implementations must be
// safe for concurrent use and should not block; they run inline with the chain.
type Observer interface {
	OnAttempt(ctx context.Context, ev AttemptEvent)
	OnOutcome(ctx context.Context, ev OutcomeEvent)
}

// Observers fans events out to every member in order. Nil members are skipped.
type Observers []Observer

func (o Observers) OnAttempt(ctx context.Context, ev AttemptEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.OnAttempt(ctx, ev)
		}
	}
}

func (o Observers) OnOutcome(ctx context.Context, ev OutcomeEvent) {
	for _, obs := range o {
		if obs != nil {
			obs.OnOutcome(ctx, ev)
		}
	}
}
