package actions

import (
	"context"
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

// MaxDelay bounds how long a single delay step may hold a worker slot.
const MaxDelay = 5 * time.Minute

// DelayAction implements the "delay" action: pauses the execution for a
// configured duration. Cancellation via context aborts the wait.
type DelayAction struct{}

// NewDelayAction creates the delay action.
func NewDelayAction() *DelayAction { return &DelayAction{} }

func (a *DelayAction) Type() string { return "delay" }

func (a *DelayAction) Describe() string {
	return "Pause the execution for a configured duration."
}

func (a *DelayAction) Validate(config map[string]any) error {
	_, err := parseDelay(config)
	return err
}

func (a *DelayAction) Execute(ctx context.Context, input Input) (*Output, error) {
	d, err := parseDelay(input.Config)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "delay: cancelled").WithCause(ctx.Err())
	case <-timer.C:
	}
	return &Output{Data: map[string]any{"delayed_ms": d.Milliseconds()}}, nil
}

func parseDelay(config map[string]any) (time.Duration, error) {
	raw := stringParam(config, "duration", "")
	if raw == "" {
		if ms := intParam(config, "duration_ms", 0); ms > 0 {
			raw = time.Duration(ms * int(time.Millisecond)).String()
		}
	}
	if raw == "" {
		return 0, schema.NewError(schema.ErrCodeValidation, "delay: missing required param 'duration'")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "delay: invalid duration %q", raw).WithCause(err)
	}
	if d <= 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "delay: duration must be positive, got %q", raw)
	}
	if d > MaxDelay {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "delay: duration %s exceeds maximum %s", d, MaxDelay)
	}
	return d, nil
}
