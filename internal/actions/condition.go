package actions

import (
	"context"
	"encoding/json"

	"github.com/conveyr/conveyr/internal/conditions"

	"github.com/conveyr/conveyr/pkg/schema"
)

// ConditionAction implements the "condition" action: evaluates a predicate
// against the execution context and routes the run. A false result either
// stops the execution cleanly or continues, per the configured on_false
// behavior. Both branches may assign variables.
type ConditionAction struct{}

// NewConditionAction creates the condition action.
func NewConditionAction() *ConditionAction { return &ConditionAction{} }

func (a *ConditionAction) Type() string { return "condition" }

func (a *ConditionAction) Describe() string {
	return "Evaluate a condition against the execution context and route the run."
}

func (a *ConditionAction) Validate(config map[string]any) error {
	cfg, err := decodeConditionConfig(config)
	if err != nil {
		return err
	}
	if err := conditions.ValidateCondition(&cfg.Condition); err != nil {
		return err
	}
	if cfg.OnFalse != nil {
		switch cfg.OnFalse.Behavior {
		case "", schema.OnFalseContinue, schema.OnFalseStop:
		default:
			return schema.NewErrorf(schema.ErrCodeValidation, "condition: unknown on_false behavior %q", cfg.OnFalse.Behavior)
		}
	}
	return nil
}

func (a *ConditionAction) Execute(ctx context.Context, input Input) (*Output, error) {
	cfg, err := decodeConditionConfig(input.Config)
	if err != nil {
		return nil, err
	}

	passed, err := conditions.Evaluate(&cfg.Condition, input.Context)
	if err != nil {
		return nil, err
	}

	out := &Output{Data: map[string]any{"condition_passed": passed}}
	if passed {
		return out, nil
	}

	behavior := schema.OnFalseStop
	if cfg.OnFalse != nil {
		if cfg.OnFalse.Behavior != "" {
			behavior = cfg.OnFalse.Behavior
		}
		out.Assign = cfg.OnFalse.Assign
	}
	out.Stop = behavior == schema.OnFalseStop
	return out, nil
}

func decodeConditionConfig(config map[string]any) (*schema.ConditionActionConfig, error) {
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition: config is not serializable").WithCause(err)
	}
	var cfg schema.ConditionActionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition: malformed config").WithCause(err)
	}
	return &cfg, nil
}
