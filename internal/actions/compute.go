package actions

import (
	"context"

	"github.com/expr-lang/expr"

	"github.com/conveyr/conveyr/pkg/schema"
)

// ComputeAction implements the "compute" action: evaluates an expression
// over the execution context and stores the result under a variable name.
// Expressions are sandboxed; they have no access beyond the provided env.
type ComputeAction struct{}

// NewComputeAction creates the compute action.
func NewComputeAction() *ComputeAction { return &ComputeAction{} }

func (a *ComputeAction) Type() string { return "compute" }

func (a *ComputeAction) Describe() string {
	return "Evaluate an expression over the execution context and assign the result."
}

func (a *ComputeAction) Validate(config map[string]any) error {
	expression := stringParam(config, "expression", "")
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "compute: missing required param 'expression'")
	}
	_, err := expr.Compile(expression, expr.AllowUndefinedVariables())
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "compute: invalid expression %q: %s", expression, err.Error()).
			WithCause(err)
	}
	return nil
}

func (a *ComputeAction) Execute(ctx context.Context, input Input) (*Output, error) {
	expression := stringParam(input.Config, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "compute: missing required param 'expression'")
	}
	outputKey := stringParam(input.Config, "output_key", "result")

	env := map[string]any{}
	if input.Context != nil {
		env = input.Context.Merged()
	}

	prg, err := expr.Compile(expression,
		expr.Env(env),
		expr.AllowUndefinedVariables(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "compute: invalid expression %q: %s", expression, err.Error()).
			WithCause(err)
	}

	result, err := expr.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "compute: evaluation failed: %s", err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return &Output{Data: map[string]any{outputKey: result}}, nil
}
