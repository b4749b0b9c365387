package actions

import (
	"context"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/conveyr/conveyr/pkg/schema"
)

// TransformAction implements the "transform" action: reshapes execution data
// with a jq expression. Compiled programs are cached and reused across
// executions.
type TransformAction struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewTransformAction creates the transform action with an empty cache.
func NewTransformAction() *TransformAction {
	return &TransformAction{cache: make(map[string]*gojq.Code)}
}

func (a *TransformAction) Type() string { return "transform" }

func (a *TransformAction) Describe() string {
	return "Reshape execution data with a jq expression."
}

func (a *TransformAction) Validate(config map[string]any) error {
	expression := stringParam(config, "expression", "")
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform: missing required param 'expression'")
	}
	_, err := a.getOrCompile(expression)
	return err
}

func (a *TransformAction) Execute(ctx context.Context, input Input) (*Output, error) {
	expression := stringParam(input.Config, "expression", "")
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "transform: missing required param 'expression'")
	}
	outputKey := stringParam(input.Config, "output_key", "result")

	code, err := a.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	var data any = map[string]any{}
	if input.Context != nil {
		data = anyMap(input.Context.Merged())
	}
	if in, ok := input.Config["input"]; ok {
		data = Interpolate(in, input.Context)
	}

	iter := code.RunWithContext(ctx, data)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "transform: jq evaluation failed: %s", err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, v)
	}

	var result any
	switch len(results) {
	case 0:
		result = nil
	case 1:
		result = results[0]
	default:
		result = results
	}
	return &Output{Data: map[string]any{outputKey: result}}, nil
}

func (a *TransformAction) getOrCompile(expression string) (*gojq.Code, error) {
	a.mu.RLock()
	if code, ok := a.cache[expression]; ok {
		a.mu.RUnlock()
		return code, nil
	}
	a.mu.RUnlock()

	a.mu.Lock()
	defer a.mu.Unlock()
	if code, ok := a.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform: jq parse error in %q: %s", expression, err.Error()).
			WithCause(err)
	}
	code, err := gojq.Compile(query,
		// Sandbox: block $ENV and env access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "transform: jq compile error in %q: %s", expression, err.Error()).
			WithCause(err)
	}
	a.cache[expression] = code
	return code, nil
}

// anyMap deep-copies to plain map[string]any values as gojq requires.
func anyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
