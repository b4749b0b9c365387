package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyr/conveyr/internal/actions"
	"github.com/conveyr/conveyr/internal/state"
	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/pkg/schema"
)

// stubAction is a scriptable action for executor tests.
type stubAction struct {
	typ     string
	execute func(ctx context.Context, input actions.Input) (*actions.Output, error)
	calls   int
}

func (s *stubAction) Type() string                       { return s.typ }
func (s *stubAction) Describe() string                   { return "test stub" }
func (s *stubAction) Validate(config map[string]any) error { return nil }

func (s *stubAction) Execute(ctx context.Context, input actions.Input) (*actions.Output, error) {
	s.calls++
	return s.execute(ctx, input)
}

func fastPolicies() map[schema.ErrorCategory]RecoveryPolicy {
	return map[schema.ErrorCategory]RecoveryPolicy{
		schema.CategoryIntegration: {MaxAttempts: 3, BaseDelay: time.Millisecond, Multiplier: 2},
		schema.CategoryAIAgent:     {MaxAttempts: 2, BaseDelay: time.Millisecond, Multiplier: 1.5},
		schema.CategoryNetwork:     {MaxAttempts: 5, BaseDelay: time.Millisecond, Multiplier: 2},
	}
}

type testEnv struct {
	store    *store.MemoryStore
	state    *state.Manager
	registry *actions.Registry
	executor *Executor
}

func newTestEnv(t *testing.T, stubs ...*stubAction) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	mgr := state.NewManager(st, slog.Default())
	registry := actions.NewRegistry()
	require.NoError(t, registry.Register(actions.NewConditionAction()))
	require.NoError(t, registry.Register(actions.NewComputeAction()))
	for _, s := range stubs {
		require.NoError(t, registry.Register(s))
	}
	exec := NewExecutor(st, mgr, registry, slog.Default(),
		WithRecoveryHandler(NewRecoveryHandler(fastPolicies())))
	return &testEnv{store: st, state: mgr, registry: registry, executor: exec}
}

func (env *testEnv) seedWorkflow(t *testing.T, status schema.WorkflowStatus, defs ...schema.ActionDefinition) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{
		ID:             uuid.NewString(),
		OrganizationID: uuid.NewString(),
		Name:           "test workflow",
		Status:         status,
		Definition:     schema.WorkflowDefinition{Actions: defs, Trigger: schema.TriggerConfig{Type: schema.TriggerTypeManual}},
	}
	require.NoError(t, env.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func actionDef(id, typ string, config map[string]any) schema.ActionDefinition {
	raw, _ := json.Marshal(config)
	return schema.ActionDefinition{ID: id, Type: typ, Config: raw}
}

func TestRun_SequentialStepsAndVariableFlow(t *testing.T) {
	env := newTestEnv(t)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive,
		actionDef("double", "compute", map[string]any{"expression": "amount * 2", "output_key": "doubled"}),
		actionDef("add_ten", "compute", map[string]any{"expression": "doubled + 10", "output_key": "final"}),
	)

	exec, err := env.executor.Run(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerData: map[string]any{"amount": float64(21)},
		Source:      schema.TriggerTypeManual,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.NotNil(t, exec.CompletedAt)
	// Second step saw the first step's output through variables.
	assert.Equal(t, float64(42), exec.Variables["doubled"])
	assert.Equal(t, float64(52), exec.Variables["final"])

	steps, err := env.store.ListSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	for i, step := range steps {
		assert.Equal(t, i, step.StepIndex)
		assert.Equal(t, schema.StepStatusCompleted, step.Status)
		assert.NotNil(t, step.CompletedAt)
	}
}

func TestRun_FailFastNeverStartsLaterSteps(t *testing.T) {
	boom := &stubAction{typ: "boom", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return nil, schema.NewError(schema.ErrCodeExecution, "deterministic failure")
	}}
	after := &stubAction{typ: "after", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return &actions.Output{}, nil
	}}
	env := newTestEnv(t, boom, after)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive,
		actionDef("a", "boom", nil),
		actionDef("b", "after", nil),
	)

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.Error(t, err)
	require.NotNil(t, exec)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Contains(t, exec.ErrorMessage, "deterministic failure")

	// The action after the failure was never invoked and got no step row.
	assert.Equal(t, 0, after.calls)
	steps, err := env.store.ListSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, schema.StepStatusFailed, steps[0].Status)
}

func TestRun_MiddleStepExhaustsRetries(t *testing.T) {
	down := &stubAction{typ: "down", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return nil, schema.NewError(schema.ErrCodeIntegration, "provider outage")
	}}
	after := &stubAction{typ: "after", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return &actions.Output{}, nil
	}}
	env := newTestEnv(t, down, after)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive,
		actionDef("first", "compute", map[string]any{"expression": "1", "output_key": "one"}),
		actionDef("middle", "down", nil),
		actionDef("last", "after", nil),
	)

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
	assert.Equal(t, 3, down.calls)
	assert.Equal(t, 0, after.calls)

	steps, err := env.store.ListSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, schema.StepStatusCompleted, steps[0].Status)
	assert.Equal(t, schema.StepStatusFailed, steps[1].Status)
}

func TestRun_RetriesRecoverableThenSucceeds(t *testing.T) {
	attempts := 0
	flaky := &stubAction{typ: "flaky", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		attempts++
		if attempts < 3 {
			return nil, schema.NewError(schema.ErrCodeIntegration, "provider hiccup")
		}
		return &actions.Output{Data: map[string]any{"ok": true}}, nil
	}}
	env := newTestEnv(t, flaky)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive, actionDef("a", "flaky", nil))

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 3, attempts)

	// Both failed attempts are in the error history.
	history := env.executor.Recovery().History(wf.ID)
	require.Len(t, history, 2)
	assert.Equal(t, schema.CategoryIntegration, history[0].Category)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, 2, history[1].Attempt)
}

func TestRun_RetryExhaustion(t *testing.T) {
	down := &stubAction{typ: "down", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return nil, schema.NewError(schema.ErrCodeIntegration, "still down")
	}}
	env := newTestEnv(t, down)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive, actionDef("a", "down", nil))

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeRetryExhausted, fe.Code)
	assert.Equal(t, 3, down.calls) // integration policy allows 3 attempts
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
}

func TestRun_ValidationErrorNotRetried(t *testing.T) {
	bad := &stubAction{typ: "bad", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad config")
	}}
	env := newTestEnv(t, bad)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive, actionDef("a", "bad", nil))

	_, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.Error(t, err)
	assert.Equal(t, 1, bad.calls)
}

func TestRun_ConditionStopShortCircuits(t *testing.T) {
	later := &stubAction{typ: "later", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return &actions.Output{}, nil
	}}
	env := newTestEnv(t, later)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive,
		actionDef("gate", "condition", map[string]any{
			"condition": map[string]any{"field": "amount", "operator": "gt", "value": 100},
		}),
		actionDef("unreached", "later", nil),
	)

	exec, err := env.executor.Run(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerData: map[string]any{"amount": float64(5)},
		Source:      schema.TriggerTypeManual,
	})
	require.NoError(t, err)
	// A condition stop is a successful completion, not a failure.
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, 0, later.calls)

	// The unreached action got no step row.
	steps, err := env.store.ListSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, schema.StepStatusCompleted, steps[0].Status)
}

func TestRun_ConditionContinueAssignsVariables(t *testing.T) {
	env := newTestEnv(t)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive,
		actionDef("gate", "condition", map[string]any{
			"condition": map[string]any{"field": "amount", "operator": "gt", "value": 100},
			"on_false":  map[string]any{"behavior": "continue", "assign": map[string]any{"flagged": true}},
		}),
		actionDef("calc", "compute", map[string]any{"expression": "amount + 1", "output_key": "next"}),
	)

	exec, err := env.executor.Run(context.Background(), RunRequest{
		WorkflowID:  wf.ID,
		TriggerData: map[string]any{"amount": float64(5)},
		Source:      schema.TriggerTypeManual,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, true, exec.Variables["flagged"])
	assert.Equal(t, float64(6), exec.Variables["next"])
}

func TestRun_FallbackActionReplacesFailure(t *testing.T) {
	primary := &stubAction{typ: "primary", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "always broken")
	}}
	backup := &stubAction{typ: "backup", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return &actions.Output{Data: map[string]any{"source": "backup"}}, nil
	}}
	env := newTestEnv(t, primary, backup)

	def := actionDef("a", "primary", nil)
	def.OnError = &schema.ErrorBehavior{Fallback: &schema.ActionDefinition{ID: "a_fb", Type: "backup"}}
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive, def)

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "backup", exec.Variables["source"])
	assert.Equal(t, 1, backup.calls)
}

func TestRun_SkipOnlyForRecoverableErrors(t *testing.T) {
	down := &stubAction{typ: "down", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return nil, schema.NewError(schema.ErrCodeIntegration, "provider down")
	}}
	env := newTestEnv(t, down)

	def := actionDef("a", "down", nil)
	def.OnError = &schema.ErrorBehavior{Skip: true}
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive,
		def,
		actionDef("calc", "compute", map[string]any{"expression": "1 + 1", "output_key": "two"}),
	)

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, float64(2), exec.Variables["two"])

	steps, err := env.store.ListSteps(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusSkipped, steps[0].Status)
	assert.Equal(t, schema.StepStatusCompleted, steps[1].Status)
	assert.Equal(t, 3, down.calls) // retries ran before the skip
}

func TestRun_SkipDeclinedForNonRecoverableErrors(t *testing.T) {
	bad := &stubAction{typ: "bad", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		return nil, schema.NewError(schema.ErrCodeValidation, "bad config")
	}}
	env := newTestEnv(t, bad)

	def := actionDef("a", "bad", nil)
	def.OnError = &schema.ErrorBehavior{Skip: true}
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive, def)

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
}

func TestRun_StepDeadlineOnlyWhenConfigured(t *testing.T) {
	var hasDeadline bool
	inspect := &stubAction{typ: "inspect", execute: func(ctx context.Context, input actions.Input) (*actions.Output, error) {
		_, hasDeadline = ctx.Deadline()
		return &actions.Output{}, nil
	}}
	env := newTestEnv(t, inspect)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive, actionDef("a", "inspect", nil))

	_, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.NoError(t, err)
	assert.False(t, hasDeadline, "actions own their timeouts unless a step timeout is set")

	bounded := NewExecutor(env.store, env.state, env.registry, slog.Default(),
		WithRecoveryHandler(NewRecoveryHandler(fastPolicies())),
		WithStepTimeout(time.Minute))
	_, err = bounded.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.NoError(t, err)
	assert.True(t, hasDeadline)
}

func TestRun_DraftOnlyViaDebugPath(t *testing.T) {
	env := newTestEnv(t)
	wf := env.seedWorkflow(t, schema.WorkflowStatusDraft,
		actionDef("calc", "compute", map[string]any{"expression": "1", "output_key": "one"}),
	)

	_, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeWebhook})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual, AllowDraft: true})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
}

func TestRun_PausedAndArchivedRejected(t *testing.T) {
	env := newTestEnv(t)
	for _, status := range []schema.WorkflowStatus{schema.WorkflowStatusPaused, schema.WorkflowStatusArchived} {
		wf := env.seedWorkflow(t, status,
			actionDef("calc", "compute", map[string]any{"expression": "1"}),
		)
		_, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
		require.Error(t, err, "status %s", status)
	}
}

func TestRun_UnknownWorkflow(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: uuid.NewString(), Source: schema.TriggerTypeManual})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestRun_UnknownActionTypeFailsExecution(t *testing.T) {
	env := newTestEnv(t)
	wf := env.seedWorkflow(t, schema.WorkflowStatusActive, actionDef("a", "does_not_exist", nil))

	exec, err := env.executor.Run(context.Background(), RunRequest{WorkflowID: wf.ID, Source: schema.TriggerTypeManual})
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, exec.Status)
}

func TestWithStep_PreservesStepZeroAndOriginal(t *testing.T) {
	// A step index that was explicitly attached is never relabeled,
	// including step 0.
	tagged := schema.NewError(schema.ErrCodeIntegration, "boom").WithStep(0)
	got := withStep(tagged, 3)
	var fe *schema.FlowError
	require.ErrorAs(t, got, &fe)
	assert.Equal(t, 0, fe.StepIndex)

	// An untagged error gets the index on a copy; the original stays clean.
	plain := schema.NewError(schema.ErrCodeIntegration, "boom")
	got = withStep(plain, 3)
	require.ErrorAs(t, got, &fe)
	assert.Equal(t, 3, fe.StepIndex)
	assert.Equal(t, 0, plain.StepIndex)
	assert.False(t, plain.HasStep())
}

func TestCancel_Transitions(t *testing.T) {
	env := newTestEnv(t)
	e := &store.Execution{
		ID: uuid.NewString(), WorkflowID: uuid.NewString(), OrganizationID: uuid.NewString(),
		Status: schema.ExecutionStatusRunning, TriggerSource: schema.TriggerTypeManual,
	}
	require.NoError(t, env.store.CreateExecution(context.Background(), e))

	require.NoError(t, env.executor.Cancel(context.Background(), e.ID))
	got, err := env.store.GetExecution(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, got.Status)

	// Cancelling a terminal execution is rejected.
	err = env.executor.Cancel(context.Background(), e.ID)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeInvalidTransition, fe.Code)
}
