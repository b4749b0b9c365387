// Package engine runs workflow executions: the sequential step loop, the
// retry and recovery machinery, and the execution/step state machines.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/conveyr/conveyr/internal/actions"
	"github.com/conveyr/conveyr/internal/logging"
	"github.com/conveyr/conveyr/internal/state"
	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/pkg/schema"
)


// RunRequest describes one execution to perform.
type RunRequest struct {
	WorkflowID     string
	OrganizationID string
	UserID         string
	TriggerData    map[string]any
	Source         schema.TriggerType
	// ExecutionID resumes an existing (paused or recovered) execution
	// instead of creating a new one.
	ExecutionID string
	// AllowDraft permits running a draft workflow. Only the manual debug
	// path sets this.
	AllowDraft bool
}

// Executor drives workflow executions against the store.
type Executor struct {
	store       store.Store
	state       *state.Manager
	registry    *actions.Registry
	recovery    *RecoveryHandler
	breakers    *CircuitBreakerRegistry
	logger      *slog.Logger
	stepTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithStepTimeout bounds each action invocation. Steps run unbounded by
// default; actions carry their own timeouts.
func WithStepTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithRecoveryHandler overrides the default recovery handler.
func WithRecoveryHandler(h *RecoveryHandler) ExecutorOption {
	return func(e *Executor) { e.recovery = h }
}

// NewExecutor wires an executor from its collaborators.
func NewExecutor(st store.Store, stateMgr *state.Manager, registry *actions.Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		store:    st,
		state:    stateMgr,
		registry: registry,
		recovery: NewRecoveryHandler(nil),
		breakers: NewCircuitBreakerRegistry(DefaultCircuitBreakerConfig()),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Recovery exposes the handler so callers can read error history.
func (e *Executor) Recovery() *RecoveryHandler { return e.recovery }

// Run performs one execution to a terminal (or paused) state and returns
// the final execution row. The returned error is the failure cause when the
// execution failed; a completed or paused run returns nil.
func (e *Executor) Run(ctx context.Context, req RunRequest) (*store.Execution, error) {
	wf, err := e.store.GetWorkflow(ctx, req.WorkflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", req.WorkflowID)
	}
	if err := e.checkRunnable(wf, req); err != nil {
		return nil, err
	}

	var exec *store.Execution
	if req.ExecutionID != "" {
		exec, err = e.resume(ctx, req.ExecutionID)
	} else {
		exec, err = e.begin(ctx, wf, req)
	}
	if err != nil {
		return nil, err
	}

	ctx = logging.WithWorkflowID(logging.WithExecutionID(ctx, exec.ID), wf.ID)
	e.logger.InfoContext(ctx, "execution started",
		"trigger", string(exec.TriggerSource), "step_index", exec.CurrentStepIndex)

	return e.runSteps(ctx, wf, exec)
}

func (e *Executor) checkRunnable(wf *store.Workflow, req RunRequest) error {
	switch wf.Status {
	case schema.WorkflowStatusActive:
		return nil
	case schema.WorkflowStatusDraft:
		if req.AllowDraft {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is a draft; only manual debug runs are allowed", wf.ID)
	default:
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is %s and cannot run", wf.ID, wf.Status)
	}
}

// begin creates the execution row and transitions pending -> running. Step
// rows are created one at a time as each action starts, so an execution that
// fails or short-circuits leaves rows only for the actions that actually ran.
func (e *Executor) begin(ctx context.Context, wf *store.Workflow, req RunRequest) (*store.Execution, error) {
	exec := &store.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		Status:         schema.ExecutionStatusPending,
		TriggerData:    req.TriggerData,
		TriggerSource:  req.Source,
		Variables:      map[string]any{},
		StepResults:    map[string]any{},
	}
	if exec.OrganizationID == "" {
		exec.OrganizationID = wf.OrganizationID
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}

	if err := e.transitionExecution(ctx, exec, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{StartedAt: &now}); err != nil {
		return nil, err
	}
	exec.StartedAt = &now
	return exec, nil
}

func (e *Executor) resume(ctx context.Context, executionID string) (*store.Execution, error) {
	exec, err := e.state.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	switch exec.Status {
	case schema.ExecutionStatusPaused:
		return e.state.Resume(ctx, executionID)
	case schema.ExecutionStatusRunning:
		// Interrupted run reclaimed after a crash; validate state first.
		return e.state.Recover(ctx, executionID)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s and cannot resume", executionID, exec.Status)
	}
}

// runSteps executes the action list sequentially from the current cursor.
// On step failure the execution fails immediately; later steps are never
// created.
func (e *Executor) runSteps(ctx context.Context, wf *store.Workflow, exec *store.Execution) (*store.Execution, error) {
	actionsList := wf.Definition.Actions

	for i := exec.CurrentStepIndex; i < len(actionsList); i++ {
		if err := ctx.Err(); err != nil {
			return e.failExecution(ctx, exec, i,
				schema.NewError(schema.ErrCodeCancelled, "execution cancelled").WithCause(err))
		}

		stepCtx := logging.WithStepIndex(ctx, i)
		if err := e.state.SetStepIndex(stepCtx, exec.ID, i); err != nil {
			return e.failExecution(stepCtx, exec, i, err)
		}

		out, err := e.runStep(stepCtx, exec, &actionsList[i], i)
		if err != nil {
			return e.failExecution(stepCtx, exec, i, err)
		}

		if len(out.Data) > 0 {
			if err := e.state.RecordStepResult(stepCtx, exec.ID, stepActionKey(&actionsList[i], i), out.Data); err != nil {
				return e.failExecution(stepCtx, exec, i, err)
			}
		}
		if len(out.Assign) > 0 {
			if err := e.state.UpdateVariables(stepCtx, exec.ID, out.Assign); err != nil {
				return e.failExecution(stepCtx, exec, i, err)
			}
		}

		if out.Stop {
			e.logger.InfoContext(stepCtx, "execution stopped by condition")
			break
		}
	}

	return e.completeExecution(ctx, exec)
}

// runStep drives one step through running -> completed/failed/skipped,
// applying the retry schedule and fallback behavior.
func (e *Executor) runStep(ctx context.Context, exec *store.Execution, action *schema.ActionDefinition, index int) (*actions.Output, error) {
	if err := e.startStep(ctx, exec, action, index); err != nil {
		return nil, err
	}

	out, err := e.invokeWithRetry(ctx, exec, action, index)
	if err != nil {
		// Fallback action replaces the failed one, once.
		if action.OnError != nil && action.OnError.Fallback != nil {
			e.logger.WarnContext(ctx, "step failed, running fallback",
				"action_type", action.Type, "fallback_type", action.OnError.Fallback.Type, "error", err.Error())
			out, err = e.invoke(ctx, exec, action.OnError.Fallback, index)
		}
	}
	if err != nil {
		if CanSkip(action.OnError, err) {
			e.logger.WarnContext(ctx, "step failed, skipping", "action_type", action.Type, "error", err.Error())
			skipped := schema.StepStatusSkipped
			msg := err.Error()
			done := time.Now().UTC()
			if uerr := e.store.UpdateStep(ctx, exec.ID, index, store.StepUpdate{
				Status: &skipped, Error: &msg, CompletedAt: &done,
			}); uerr != nil {
				return nil, uerr
			}
			return &actions.Output{}, nil
		}

		failed := schema.StepStatusFailed
		msg := err.Error()
		done := time.Now().UTC()
		_ = e.store.UpdateStep(ctx, exec.ID, index, store.StepUpdate{
			Status: &failed, Error: &msg, CompletedAt: &done,
		})
		return nil, err
	}

	completed := schema.StepStatusCompleted
	done := time.Now().UTC()
	if err := e.store.UpdateStep(ctx, exec.ID, index, store.StepUpdate{
		Status: &completed, Output: out.Data, CompletedAt: &done,
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// invokeWithRetry runs the action and retries per the category policy using
// an explicit attempt counter. Each failure is recorded in the error
// history; exhaustion surfaces as RETRY_EXHAUSTED wrapping the last error.
func (e *Executor) invokeWithRetry(ctx context.Context, exec *store.Execution, action *schema.ActionDefinition, index int) (*actions.Output, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := e.invoke(ctx, exec, action, index)
		if err == nil {
			return out, nil
		}
		lastErr = err
		e.recordFailure(exec, action, index, err, attempt)

		policy, retryable := e.recovery.PolicyFor(err)
		if !retryable {
			return nil, err
		}
		if attempt+1 >= policy.MaxAttempts {
			exhausted := schema.NewErrorf(schema.ErrCodeRetryExhausted,
				"step %d (%s) failed after %d attempts: %s", index, action.Type, attempt+1, lastErr.Error()).
				WithStep(index).
				WithCause(lastErr)
			// Keep the cause's classification so skip/fallback handling
			// still sees a recoverable failure after exhaustion.
			var cause *schema.FlowError
			if errors.As(lastErr, &cause) {
				exhausted.Category = cause.Category
				exhausted.Recoverable = cause.Recoverable
			}
			return nil, exhausted
		}

		delay := ComputeBackoff(policy, attempt)
		e.logger.WarnContext(ctx, "step failed, retrying",
			"action_type", action.Type, "attempt", attempt+1, "backoff", delay.String(), "error", err.Error())
		if err := WaitForBackoff(ctx, delay); err != nil {
			return nil, schema.NewError(schema.ErrCodeCancelled, "execution cancelled during backoff").WithCause(err)
		}
	}
}

// invoke performs a single action attempt behind the circuit breaker and
// the per-step timeout.
func (e *Executor) invoke(ctx context.Context, exec *store.Execution, action *schema.ActionDefinition, index int) (*actions.Output, error) {
	impl, err := e.registry.Get(action.Type)
	if err != nil {
		return nil, err
	}
	if err := e.breakers.AllowRequest(action.Type); err != nil {
		return nil, err
	}

	config, err := actions.DecodeConfig(action.Config)
	if err != nil {
		return nil, withStep(err, index)
	}

	execState, err := e.state.Load(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	execCtx := &schema.ExecutionContext{
		ExecutionID:    exec.ID,
		WorkflowID:     exec.WorkflowID,
		OrganizationID: exec.OrganizationID,
		UserID:         exec.UserID,
		TriggerData:    execState.TriggerData,
		Variables:      execState.Variables,
	}

	stepCtx := ctx
	if e.stepTimeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, e.stepTimeout)
		defer cancel()
	}

	out, err := impl.Execute(stepCtx, actions.Input{Config: config, Context: execCtx})
	if err != nil {
		e.breakers.RecordFailure(action.Type)
		return nil, withStep(err, index)
	}
	e.breakers.RecordSuccess(action.Type)
	if out == nil {
		out = &actions.Output{}
	}
	return out, nil
}

func (e *Executor) recordFailure(exec *store.Execution, action *schema.ActionDefinition, index int, err error, attempt int) {
	rec := ErrorRecord{
		ExecutionID: exec.ID,
		StepIndex:   index,
		ActionType:  action.Type,
		Attempt:     attempt + 1,
		Message:     err.Error(),
	}
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		rec.Category = flowErr.Category
		rec.Code = flowErr.Code
	}
	e.recovery.Record(exec.WorkflowID, rec)
}

// startStep creates the step row at the current index and moves it to
// running. A row may already exist when a crashed run was reclaimed; the
// in-flight attempt is simply retried on its existing row.
func (e *Executor) startStep(ctx context.Context, exec *store.Execution, action *schema.ActionDefinition, index int) error {
	steps, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return err
	}
	var existing *store.ExecutionStep
	for _, s := range steps {
		if s.StepIndex == index {
			existing = s
			break
		}
	}

	now := time.Now().UTC()
	running := schema.StepStatusRunning
	if existing == nil {
		return e.store.CreateStep(ctx, &store.ExecutionStep{
			ID:          uuid.NewString(),
			ExecutionID: exec.ID,
			StepIndex:   index,
			ActionID:    action.ID,
			ActionType:  action.Type,
			Status:      running,
			StartedAt:   &now,
		})
	}
	if existing.Status == schema.StepStatusRunning {
		return nil
	}
	if err := ValidateStepTransition(exec.ID, index, existing.Status, running); err != nil {
		return err
	}
	return e.store.UpdateStep(ctx, exec.ID, index, store.StepUpdate{Status: &running, StartedAt: &now})
}

func (e *Executor) completeExecution(ctx context.Context, exec *store.Execution) (*store.Execution, error) {
	if err := e.transitionExecution(ctx, exec, schema.ExecutionStatusCompleted); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{CompletedAt: &now}); err != nil {
		return nil, err
	}
	e.state.Invalidate(exec.ID)
	e.logger.InfoContext(ctx, "execution completed")
	return e.state.Load(ctx, exec.ID)
}

// failExecution records the failure and moves the execution to failed. The
// original step error is returned to the caller.
func (e *Executor) failExecution(ctx context.Context, exec *store.Execution, stepIndex int, cause error) (*store.Execution, error) {
	msg := cause.Error()
	failed := schema.ExecutionStatusFailed
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{
		Status:       &failed,
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist execution failure", "error", err.Error())
	}
	e.state.Invalidate(exec.ID)
	e.logger.ErrorContext(ctx, "execution failed", "step_index", stepIndex, "error", msg)

	final, loadErr := e.state.Load(ctx, exec.ID)
	if loadErr != nil {
		return nil, cause
	}
	return final, withStep(cause, stepIndex)
}

// Cancel moves a pending, running or paused execution to cancelled.
func (e *Executor) Cancel(ctx context.Context, executionID string) error {
	exec, err := e.state.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if err := ValidateExecutionTransition(executionID, exec.Status, schema.ExecutionStatusCancelled); err != nil {
		return err
	}
	cancelled := schema.ExecutionStatusCancelled
	now := time.Now().UTC()
	if err := e.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		Status: &cancelled, CompletedAt: &now,
	}); err != nil {
		return err
	}
	e.state.Invalidate(executionID)
	e.logger.InfoContext(ctx, "execution cancelled", "execution_id", executionID)
	return nil
}

func (e *Executor) transitionExecution(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus) error {
	if err := ValidateExecutionTransition(exec.ID, exec.Status, to); err != nil {
		return err
	}
	if err := e.store.UpdateExecution(ctx, exec.ID, store.ExecutionUpdate{Status: &to}); err != nil {
		return err
	}
	exec.Status = to
	return nil
}

// stepActionKey is the key step output is stored under in step results:
// the action ID when present, otherwise the index-derived fallback.
func stepActionKey(action *schema.ActionDefinition, index int) string {
	if action.ID != "" {
		return action.ID
	}
	return "step_" + strconv.Itoa(index)
}

func withStep(err error, index int) error {
	var flowErr *schema.FlowError
	if errors.As(err, &flowErr) {
		if flowErr.HasStep() {
			return err
		}
		// Annotate a copy; the caller may still hold the original.
		cp := *flowErr
		return cp.WithStep(index)
	}
	return schema.NewErrorf(schema.ErrCodeExecution, "step %d failed: %v", index, err).
		WithStep(index).
		WithCause(err)
}
