// Package state manages execution state: variables, step results, pause and
// resume, checkpoints, and recovery of interrupted executions. The database
// row is the system of record; the in-process cache only short-circuits
// reads and is never consulted for correctness decisions.
package state

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/pkg/schema"
)

// DefaultCacheTTL bounds how long a cached execution snapshot is trusted.
const DefaultCacheTTL = 5 * time.Minute

type cacheEntry struct {
	execution *store.Execution
	expiresAt time.Time
}

// Manager is the execution state store. Safe for concurrent use.
type Manager struct {
	store  store.Store
	logger *slog.Logger
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// Option configures a Manager.
type Option func(*Manager)

// WithCacheTTL overrides the snapshot cache TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// NewManager builds a state manager on top of the given store.
func NewManager(st store.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		store:  st,
		logger: logger,
		ttl:    DefaultCacheTTL,
		cache:  make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load returns the current execution state, from cache when fresh.
func (m *Manager) Load(ctx context.Context, executionID string) (*store.Execution, error) {
	m.mu.Lock()
	entry, ok := m.cache[executionID]
	if ok && time.Now().Before(entry.expiresAt) {
		cp := *entry.execution
		m.mu.Unlock()
		return &cp, nil
	}
	m.mu.Unlock()

	return m.reload(ctx, executionID)
}

// reload fetches from the store and refreshes the cache.
func (m *Manager) reload(ctx context.Context, executionID string) (*store.Execution, error) {
	e, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	m.put(e)
	cp := *e
	return &cp, nil
}

func (m *Manager) put(e *store.Execution) {
	cp := *e
	m.mu.Lock()
	m.cache[e.ID] = cacheEntry{execution: &cp, expiresAt: time.Now().Add(m.ttl)}
	m.mu.Unlock()
}

// Save applies a partial update to the execution row. The cached snapshot
// is dropped so the next read sees the written state.
func (m *Manager) Save(ctx context.Context, executionID string, update store.ExecutionUpdate) error {
	if err := m.store.UpdateExecution(ctx, executionID, update); err != nil {
		return err
	}
	m.Invalidate(executionID)
	return nil
}

// Invalidate drops the cached snapshot for an execution.
func (m *Manager) Invalidate(executionID string) {
	m.mu.Lock()
	delete(m.cache, executionID)
	m.mu.Unlock()
}

// UpdateVariables merges the given assignments into the execution's
// variables. Existing keys are overwritten, absent keys are kept; variables
// are never removed.
func (m *Manager) UpdateVariables(ctx context.Context, executionID string, assign map[string]any) error {
	if len(assign) == 0 {
		return nil
	}
	e, err := m.reload(ctx, executionID)
	if err != nil {
		return err
	}
	merged := make(map[string]any, len(e.Variables)+len(assign))
	for k, v := range e.Variables {
		merged[k] = v
	}
	for k, v := range assign {
		merged[k] = v
	}
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Variables: merged}); err != nil {
		return err
	}
	e.Variables = merged
	m.put(e)
	return nil
}

// RecordStepResult stores a step's output under its action ID and merges it
// into variables so later steps can reference it.
func (m *Manager) RecordStepResult(ctx context.Context, executionID, actionID string, output map[string]any) error {
	e, err := m.reload(ctx, executionID)
	if err != nil {
		return err
	}
	results := make(map[string]any, len(e.StepResults)+1)
	for k, v := range e.StepResults {
		results[k] = v
	}
	results[actionID] = output

	merged := make(map[string]any, len(e.Variables)+len(output))
	for k, v := range e.Variables {
		merged[k] = v
	}
	for k, v := range output {
		merged[k] = v
	}

	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		StepResults: results,
		Variables:   merged,
	}); err != nil {
		return err
	}
	e.StepResults = results
	e.Variables = merged
	m.put(e)
	return nil
}

// SetStepIndex moves the execution's cursor to the given step.
func (m *Manager) SetStepIndex(ctx context.Context, executionID string, index int) error {
	if index < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "step index %d is negative", index)
	}
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{CurrentStepIndex: &index}); err != nil {
		return err
	}
	m.Invalidate(executionID)
	return nil
}

// IncrementStepIndex advances the cursor by one from its persisted value.
func (m *Manager) IncrementStepIndex(ctx context.Context, executionID string) (int, error) {
	e, err := m.reload(ctx, executionID)
	if err != nil {
		return 0, err
	}
	next := e.CurrentStepIndex + 1
	if err := m.SetStepIndex(ctx, executionID, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Pause transitions a running execution to paused. Only running executions
// can pause.
func (m *Manager) Pause(ctx context.Context, executionID string) error {
	e, err := m.reload(ctx, executionID)
	if err != nil {
		return err
	}
	if e.Status != schema.ExecutionStatusRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot pause execution in status %q", e.Status)
	}
	paused := schema.ExecutionStatusPaused
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &paused}); err != nil {
		return err
	}
	m.Invalidate(executionID)
	m.logger.InfoContext(ctx, "execution paused", "execution_id", executionID)
	return nil
}

// Resume transitions a paused execution back to running and returns the
// refreshed state so the caller can continue from the current step index.
func (m *Manager) Resume(ctx context.Context, executionID string) (*store.Execution, error) {
	e, err := m.reload(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if e.Status != schema.ExecutionStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition, "cannot resume execution in status %q", e.Status)
	}
	running := schema.ExecutionStatusRunning
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{Status: &running}); err != nil {
		return nil, err
	}
	m.Invalidate(executionID)
	m.logger.InfoContext(ctx, "execution resumed", "execution_id", executionID, "step_index", e.CurrentStepIndex)
	return m.reload(ctx, executionID)
}

// Checkpoint snapshots the current variables, step results and cursor under
// a name. Checkpoints are append-only.
func (m *Manager) Checkpoint(ctx context.Context, executionID, name string) (*store.Checkpoint, error) {
	e, err := m.reload(ctx, executionID)
	if err != nil {
		return nil, err
	}
	c := &store.Checkpoint{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Name:        name,
		StepIndex:   e.CurrentStepIndex,
		Variables:   e.Variables,
		StepResults: e.StepResults,
		CreatedAt:   time.Now().UTC(),
	}
	if err := m.store.CreateCheckpoint(ctx, c); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "checkpoint created", "execution_id", executionID, "name", name, "step_index", c.StepIndex)
	return c, nil
}

// Restore rewinds execution state to a named checkpoint and invalidates the
// cache so the next read sees the restored row.
func (m *Manager) Restore(ctx context.Context, executionID, name string) error {
	c, err := m.store.GetCheckpoint(ctx, executionID, name)
	if err != nil {
		return err
	}
	if c == nil {
		return schema.NewErrorf(schema.ErrCodeNotFound, "checkpoint %q not found for execution %s", name, executionID)
	}
	return m.applyCheckpoint(ctx, executionID, c)
}

func (m *Manager) applyCheckpoint(ctx context.Context, executionID string, c *store.Checkpoint) error {
	idx := c.StepIndex
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		CurrentStepIndex: &idx,
		Variables:        orEmpty(c.Variables),
		StepResults:      orEmpty(c.StepResults),
	}); err != nil {
		return err
	}
	m.Invalidate(executionID)
	m.logger.InfoContext(ctx, "state restored from checkpoint",
		"execution_id", executionID, "checkpoint", c.Name, "step_index", c.StepIndex)
	return nil
}

// orEmpty avoids nil maps in updates: a nil map means "leave untouched" to
// the store, but a restore must overwrite.
func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// Validate checks an execution row for structural consistency: a known
// status, a non-negative cursor, and a terminal timestamp only on terminal
// states. Used by recovery to decide whether live state is trustworthy.
func (m *Manager) Validate(e *store.Execution) error {
	switch e.Status {
	case schema.ExecutionStatusPending, schema.ExecutionStatusRunning,
		schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed,
		schema.ExecutionStatusPaused, schema.ExecutionStatusCancelled:
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown execution status %q", e.Status)
	}
	if e.CurrentStepIndex < 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "negative step index %d", e.CurrentStepIndex)
	}
	if e.CompletedAt != nil && !e.Status.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeValidation, "completed_at set on non-terminal status %q", e.Status)
	}
	return nil
}

// Recover restores a usable state for an interrupted execution. It tries, in
// order: the live row when it validates; the latest checkpoint; a minimal
// reset to step 0 with variables and results cleared. A missing row is not
// recoverable.
func (m *Manager) Recover(ctx context.Context, executionID string) (*store.Execution, error) {
	m.Invalidate(executionID)
	e, err := m.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found, cannot recover", executionID)
	}

	if err := m.Validate(e); err == nil {
		m.put(e)
		return e, nil
	} else {
		m.logger.WarnContext(ctx, "live execution state invalid, trying checkpoint",
			"execution_id", executionID, "error", err.Error())
	}

	c, err := m.store.LatestCheckpoint(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if c != nil {
		if err := m.applyCheckpoint(ctx, executionID, c); err != nil {
			return nil, err
		}
		return m.reload(ctx, executionID)
	}

	// Last resort: reset to the beginning.
	zero := 0
	if err := m.store.UpdateExecution(ctx, executionID, store.ExecutionUpdate{
		CurrentStepIndex: &zero,
		Variables:        map[string]any{},
		StepResults:      map[string]any{},
	}); err != nil {
		return nil, err
	}
	m.logger.WarnContext(ctx, "no checkpoint available, reset execution to start", "execution_id", executionID)
	return m.reload(ctx, executionID)
}
