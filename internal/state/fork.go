package state

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/pkg/schema"
)

// Fork creates a child execution that starts with a copy of the parent's
// variables and records its lineage. The child gets fresh step results and
// cursor; mutating its state never touches the parent.
func (m *Manager) Fork(ctx context.Context, parentID string) (*store.Execution, error) {
	parent, err := m.reload(ctx, parentID)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]any, len(parent.Variables))
	for k, v := range parent.Variables {
		vars[k] = v
	}

	child := &store.Execution{
		ID:                uuid.NewString(),
		WorkflowID:        parent.WorkflowID,
		OrganizationID:    parent.OrganizationID,
		UserID:            parent.UserID,
		Status:            schema.ExecutionStatusPending,
		TriggerData:       parent.TriggerData,
		TriggerSource:     parent.TriggerSource,
		Variables:         vars,
		StepResults:       map[string]any{},
		ParentExecutionID: &parent.ID,
	}
	if err := m.store.CreateExecution(ctx, child); err != nil {
		return nil, err
	}
	m.logger.InfoContext(ctx, "execution forked", "execution_id", parentID, "child_id", child.ID)
	return child, nil
}

// Join folds fork results back into the parent. Exactly two keys are added
// to the parent's variables: forkResults and joinedAt. Everything else is
// left as-is.
func (m *Manager) Join(ctx context.Context, parentID string, forkResults []map[string]any) error {
	return m.UpdateVariables(ctx, parentID, map[string]any{
		"forkResults": forkResults,
		"joinedAt":    time.Now().UTC().Format(time.RFC3339),
	})
}
