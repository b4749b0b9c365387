package queue

import (
	"context"

	"github.com/conveyr/conveyr/internal/engine"
	"github.com/conveyr/conveyr/internal/store"
)

// EngineRunner maps queue payloads onto engine executions.
type EngineRunner struct {
	executor *engine.Executor
}

// NewEngineRunner wraps the executor for queue dispatch.
func NewEngineRunner(executor *engine.Executor) *EngineRunner {
	return &EngineRunner{executor: executor}
}

// RunJob runs (or resumes, when the payload names an execution) the
// workflow described by the payload. The executor owns marking the
// execution failed; the error only decides requeue versus dead-letter.
func (r *EngineRunner) RunJob(ctx context.Context, payload store.JobPayload) error {
	_, err := r.executor.Run(ctx, engine.RunRequest{
		WorkflowID:     payload.WorkflowID,
		OrganizationID: payload.OrganizationID,
		UserID:         payload.UserID,
		TriggerData:    payload.TriggerData,
		Source:         payload.Source,
		ExecutionID:    payload.ExecutionID,
	})
	return err
}
