package store

import (
	"context"
	"time"
)

// Store defines the persistence contract for the execution core. Durable
// storage is the single source of truth across worker processes; every
// cross-process coordination point (claiming a job, advancing a schedule)
// goes through an atomic update here, never through a process-local cache.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (dashboard owns CRUD; the core reads and bumps status).
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	SetWorkflowStatus(ctx context.Context, id string, status WorkflowStatusBump) error

	// Schedules
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	GetScheduleByWorkflow(ctx context.Context, workflowID string) (*Schedule, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	DeleteSchedule(ctx context.Context, id string) error
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)
	// AdvanceSchedule atomically records a completed run: sets last/next run
	// and bumps counters. Idempotent per (id, lastRun) so a retried
	// reschedule after a crash cannot double-count.
	AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time, success bool) error

	// Executions
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Execution steps
	CreateStep(ctx context.Context, s *ExecutionStep) error
	UpdateStep(ctx context.Context, executionID string, stepIndex int, update StepUpdate) error
	ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error)

	// Checkpoints (append-only)
	CreateCheckpoint(ctx context.Context, c *Checkpoint) error
	GetCheckpoint(ctx context.Context, executionID, name string) (*Checkpoint, error)
	LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error)

	// Job queue
	EnqueueJob(ctx context.Context, j *Job) error
	// ClaimJob atomically claims the oldest due queued job, marking it
	// running. Returns nil when nothing is due.
	ClaimJob(ctx context.Context, now time.Time) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	UpdateJob(ctx context.Context, id string, update JobUpdate) error
	// RequeueJob puts a failed job back in the queue for a later attempt.
	RequeueJob(ctx context.Context, id string, runAt time.Time, lastError string) error
	// DeadLetterJob parks a job permanently after its attempts are exhausted.
	DeadLetterJob(ctx context.Context, id string, lastError string) error

	// Webhook audit log
	AppendWebhookLog(ctx context.Context, l *WebhookLog) error
	ListWebhookLogs(ctx context.Context, workflowID string, limit int) ([]*WebhookLog, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}

// WorkflowStatusBump carries a status change plus the version bump that the
// core applies as an execution side effect.
type WorkflowStatusBump struct {
	Status      string `json:"status"`
	BumpVersion bool   `json:"bump_version"`
}

// JobUpdate specifies mutable job fields.
type JobUpdate struct {
	Status    *JobStatus `json:"status,omitempty"`
	Progress  *int       `json:"progress,omitempty"`
	LastError *string    `json:"last_error,omitempty"`
}
