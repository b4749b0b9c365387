package store

import (
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

// Workflow is the persisted workflow definition. The dashboard owns CRUD;
// the core reads definitions and only bumps status/version as execution
// side effects (e.g. schedule enable/disable).
type Workflow struct {
	ID             string                    `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID string                    `gorm:"type:uuid;index;not null" json:"organization_id"`
	Name           string                    `gorm:"not null" json:"name"`
	Status         schema.WorkflowStatus     `gorm:"not null;default:draft" json:"status"`
	Definition     schema.WorkflowDefinition `gorm:"serializer:json;not null" json:"definition"`
	Version        int                       `gorm:"not null;default:1" json:"version"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// Schedule is the cron bookkeeping row for a workflow's schedule trigger.
// Invariant: NextRunAt is the soonest future cron match in Timezone while
// the schedule is enabled.
type Schedule struct {
	ID             string     `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID     string     `gorm:"type:uuid;uniqueIndex;not null" json:"workflow_id"`
	OrganizationID string     `gorm:"type:uuid;index;not null" json:"organization_id"`
	CronExpression string     `gorm:"not null" json:"cron_expression"`
	Timezone       string     `gorm:"not null;default:UTC" json:"timezone"`
	Enabled        bool       `gorm:"not null;default:true" json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `gorm:"index" json:"next_run_at,omitempty"`
	TotalRuns      int        `gorm:"not null;default:0" json:"total_runs"`
	SuccessfulRuns int        `gorm:"not null;default:0" json:"successful_runs"`
	FailedRuns     int        `gorm:"not null;default:0" json:"failed_runs"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Execution is the persisted state of one workflow run. Mutated exclusively
// by the execution engine and state store; terminal once Status is
// completed/failed/cancelled.
type Execution struct {
	ID                string                 `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID        string                 `gorm:"type:uuid;index;not null" json:"workflow_id"`
	OrganizationID    string                 `gorm:"type:uuid;index;not null" json:"organization_id"`
	UserID            string                 `json:"user_id,omitempty"`
	Status            schema.ExecutionStatus `gorm:"not null;default:pending" json:"status"`
	TriggerData       map[string]any         `gorm:"serializer:json" json:"trigger_data,omitempty"`
	TriggerSource     schema.TriggerType     `gorm:"not null" json:"trigger_source"`
	CurrentStepIndex  int                    `gorm:"not null;default:0" json:"current_step_index"`
	Variables         map[string]any         `gorm:"serializer:json" json:"variables,omitempty"`
	StepResults       map[string]any         `gorm:"serializer:json" json:"step_results,omitempty"`
	ParentExecutionID *string                `gorm:"type:uuid;index" json:"parent_execution_id,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// ExecutionStep is one attempted action within an execution. Step indices
// are contiguous from 0 and map 1:1 onto the workflow's action list at
// execution time.
type ExecutionStep struct {
	ID          string            `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID string            `gorm:"type:uuid;index:idx_steps_execution;not null" json:"execution_id"`
	StepIndex   int               `gorm:"not null" json:"step_index"`
	ActionID    string            `json:"action_id,omitempty"`
	ActionType  string            `gorm:"not null" json:"action_type"`
	Status      schema.StepStatus `gorm:"not null;default:pending" json:"status"`
	Input       map[string]any    `gorm:"serializer:json" json:"input,omitempty"`
	Output      map[string]any    `gorm:"serializer:json" json:"output,omitempty"`
	Error       string            `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Checkpoint is an append-only snapshot of execution state used for
// recovery when live state is judged corrupted.
type Checkpoint struct {
	ID          string         `gorm:"type:uuid;primaryKey" json:"id"`
	ExecutionID string         `gorm:"type:uuid;index;not null" json:"execution_id"`
	Name        string         `gorm:"not null" json:"name"`
	StepIndex   int            `gorm:"not null" json:"step_index"`
	Variables   map[string]any `gorm:"serializer:json" json:"variables,omitempty"`
	StepResults map[string]any `gorm:"serializer:json" json:"step_results,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// JobStatus enumerates queue job states.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusDead      JobStatus = "dead"
)

// JobPayload is the queue envelope for one execution request.
type JobPayload struct {
	WorkflowID     string             `json:"workflow_id"`
	OrganizationID string             `json:"organization_id"`
	UserID         string             `json:"user_id,omitempty"`
	TriggerData    map[string]any     `json:"trigger_data,omitempty"`
	Source         schema.TriggerType `json:"source"`
	ScheduleID     string             `json:"schedule_id,omitempty"`
	ExecutionID    string             `json:"execution_id,omitempty"`
}

// Job is a durable queue entry. Rows live until processed or dead-lettered.
type Job struct {
	ID          string     `gorm:"type:uuid;primaryKey" json:"id"`
	Payload     JobPayload `gorm:"serializer:json;not null" json:"payload"`
	Status      JobStatus  `gorm:"not null;default:queued;index:idx_jobs_status_run_at" json:"status"`
	Attempts    int        `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts int        `gorm:"not null;default:3" json:"max_attempts"`
	Progress    int        `gorm:"not null;default:0" json:"progress"`
	RunAt       time.Time  `gorm:"not null;index:idx_jobs_status_run_at" json:"run_at"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// WebhookLog is the audit record for one inbound trigger attempt. Written
// for every attempt, success or failure, independent of execution outcome.
type WebhookLog struct {
	ID         string            `gorm:"type:uuid;primaryKey" json:"id"`
	WorkflowID string            `gorm:"type:uuid;index;not null" json:"workflow_id"`
	Method     string            `gorm:"not null" json:"method"`
	Path       string            `json:"path,omitempty"`
	Headers    map[string]string `gorm:"serializer:json" json:"headers,omitempty"`
	Body       string            `json:"body,omitempty"`
	SourceIP   string            `json:"source_ip,omitempty"`
	StatusCode int               `gorm:"not null" json:"status_code"`
	Success    bool              `gorm:"not null" json:"success"`
	Error      string            `json:"error,omitempty"`
	DurationMs int64             `json:"duration_ms"`
	CreatedAt  time.Time         `json:"created_at"`
}

// --- Filter and update types ---

// ScheduleUpdate specifies mutable schedule fields. Nil pointers are left
// untouched.
type ScheduleUpdate struct {
	CronExpression *string    `json:"cron_expression,omitempty"`
	Timezone       *string    `json:"timezone,omitempty"`
	Enabled        *bool      `json:"enabled,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
}

// ExecutionUpdate specifies mutable execution fields.
type ExecutionUpdate struct {
	Status           *schema.ExecutionStatus `json:"status,omitempty"`
	CurrentStepIndex *int                    `json:"current_step_index,omitempty"`
	Variables        map[string]any          `json:"variables,omitempty"`
	StepResults      map[string]any          `json:"step_results,omitempty"`
	ErrorMessage     *string                 `json:"error_message,omitempty"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
}

// StepUpdate specifies mutable step fields.
type StepUpdate struct {
	Status      *schema.StepStatus `json:"status,omitempty"`
	Output      map[string]any     `json:"output,omitempty"`
	Error       *string            `json:"error,omitempty"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID     string                  `json:"workflow_id,omitempty"`
	OrganizationID string                  `json:"organization_id,omitempty"`
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	Since          *time.Time              `json:"since,omitempty"`
	Limit          int                     `json:"limit,omitempty"`
	Offset         int                     `json:"offset,omitempty"`
}
