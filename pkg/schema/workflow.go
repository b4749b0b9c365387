package schema

import "encoding/json"

// WorkflowStatus enumerates the lifecycle states of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "draft"
	WorkflowStatusActive   WorkflowStatus = "active"
	WorkflowStatusPaused   WorkflowStatus = "paused"
	WorkflowStatusArchived WorkflowStatus = "archived"
)

// ExecutionStatus enumerates the lifecycle states of a single execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution can no longer change state.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus enumerates the states of a single execution step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// TriggerType enumerates how an execution can be initiated.
type TriggerType string

const (
	TriggerTypeWebhook  TriggerType = "webhook"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeManual   TriggerType = "manual"
	TriggerTypeEvent    TriggerType = "event"
)

// WebhookAuthType enumerates the supported webhook authentication modes.
type WebhookAuthType string

const (
	WebhookAuthNone   WebhookAuthType = "none"
	WebhookAuthAPIKey WebhookAuthType = "api_key"
	WebhookAuthBearer WebhookAuthType = "bearer"
	WebhookAuthHMAC   WebhookAuthType = "hmac"
)

// WorkflowDefinition is the JSON-serializable workflow format: an ordered
// action list plus the trigger and webhook configuration. It is stored as a
// single document on the workflow row and treated as read-only by the core.
type WorkflowDefinition struct {
	Actions []ActionDefinition `json:"actions"`
	Trigger TriggerConfig      `json:"trigger"`
	Webhook *WebhookSettings   `json:"webhook,omitempty"`
}

// ActionDefinition describes a single action in a workflow's ordered list.
type ActionDefinition struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`             // registry key, e.g. "http_call"
	Name    string          `json:"name,omitempty"`   // display name
	Config  json.RawMessage `json:"config,omitempty"` // action-specific parameters
	OnError *ErrorBehavior  `json:"on_error,omitempty"`
}

// ErrorBehavior declares how a step failure is handled after retries are
// exhausted. Fallback runs an alternate action in place of the failed one;
// Skip marks the step skipped and continues. Skip only applies to errors
// classified recoverable.
type ErrorBehavior struct {
	Fallback *ActionDefinition `json:"fallback,omitempty"`
	Skip     bool              `json:"skip,omitempty"`
}

// TriggerConfig holds the trigger type and its type-specific configuration.
type TriggerConfig struct {
	Type   TriggerType     `json:"type"`
	Config json.RawMessage `json:"config,omitempty"`
}

// ScheduleTriggerConfig is the type-specific config for schedule triggers.
type ScheduleTriggerConfig struct {
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone,omitempty"` // IANA name, default UTC
}

// WebhookSettings configures inbound webhook delivery for a workflow.
type WebhookSettings struct {
	Enabled  bool            `json:"enabled"`
	AuthType WebhookAuthType `json:"auth_type,omitempty"` // default "none"
	Secret   string          `json:"secret,omitempty"`
}

// ExecutionContext is the data visible to condition evaluation and action
// input resolution: the triggering payload plus variables accumulated across
// completed steps. Evaluators must never mutate it.
type ExecutionContext struct {
	ExecutionID    string         `json:"execution_id"`
	WorkflowID     string         `json:"workflow_id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	TriggerData    map[string]any `json:"trigger_data,omitempty"`
	Variables      map[string]any `json:"variables,omitempty"`
}

// Merged returns trigger data overlaid with variables (variables win).
// The result is a fresh map; mutating it does not touch the context.
func (c *ExecutionContext) Merged() map[string]any {
	merged := make(map[string]any, len(c.TriggerData)+len(c.Variables))
	for k, v := range c.TriggerData {
		merged[k] = v
	}
	for k, v := range c.Variables {
		merged[k] = v
	}
	return merged
}

// OnFalseBehavior declares how a condition action routes when its condition
// evaluates false: keep going or stop the execution, optionally assigning
// variables either way.
type OnFalseBehavior struct {
	Behavior string         `json:"behavior,omitempty"` // "continue" | "stop" (default "stop")
	Assign   map[string]any `json:"assign,omitempty"`
}

const (
	OnFalseContinue = "continue"
	OnFalseStop     = "stop"
)
