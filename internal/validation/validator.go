// Package validation checks workflow definitions before they are scheduled
// or executed: structural validation via JSON Schema, then semantic checks
// the schema language cannot express.
package validation

import (
	"encoding/json"
	"time"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/conveyr/conveyr/internal/actions"
	"github.com/conveyr/conveyr/internal/cronexpr"
	"github.com/conveyr/conveyr/pkg/schema"
)

// WorkflowValidator validates workflow definitions and trigger configs.
// Safe for concurrent use.
type WorkflowValidator struct {
	workflowSchema *jsonschema.Schema
	scheduleSchema *jsonschema.Schema
	registry       *actions.Registry
}

// NewWorkflowValidator compiles the embedded schemas. The registry decides
// which action types are known; a nil registry skips type checks.
func NewWorkflowValidator(registry *actions.Registry) (*WorkflowValidator, error) {
	wf, err := compileEmbedded("https://conveyr.dev/schemas/workflow.json", workflowSchemaJSON)
	if err != nil {
		return nil, err
	}
	sched, err := compileEmbedded("https://conveyr.dev/schemas/schedule-config.json", scheduleConfigSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		workflowSchema: wf,
		scheduleSchema: sched,
		registry:       registry,
	}, nil
}

// ValidateDefinition runs structural then semantic validation over a full
// workflow definition.
func (v *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	if err := v.checkActions(def.Actions); err != nil {
		return err
	}
	if err := v.ValidateTrigger(&def.Trigger); err != nil {
		return err
	}
	return v.checkWebhookSettings(def)
}

// checkActions enforces what the schema cannot: unique IDs, known action
// types, and per-type config validation.
func (v *WorkflowValidator) checkActions(list []schema.ActionDefinition) error {
	seen := make(map[string]struct{}, len(list))
	for i := range list {
		action := &list[i]
		if _, dup := seen[action.ID]; dup {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate action id %q", action.ID)
		}
		seen[action.ID] = struct{}{}

		if err := v.checkActionConfig(action); err != nil {
			return err
		}
		if action.OnError != nil && action.OnError.Fallback != nil {
			if err := v.checkActionConfig(action.OnError.Fallback); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v *WorkflowValidator) checkActionConfig(action *schema.ActionDefinition) error {
	if v.registry == nil {
		return nil
	}
	impl, err := v.registry.Get(action.Type)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has unknown type %q", action.ID, action.Type)
	}
	config, err := actions.DecodeConfig(action.Config)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q has malformed config", action.ID).WithCause(err)
	}
	if err := impl.Validate(config); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "action %q: %s", action.ID, err.Error()).WithCause(err)
	}
	return nil
}

// ValidateTrigger checks a trigger config block for its declared type.
func (v *WorkflowValidator) ValidateTrigger(trigger *schema.TriggerConfig) error {
	switch trigger.Type {
	case schema.TriggerTypeSchedule:
		return v.validateScheduleConfig(trigger.Config)
	case schema.TriggerTypeWebhook, schema.TriggerTypeManual, schema.TriggerTypeEvent:
		return nil
	case "":
		return schema.NewError(schema.ErrCodeValidation, "trigger type is required")
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", trigger.Type)
	}
}

func (v *WorkflowValidator) validateScheduleConfig(raw json.RawMessage) error {
	if len(raw) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "schedule trigger requires a config block")
	}

	doc, err := toJSONValue(raw)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed schedule trigger config").WithCause(err)
	}
	if err := v.scheduleSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}

	var cfg schema.ScheduleTriggerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeValidation, "malformed schedule trigger config").WithCause(err)
	}
	if err := cronexpr.Validate(cfg.CronExpression); err != nil {
		return err
	}
	if cfg.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Timezone); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "unknown timezone %q", cfg.Timezone)
		}
	}
	return nil
}

func (v *WorkflowValidator) checkWebhookSettings(def *schema.WorkflowDefinition) error {
	settings := def.Webhook
	if settings == nil {
		if def.Trigger.Type == schema.TriggerTypeWebhook {
			return schema.NewError(schema.ErrCodeValidation, "webhook trigger requires webhook settings")
		}
		return nil
	}
	authType := settings.AuthType
	if authType == "" || authType == schema.WebhookAuthNone {
		return nil
	}
	if settings.Secret == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook auth type %q requires a secret", authType)
	}
	return nil
}
