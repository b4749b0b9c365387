package trigger

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conveyr/conveyr/internal/cronexpr"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/pkg/schema"
)

// ScheduleRequest creates or replaces a workflow's schedule. Empty fields
// fall back to the workflow's stored trigger config.
type ScheduleRequest struct {
	CronExpression string `json:"cron_expression,omitempty"`
	Timezone       string `json:"timezone,omitempty"`
}

// ScheduleWorkflow creates (or replaces) the schedule row for a workflow
// with a schedule trigger. One schedule per workflow.
func (s *Service) ScheduleWorkflow(ctx context.Context, workflowID string, req ScheduleRequest) (*store.Schedule, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}

	expression, timezone := req.CronExpression, req.Timezone
	if expression == "" {
		cfg, err := scheduleConfigFromWorkflow(wf)
		if err != nil {
			return nil, err
		}
		expression = cfg.CronExpression
		if timezone == "" {
			timezone = cfg.Timezone
		}
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if err := cronexpr.Validate(expression); err != nil {
		return nil, err
	}

	next := cronexpr.NextRun(expression, timezone, time.Now().UTC())

	if existing, err := s.store.GetScheduleByWorkflow(ctx, workflowID); err != nil {
		return nil, err
	} else if existing != nil {
		update := store.ScheduleUpdate{
			CronExpression: &expression,
			Timezone:       &timezone,
			NextRunAt:      &next,
		}
		if err := s.store.UpdateSchedule(ctx, existing.ID, update); err != nil {
			return nil, err
		}
		return s.store.GetSchedule(ctx, existing.ID)
	}

	sched := &store.Schedule{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		CronExpression: expression,
		Timezone:       timezone,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.logger.Info("workflow scheduled",
		slog.String("workflow_id", wf.ID),
		slog.String("cron", expression),
		slog.Time("next_run_at", next))
	return sched, nil
}

func scheduleConfigFromWorkflow(wf *store.Workflow) (*schema.ScheduleTriggerConfig, error) {
	if wf.Definition.Trigger.Type != schema.TriggerTypeSchedule {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %s has trigger type %q, not schedule", wf.ID, wf.Definition.Trigger.Type)
	}
	var cfg schema.ScheduleTriggerConfig
	if len(wf.Definition.Trigger.Config) > 0 {
		if err := json.Unmarshal(wf.Definition.Trigger.Config, &cfg); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "malformed schedule trigger config").WithCause(err)
		}
	}
	if cfg.CronExpression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "schedule trigger config has no cron_expression")
	}
	return &cfg, nil
}

// GetWorkflowSchedule returns a workflow's schedule, or NOT_FOUND.
func (s *Service) GetWorkflowSchedule(ctx context.Context, workflowID string) (*store.Schedule, error) {
	sched, err := s.store.GetScheduleByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if sched == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s has no schedule", workflowID)
	}
	return sched, nil
}

// UpcomingRuns previews the next n fire times for a workflow's schedule.
func (s *Service) UpcomingRuns(ctx context.Context, workflowID string, n int) ([]time.Time, error) {
	sched, err := s.GetWorkflowSchedule(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return cronexpr.NextN(sched.CronExpression, sched.Timezone, time.Now().UTC(), n), nil
}

// ScheduleUpdateRequest mutates a schedule. Nil fields are left untouched.
type ScheduleUpdateRequest struct {
	CronExpression *string `json:"cron_expression,omitempty"`
	Timezone       *string `json:"timezone,omitempty"`
	Enabled        *bool   `json:"enabled,omitempty"`
}

// UpdateWorkflowSchedule applies a partial update and recomputes the next
// run when the expression, timezone, or enablement changed.
func (s *Service) UpdateWorkflowSchedule(ctx context.Context, workflowID string, req ScheduleUpdateRequest) (*store.Schedule, error) {
	sched, err := s.GetWorkflowSchedule(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	expression := sched.CronExpression
	if req.CronExpression != nil {
		expression = *req.CronExpression
		if err := cronexpr.Validate(expression); err != nil {
			return nil, err
		}
	}
	timezone := sched.Timezone
	if req.Timezone != nil {
		timezone = *req.Timezone
	}

	update := store.ScheduleUpdate{
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Enabled:        req.Enabled,
	}
	enabled := sched.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	if enabled {
		next := cronexpr.NextRun(expression, timezone, time.Now().UTC())
		update.NextRunAt = &next
	}

	if err := s.store.UpdateSchedule(ctx, sched.ID, update); err != nil {
		return nil, err
	}
	return s.store.GetSchedule(ctx, sched.ID)
}

// ToggleSchedule enables or disables a workflow's schedule. Enabling
// recomputes the next run from now.
func (s *Service) ToggleSchedule(ctx context.Context, workflowID string, enabled bool) (*store.Schedule, error) {
	return s.UpdateWorkflowSchedule(ctx, workflowID, ScheduleUpdateRequest{Enabled: &enabled})
}

// UnscheduleWorkflow removes a workflow's schedule entirely.
func (s *Service) UnscheduleWorkflow(ctx context.Context, workflowID string) error {
	sched, err := s.GetWorkflowSchedule(ctx, workflowID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSchedule(ctx, sched.ID); err != nil {
		return err
	}
	s.logger.Info("workflow unscheduled", slog.String("workflow_id", workflowID))
	return nil
}

// ScheduleRunResult reports the outcome of dispatching one due schedule.
type ScheduleRunResult struct {
	ScheduleID string `json:"schedule_id"`
	WorkflowID string `json:"workflow_id"`
	JobID      string `json:"job_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ScheduleRunSummary reports one cron tick over all due schedules.
type ScheduleRunSummary struct {
	ExecutedCount int                 `json:"executedCount"`
	FailedCount   int                 `json:"failedCount"`
	Executed      []ScheduleRunResult `json:"executed"`
	Failed        []ScheduleRunResult `json:"failed"`
}

// HandleScheduled dispatches every due schedule: enqueue a job, then
// advance the schedule to its next fire time. AdvanceSchedule is
// idempotent per fire time, so a cron tick retried after a crash cannot
// double-dispatch a run that already advanced.
func (s *Service) HandleScheduled(ctx context.Context, now time.Time) (*ScheduleRunSummary, error) {
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return nil, err
	}

	summary := &ScheduleRunSummary{
		Executed: []ScheduleRunResult{},
		Failed:   []ScheduleRunResult{},
	}
	for _, sched := range due {
		result := s.dispatchSchedule(ctx, sched, now)
		if result.Error == "" {
			summary.ExecutedCount++
			summary.Executed = append(summary.Executed, result)
		} else {
			summary.FailedCount++
			summary.Failed = append(summary.Failed, result)
		}
	}

	s.logger.Info("schedule tick",
		slog.Int("due", len(due)),
		slog.Int("executed", summary.ExecutedCount),
		slog.Int("failed", summary.FailedCount))
	return summary, nil
}

func (s *Service) dispatchSchedule(ctx context.Context, sched *store.Schedule, now time.Time) ScheduleRunResult {
	result := ScheduleRunResult{ScheduleID: sched.ID, WorkflowID: sched.WorkflowID}

	// The fire time keys the idempotency guard in AdvanceSchedule.
	fireTime := now
	if sched.NextRunAt != nil {
		fireTime = *sched.NextRunAt
	}
	next := cronexpr.NextRun(sched.CronExpression, sched.Timezone, now)

	job, enqErr := queue.Enqueue(ctx, s.store, store.JobPayload{
		WorkflowID:     sched.WorkflowID,
		OrganizationID: sched.OrganizationID,
		TriggerData:    map[string]any{"scheduled_for": fireTime.UTC().Format(time.RFC3339)},
		Source:         schema.TriggerTypeSchedule,
		ScheduleID:     sched.ID,
	}, time.Time{}, 0)
	if enqErr != nil {
		result.Error = enqErr.Error()
		s.logger.Error("schedule dispatch failed",
			slog.String("schedule_id", sched.ID),
			slog.String("workflow_id", sched.WorkflowID),
			slog.String("error", enqErr.Error()))
	} else {
		result.JobID = job.ID
	}

	// Advance regardless of dispatch outcome so a broken schedule cannot
	// stay due forever; the success flag feeds the run counters.
	if err := s.store.AdvanceSchedule(ctx, sched.ID, fireTime, next, enqErr == nil); err != nil {
		s.logger.Error("schedule advance failed",
			slog.String("schedule_id", sched.ID),
			slog.String("error", err.Error()))
		if result.Error == "" {
			result.Error = err.Error()
		}
	}
	return result
}
