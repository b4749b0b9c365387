// Package trigger turns inbound events (webhook deliveries, cron ticks,
// manual requests) into queued jobs or inline executions.
package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"

	"github.com/conveyr/conveyr/internal/engine"
	"github.com/conveyr/conveyr/internal/queue"
	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/pkg/schema"
)

// Service is the trigger entry point. Webhook and scheduled triggers
// enqueue durable jobs; the manual debug path runs inline through the
// executor.
type Service struct {
	store    store.Store
	executor *engine.Executor
	logger   *slog.Logger
}

// NewService creates the trigger service.
func NewService(st store.Store, executor *engine.Executor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		executor: executor,
		logger:   logger.With(slog.String("component", "trigger")),
	}
}

// WebhookRequest is one inbound webhook delivery.
type WebhookRequest struct {
	Method   string
	Path     string
	Headers  map[string]string
	Body     []byte
	SourceIP string
}

// Header returns a header value with canonical-key lookup.
func (r WebhookRequest) Header(name string) string {
	if v, ok := r.Headers[name]; ok {
		return v
	}
	canonical := textproto.CanonicalMIMEHeaderKey(name)
	for k, v := range r.Headers {
		if textproto.CanonicalMIMEHeaderKey(k) == canonical {
			return v
		}
	}
	return ""
}

// WebhookResult reports an accepted webhook delivery.
type WebhookResult struct {
	JobID      string `json:"job_id"`
	WorkflowID string `json:"workflow_id"`
}

// HandleWebhook authenticates and enqueues a webhook delivery. Every
// attempt is written to the audit log, rejected ones included.
func (s *Service) HandleWebhook(ctx context.Context, workflowID string, req WebhookRequest) (*WebhookResult, error) {
	start := time.Now()

	result, err := s.dispatchWebhook(ctx, workflowID, req)
	s.appendWebhookLog(ctx, workflowID, req, err, time.Since(start))
	return result, err
}

func (s *Service) dispatchWebhook(ctx context.Context, workflowID string, req WebhookRequest) (*WebhookResult, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}

	settings := wf.Definition.Webhook
	if settings == nil || !settings.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden, "webhook trigger not enabled for workflow %s", workflowID)
	}
	if wf.Status != schema.WorkflowStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "workflow %s is %s, not active", workflowID, wf.Status)
	}
	if err := authenticateWebhook(settings, req); err != nil {
		return nil, err
	}

	job, err := queue.Enqueue(ctx, s.store, store.JobPayload{
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		TriggerData:    webhookTriggerData(req),
		Source:         schema.TriggerTypeWebhook,
	}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}

	s.logger.Info("webhook accepted",
		slog.String("workflow_id", wf.ID),
		slog.String("job_id", job.ID))
	return &WebhookResult{JobID: job.ID, WorkflowID: wf.ID}, nil
}

// WebhookInfo is the diagnostic view of a workflow's webhook configuration.
// It never carries the secret.
type WebhookInfo struct {
	WorkflowID     string                 `json:"workflow_id"`
	WorkflowName   string                 `json:"workflow_name"`
	WorkflowStatus schema.WorkflowStatus  `json:"workflow_status"`
	TriggerType    schema.TriggerType     `json:"trigger_type"`
	Enabled        bool                   `json:"enabled"`
	AuthType       schema.WebhookAuthType `json:"auth_type"`
}

// GetWebhookInfo returns non-sensitive webhook metadata for diagnostics.
func (s *Service) GetWebhookInfo(ctx context.Context, workflowID string) (*WebhookInfo, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", workflowID)
	}

	info := &WebhookInfo{
		WorkflowID:     wf.ID,
		WorkflowName:   wf.Name,
		WorkflowStatus: wf.Status,
		TriggerType:    wf.Definition.Trigger.Type,
		AuthType:       schema.WebhookAuthNone,
	}
	if settings := wf.Definition.Webhook; settings != nil {
		info.Enabled = settings.Enabled
		if settings.AuthType != "" {
			info.AuthType = settings.AuthType
		}
	}
	return info, nil
}

// webhookTriggerData converts the delivery body into trigger data. A JSON
// object body is passed through as-is; anything else is wrapped so the
// payload always survives verbatim.
func webhookTriggerData(req WebhookRequest) map[string]any {
	if len(req.Body) > 0 {
		var obj map[string]any
		if err := json.Unmarshal(req.Body, &obj); err == nil {
			return obj
		}
		return map[string]any{"body": string(req.Body)}
	}
	return map[string]any{}
}

func (s *Service) appendWebhookLog(ctx context.Context, workflowID string, req WebhookRequest, dispatchErr error, elapsed time.Duration) {
	entry := &store.WebhookLog{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Method:     req.Method,
		Path:       req.Path,
		Headers:    redactHeaders(req.Headers),
		Body:       string(req.Body),
		SourceIP:   req.SourceIP,
		StatusCode: webhookStatusCode(dispatchErr),
		Success:    dispatchErr == nil,
		DurationMs: elapsed.Milliseconds(),
	}
	if dispatchErr != nil {
		entry.Error = dispatchErr.Error()
	}
	// Audit writes must not cancel with the request.
	if err := s.store.AppendWebhookLog(context.WithoutCancel(ctx), entry); err != nil {
		s.logger.Error("webhook log write failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
	}
}

// redactHeaders strips credential-bearing headers before they reach the
// audit log.
func redactHeaders(headers map[string]string) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		switch textproto.CanonicalMIMEHeaderKey(k) {
		case headerAPIKey, headerAuthorization, headerSignature:
			out[k] = "[redacted]"
		default:
			out[k] = v
		}
	}
	return out
}

func webhookStatusCode(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var fe *schema.FlowError
	if !errors.As(err, &fe) {
		return http.StatusInternalServerError
	}
	switch fe.Code {
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case schema.ErrCodeForbidden:
		return http.StatusForbidden
	case schema.ErrCodeConflict:
		return http.StatusConflict
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ManualRequest triggers one workflow run on behalf of a user.
type ManualRequest struct {
	WorkflowID     string         `json:"workflow_id"`
	OrganizationID string         `json:"organization_id"`
	UserID         string         `json:"user_id,omitempty"`
	Input          map[string]any `json:"input,omitempty"`
	// Debug runs the workflow inline instead of enqueuing, and permits
	// draft workflows.
	Debug bool `json:"debug,omitempty"`
}

// ManualResult is either the queued job or, for debug runs, the finished
// execution.
type ManualResult struct {
	Job       *store.Job       `json:"job,omitempty"`
	Execution *store.Execution `json:"execution,omitempty"`
}

// HandleManual enqueues a manual run, or for debug requests runs it inline
// and returns the finished execution. Inline failures still return the
// execution row alongside the error.
func (s *Service) HandleManual(ctx context.Context, req ManualRequest) (*ManualResult, error) {
	if req.WorkflowID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id is required")
	}

	if req.Debug {
		exec, err := s.executor.Run(ctx, engine.RunRequest{
			WorkflowID:     req.WorkflowID,
			OrganizationID: req.OrganizationID,
			UserID:         req.UserID,
			TriggerData:    req.Input,
			Source:         schema.TriggerTypeManual,
			AllowDraft:     true,
		})
		return &ManualResult{Execution: exec}, err
	}

	job, err := queue.Enqueue(ctx, s.store, store.JobPayload{
		WorkflowID:     req.WorkflowID,
		OrganizationID: req.OrganizationID,
		UserID:         req.UserID,
		TriggerData:    req.Input,
		Source:         schema.TriggerTypeManual,
	}, time.Time{}, 0)
	if err != nil {
		return nil, err
	}
	return &ManualResult{Job: job}, nil
}

// GetExecutions lists executions matching the filter.
func (s *Service) GetExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return s.store.ListExecutions(ctx, filter)
}

// GetPendingExecutions lists in-flight executions (pending or running) for
// an organization.
func (s *Service) GetPendingExecutions(ctx context.Context, organizationID string) ([]*store.Execution, error) {
	var out []*store.Execution
	for _, status := range []schema.ExecutionStatus{schema.ExecutionStatusPending, schema.ExecutionStatusRunning} {
		st := status
		execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
			OrganizationID: organizationID,
			Status:         &st,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, execs...)
	}
	return out, nil
}

// GetExecutionHistory lists a workflow's past executions, newest first.
func (s *Service) GetExecutionHistory(ctx context.Context, workflowID string, limit int) ([]*store.Execution, error) {
	return s.store.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: workflowID,
		Limit:      limit,
	})
}

// ExecutionDetail is one execution with its step records.
type ExecutionDetail struct {
	Execution *store.Execution       `json:"execution"`
	Steps     []*store.ExecutionStep `json:"steps"`
}

// GetExecutionDetail loads one execution and its steps.
func (s *Service) GetExecutionDetail(ctx context.Context, executionID string) (*ExecutionDetail, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID)
	}
	steps, err := s.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &ExecutionDetail{Execution: exec, Steps: steps}, nil
}

// GetWebhookLogs lists recent webhook delivery attempts for a workflow.
func (s *Service) GetWebhookLogs(ctx context.Context, workflowID string, limit int) ([]*store.WebhookLog, error) {
	return s.store.ListWebhookLogs(ctx, workflowID, limit)
}
