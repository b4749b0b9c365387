package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyr/conveyr/internal/actions"
	"github.com/conveyr/conveyr/internal/engine"
	"github.com/conveyr/conveyr/internal/state"
	"github.com/conveyr/conveyr/internal/store"
	"github.com/conveyr/conveyr/internal/trigger"
	"github.com/conveyr/conveyr/internal/validation"
	"github.com/conveyr/conveyr/pkg/schema"
)

type apiTestEnv struct {
	server  *Server
	handler http.Handler
	store   *store.MemoryStore
}

func newAPITestEnv(t *testing.T, cfg Config) *apiTestEnv {
	t.Helper()
	st := store.NewMemoryStore()
	registry := actions.NewRegistry()
	require.NoError(t, registry.Register(actions.NewComputeAction()))
	require.NoError(t, registry.Register(actions.NewConditionAction()))

	stateMgr := state.NewManager(st, nil)
	executor := engine.NewExecutor(st, stateMgr, registry, nil)
	trig := trigger.NewService(st, executor, nil)
	validator, err := validation.NewWorkflowValidator(registry)
	require.NoError(t, err)

	srv := New(trig, executor, validator, nil, cfg)
	return &apiTestEnv{server: srv, handler: srv.Handler(), store: st}
}

func (env *apiTestEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (env *apiTestEnv) createWorkflow(t *testing.T, status schema.WorkflowStatus, def schema.WorkflowDefinition) *store.Workflow {
	t.Helper()
	wf := &store.Workflow{
		ID:             uuid.NewString(),
		OrganizationID: uuid.NewString(),
		Name:           "api test workflow",
		Status:         status,
		Definition:     def,
	}
	require.NoError(t, env.store.CreateWorkflow(context.Background(), wf))
	return wf
}

func computeDefinition(triggerType schema.TriggerType) schema.WorkflowDefinition {
	def := schema.WorkflowDefinition{
		Trigger: schema.TriggerConfig{Type: triggerType},
		Actions: []schema.ActionDefinition{
			{ID: "calc", Type: "compute", Config: json.RawMessage(`{"expression": "6 * 7", "output_key": "answer"}`)},
		},
	}
	if triggerType == schema.TriggerTypeWebhook {
		def.Webhook = &schema.WebhookSettings{Enabled: true}
	}
	if triggerType == schema.TriggerTypeSchedule {
		cfg, _ := json.Marshal(schema.ScheduleTriggerConfig{CronExpression: "*/5 * * * *"})
		def.Trigger.Config = cfg
	}
	return def
}

func TestHealth(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookEndpoint(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	wf := env.createWorkflow(t, schema.WorkflowStatusActive, computeDefinition(schema.TriggerTypeWebhook))

	rec := env.do(t, http.MethodPost, "/webhooks/"+wf.ID, map[string]any{"event": "ping"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.NotEmpty(t, body["job_id"])
	assert.Equal(t, wf.ID, body["workflow_id"])

	// Unknown workflow becomes a 404 with a structured body.
	rec = env.do(t, http.MethodPost, "/webhooks/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	body = decodeResponse(t, rec)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestWebhookEndpoint_InfoOmitsSecret(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	def := computeDefinition(schema.TriggerTypeWebhook)
	def.Webhook.AuthType = schema.WebhookAuthHMAC
	def.Webhook.Secret = "hush"
	wf := env.createWorkflow(t, schema.WorkflowStatusActive, def)

	rec := env.do(t, http.MethodGet, "/webhooks/"+wf.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, wf.ID, body["workflow_id"])
	assert.Equal(t, "hmac", body["auth_type"])
	assert.Equal(t, true, body["enabled"])
	assert.NotContains(t, rec.Body.String(), "hush")
}

func TestWebhookEndpoint_AuthRejection(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	def := computeDefinition(schema.TriggerTypeWebhook)
	def.Webhook.AuthType = schema.WebhookAuthBearer
	def.Webhook.Secret = "hook-token"
	wf := env.createWorkflow(t, schema.WorkflowStatusActive, def)

	rec := env.do(t, http.MethodPost, "/webhooks/"+wf.ID, nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/webhooks/"+wf.ID, nil, map[string]string{"Authorization": "Bearer hook-token"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCronTickEndpoint(t *testing.T) {
	env := newAPITestEnv(t, Config{CronSecret: "tick-secret"})
	wf := env.createWorkflow(t, schema.WorkflowStatusActive, computeDefinition(schema.TriggerTypeSchedule))

	// Schedule it and force it due.
	rec := env.do(t, http.MethodPost, "/workflows/"+wf.ID+"/schedule", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	sched, err := env.store.GetScheduleByWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, env.store.UpdateSchedule(context.Background(), sched.ID, store.ScheduleUpdate{NextRunAt: &past}))

	// Missing and wrong secrets are rejected.
	rec = env.do(t, http.MethodGet, "/cron/execute-schedules", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodGet, "/cron/execute-schedules", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/cron/execute-schedules", nil, map[string]string{"Authorization": "Bearer tick-secret"})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, float64(1), body["executedCount"])
	assert.Equal(t, float64(0), body["failedCount"])
	assert.Len(t, body["executed"], 1)
}

func TestExecuteEndpoint_DebugInline(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	wf := env.createWorkflow(t, schema.WorkflowStatusDraft, computeDefinition(schema.TriggerTypeManual))

	rec := env.do(t, http.MethodPost, "/workflows/"+wf.ID+"/execute",
		map[string]any{"debug": true, "input": map[string]any{"n": 3}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	exec := body["execution"].(map[string]any)
	assert.Equal(t, string(schema.ExecutionStatusCompleted), exec["status"])
	vars := exec["variables"].(map[string]any)
	assert.Equal(t, float64(42), vars["answer"])
	assert.Contains(t, body, "duration_ms")
}

func TestExecuteEndpoint_Enqueues(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	wf := env.createWorkflow(t, schema.WorkflowStatusActive, computeDefinition(schema.TriggerTypeManual))

	rec := env.do(t, http.MethodPost, "/workflows/"+wf.ID+"/execute", map[string]any{"user_id": "u-1"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeResponse(t, rec)
	job := body["job"].(map[string]any)
	assert.Equal(t, string(store.JobStatusQueued), job["status"])
}

func TestScheduleEndpoints(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	wf := env.createWorkflow(t, schema.WorkflowStatusActive, computeDefinition(schema.TriggerTypeSchedule))

	// Create from the workflow's trigger config.
	rec := env.do(t, http.MethodPost, "/workflows/"+wf.ID+"/schedule", nil, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Read back with upcoming runs.
	rec = env.do(t, http.MethodGet, "/workflows/"+wf.ID+"/schedule", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Len(t, body["upcoming_runs"], 5)

	// Patch the expression.
	rec = env.do(t, http.MethodPatch, "/workflows/"+wf.ID+"/schedule",
		map[string]any{"cron_expression": "0 12 * * *"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeResponse(t, rec)
	assert.Equal(t, "0 12 * * *", body["cron_expression"])

	// Invalid expression rejected.
	rec = env.do(t, http.MethodPatch, "/workflows/"+wf.ID+"/schedule",
		map[string]any{"cron_expression": "not cron"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// Delete, then reads 404.
	rec = env.do(t, http.MethodDelete, "/workflows/"+wf.ID+"/schedule", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodGet, "/workflows/"+wf.ID+"/schedule", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidateEndpoint(t *testing.T) {
	env := newAPITestEnv(t, Config{})

	rec := env.do(t, http.MethodPost, "/workflows/validate", computeDefinition(schema.TriggerTypeManual), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	bad := computeDefinition(schema.TriggerTypeManual)
	bad.Actions[0].Type = "nonexistent"
	rec = env.do(t, http.MethodPost, "/workflows/validate", bad, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeResponse(t, rec)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestExecutionEndpoints(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	ctx := context.Background()
	wf := env.createWorkflow(t, schema.WorkflowStatusActive, computeDefinition(schema.TriggerTypeManual))

	// Run one execution inline so there is history.
	rec := env.do(t, http.MethodPost, "/workflows/"+wf.ID+"/execute", map[string]any{"debug": true}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	execID := decodeResponse(t, rec)["execution"].(map[string]any)["id"].(string)

	rec = env.do(t, http.MethodGet, "/workflows/"+wf.ID+"/executions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Len(t, body["executions"], 1)

	rec = env.do(t, http.MethodGet, "/executions/"+execID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeResponse(t, rec)
	assert.Len(t, body["steps"], 1)

	// Cancelling a completed execution conflicts.
	rec = env.do(t, http.MethodPost, "/executions/"+execID+"/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Pending listing requires an organization filter.
	rec = env.do(t, http.MethodGet, "/executions/pending", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	pending := &store.Execution{
		ID:             uuid.NewString(),
		WorkflowID:     wf.ID,
		OrganizationID: wf.OrganizationID,
		Status:         schema.ExecutionStatusPending,
		TriggerSource:  schema.TriggerTypeManual,
	}
	require.NoError(t, env.store.CreateExecution(ctx, pending))
	rec = env.do(t, http.MethodGet, "/executions/pending?organization_id="+wf.OrganizationID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeResponse(t, rec)
	assert.Len(t, body["executions"], 1)
}

func TestWebhookLogsEndpoint(t *testing.T) {
	env := newAPITestEnv(t, Config{})
	wf := env.createWorkflow(t, schema.WorkflowStatusActive, computeDefinition(schema.TriggerTypeWebhook))

	env.do(t, http.MethodPost, "/webhooks/"+wf.ID, map[string]any{"a": 1}, nil)
	env.do(t, http.MethodPost, "/webhooks/"+wf.ID, map[string]any{"b": 2}, nil)

	rec := env.do(t, http.MethodGet, "/workflows/"+wf.ID+"/webhook-logs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeResponse(t, rec)
	assert.Len(t, body["logs"], 2)
}
