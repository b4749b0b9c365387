package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyr/conveyr/pkg/schema"
)

func newTestStore() *MemoryStore { return NewMemoryStore() }

func TestWorkflow_GetMissingReturnsNilNil(t *testing.T) {
	s := newTestStore()
	wf, err := s.GetWorkflow(context.Background(), uuid.NewString())
	require.NoError(t, err)
	assert.Nil(t, wf)
}

func TestWorkflow_CreateAndStatusBump(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	wf := &Workflow{ID: uuid.NewString(), OrganizationID: uuid.NewString(), Name: "wf", Status: schema.WorkflowStatusDraft}
	require.NoError(t, s.CreateWorkflow(ctx, wf))

	require.NoError(t, s.SetWorkflowStatus(ctx, wf.ID, WorkflowStatusBump{Status: string(schema.WorkflowStatusActive), BumpVersion: true}))

	got, err := s.GetWorkflow(ctx, wf.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, schema.WorkflowStatusActive, got.Status)
	assert.Equal(t, 2, got.Version)
}

func TestSchedule_OnePerWorkflow(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	workflowID := uuid.NewString()
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{ID: uuid.NewString(), WorkflowID: workflowID, CronExpression: "0 9 * * *", Timezone: "UTC", Enabled: true}))

	err := s.CreateSchedule(ctx, &Schedule{ID: uuid.NewString(), WorkflowID: workflowID, CronExpression: "0 10 * * *"})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestSchedule_ListDue(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &Schedule{ID: uuid.NewString(), WorkflowID: uuid.NewString(), CronExpression: "* * * * *", Enabled: true, NextRunAt: &past}
	notDue := &Schedule{ID: uuid.NewString(), WorkflowID: uuid.NewString(), CronExpression: "* * * * *", Enabled: true, NextRunAt: &future}
	disabled := &Schedule{ID: uuid.NewString(), WorkflowID: uuid.NewString(), CronExpression: "* * * * *", Enabled: false, NextRunAt: &past}
	require.NoError(t, s.CreateSchedule(ctx, due))
	require.NoError(t, s.CreateSchedule(ctx, notDue))
	require.NoError(t, s.CreateSchedule(ctx, disabled))

	got, err := s.ListDueSchedules(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestSchedule_AdvanceIsIdempotentPerRun(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	sched := &Schedule{ID: uuid.NewString(), WorkflowID: uuid.NewString(), CronExpression: "0 * * * *", Enabled: true}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	lastRun := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nextRun := lastRun.Add(time.Hour)
	require.NoError(t, s.AdvanceSchedule(ctx, sched.ID, lastRun, nextRun, true))
	// Replay of the same run must not double-count.
	require.NoError(t, s.AdvanceSchedule(ctx, sched.ID, lastRun, nextRun, true))

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalRuns)
	assert.Equal(t, 1, got.SuccessfulRuns)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(nextRun))
}

func TestExecution_UpdateAndFilter(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	workflowID := uuid.NewString()

	e := &Execution{ID: uuid.NewString(), WorkflowID: workflowID, OrganizationID: uuid.NewString(), Status: schema.ExecutionStatusPending, TriggerSource: schema.TriggerTypeManual}
	require.NoError(t, s.CreateExecution(ctx, e))

	running := schema.ExecutionStatusRunning
	require.NoError(t, s.UpdateExecution(ctx, e.ID, ExecutionUpdate{
		Status:    &running,
		Variables: map[string]any{"count": 1},
	}))

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	assert.Equal(t, 1, got.Variables["count"])

	list, err := s.ListExecutions(ctx, ExecutionFilter{WorkflowID: workflowID, Status: &running})
	require.NoError(t, err)
	require.Len(t, list, 1)

	completed := schema.ExecutionStatusCompleted
	list, err = s.ListExecutions(ctx, ExecutionFilter{WorkflowID: workflowID, Status: &completed})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSteps_OrderedByIndex(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	executionID := uuid.NewString()

	for _, idx := range []int{2, 0, 1} {
		require.NoError(t, s.CreateStep(ctx, &ExecutionStep{
			ID: uuid.NewString(), ExecutionID: executionID, StepIndex: idx, ActionType: "http_call",
			Status: schema.StepStatusPending,
		}))
	}

	steps, err := s.ListSteps(ctx, executionID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, step := range steps {
		assert.Equal(t, i, step.StepIndex)
	}

	done := schema.StepStatusCompleted
	require.NoError(t, s.UpdateStep(ctx, executionID, 1, StepUpdate{Status: &done, Output: map[string]any{"ok": true}}))
	steps, err = s.ListSteps(ctx, executionID)
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusCompleted, steps[1].Status)
}

func TestCheckpoints_LatestWins(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	executionID := uuid.NewString()

	early := time.Now().UTC().Add(-time.Minute)
	late := time.Now().UTC()
	require.NoError(t, s.CreateCheckpoint(ctx, &Checkpoint{ID: uuid.NewString(), ExecutionID: executionID, Name: "a", StepIndex: 1, CreatedAt: early}))
	require.NoError(t, s.CreateCheckpoint(ctx, &Checkpoint{ID: uuid.NewString(), ExecutionID: executionID, Name: "b", StepIndex: 3, CreatedAt: late}))

	latest, err := s.LatestCheckpoint(ctx, executionID)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "b", latest.Name)

	byName, err := s.GetCheckpoint(ctx, executionID, "a")
	require.NoError(t, err)
	require.NotNil(t, byName)
	assert.Equal(t, 1, byName.StepIndex)

	missing, err := s.GetCheckpoint(ctx, executionID, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestJobs_ClaimOldestDue(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now().UTC()

	older := &Job{ID: uuid.NewString(), Payload: JobPayload{WorkflowID: uuid.NewString()}, RunAt: now.Add(-2 * time.Minute)}
	newer := &Job{ID: uuid.NewString(), Payload: JobPayload{WorkflowID: uuid.NewString()}, RunAt: now.Add(-time.Minute)}
	future := &Job{ID: uuid.NewString(), Payload: JobPayload{WorkflowID: uuid.NewString()}, RunAt: now.Add(time.Hour)}
	require.NoError(t, s.EnqueueJob(ctx, newer))
	require.NoError(t, s.EnqueueJob(ctx, older))
	require.NoError(t, s.EnqueueJob(ctx, future))

	claimed, err := s.ClaimJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, older.ID, claimed.ID)
	assert.Equal(t, JobStatusRunning, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	// Second claim gets the next job, not the one already running.
	claimed2, err := s.ClaimJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, newer.ID, claimed2.ID)

	// Nothing else is due.
	claimed3, err := s.ClaimJob(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, claimed3)
}

func TestJobs_RequeueAndDeadLetter(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now().UTC()

	j := &Job{ID: uuid.NewString(), Payload: JobPayload{WorkflowID: uuid.NewString()}, RunAt: now.Add(-time.Second)}
	require.NoError(t, s.EnqueueJob(ctx, j))

	claimed, err := s.ClaimJob(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	retryAt := now.Add(5 * time.Second)
	require.NoError(t, s.RequeueJob(ctx, j.ID, retryAt, "boom"))
	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusQueued, got.Status)
	assert.Equal(t, "boom", got.LastError)

	// Not claimable before its retry time.
	claimed, err = s.ClaimJob(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	claimed, err = s.ClaimJob(ctx, retryAt)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 2, claimed.Attempts)

	require.NoError(t, s.DeadLetterJob(ctx, j.ID, "exhausted"))
	got, err = s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusDead, got.Status)
}

func TestWebhookLogs_MostRecentFirst(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	workflowID := uuid.NewString()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendWebhookLog(ctx, &WebhookLog{
			ID: uuid.NewString(), WorkflowID: workflowID, Method: "POST",
			StatusCode: 200 + i, Success: true,
		}))
	}

	logs, err := s.ListWebhookLogs(ctx, workflowID, 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, 202, logs[0].StatusCode)
	assert.Equal(t, 201, logs[1].StatusCode)
}
