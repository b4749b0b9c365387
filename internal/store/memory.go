package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/conveyr/conveyr/pkg/schema"
)

// MemoryStore is an in-memory Store used by tests and local development.
// It mirrors PostgresStore semantics, including (nil, nil) for misses and
// the idempotency guard on AdvanceSchedule.
type MemoryStore struct {
	mu          sync.RWMutex
	workflows   map[string]*Workflow
	schedules   map[string]*Schedule
	executions  map[string]*Execution
	steps       map[string][]*ExecutionStep
	checkpoints map[string][]*Checkpoint
	jobs        map[string]*Job
	webhookLogs map[string][]*WebhookLog
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:   make(map[string]*Workflow),
		schedules:   make(map[string]*Schedule),
		executions:  make(map[string]*Execution),
		steps:       make(map[string][]*ExecutionStep),
		checkpoints: make(map[string][]*Checkpoint),
		jobs:        make(map[string]*Job),
		webhookLogs: make(map[string][]*WebhookLog),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Workflows ---

func (s *MemoryStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already exists", wf.ID)
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Version == 0 {
		wf.Version = 1
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemoryStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	cp := *wf
	return &cp, nil
}

func (s *MemoryStore) SetWorkflowStatus(ctx context.Context, id string, bump WorkflowStatusBump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.workflows[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	wf.Status = schema.WorkflowStatus(bump.Status)
	if bump.BumpVersion {
		wf.Version++
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Schedules ---

func (s *MemoryStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.schedules {
		if existing.WorkflowID == sched.WorkflowID {
			return schema.NewErrorf(schema.ErrCodeConflict, "workflow %s already has a schedule", sched.WorkflowID)
		}
	}
	now := time.Now().UTC()
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = now
	}
	sched.UpdatedAt = now
	cp := *sched
	s.schedules[sched.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sched, ok := s.schedules[id]
	if !ok {
		return nil, nil
	}
	cp := *sched
	return &cp, nil
}

func (s *MemoryStore) GetScheduleByWorkflow(ctx context.Context, workflowID string) (*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sched := range s.schedules {
		if sched.WorkflowID == workflowID {
			cp := *sched
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	if update.CronExpression != nil {
		sched.CronExpression = *update.CronExpression
	}
	if update.Timezone != nil {
		sched.Timezone = *update.Timezone
	}
	if update.Enabled != nil {
		sched.Enabled = *update.Enabled
	}
	if update.NextRunAt != nil {
		t := *update.NextRunAt
		sched.NextRunAt = &t
	}
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[id]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	delete(s.schedules, id)
	return nil
}

func (s *MemoryStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Schedule
	for _, sched := range s.schedules {
		if sched.Enabled && sched.NextRunAt != nil && !sched.NextRunAt.After(now) {
			cp := *sched
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (s *MemoryStore) AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.schedules[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	// Replay guard: only advance past the recorded last run.
	if sched.LastRunAt != nil && !sched.LastRunAt.Before(lastRun) {
		return nil
	}
	lr, nr := lastRun, nextRun
	sched.LastRunAt = &lr
	sched.NextRunAt = &nr
	sched.TotalRuns++
	if success {
		sched.SuccessfulRuns++
	} else {
		sched.FailedRuns++
	}
	sched.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(ctx context.Context, e *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[e.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s already exists", e.ID)
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now
	cp := *e
	s.executions[e.ID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	if update.Status != nil {
		e.Status = *update.Status
	}
	if update.CurrentStepIndex != nil {
		e.CurrentStepIndex = *update.CurrentStepIndex
	}
	if update.Variables != nil {
		e.Variables = update.Variables
	}
	if update.StepResults != nil {
		e.StepResults = update.StepResults
	}
	if update.ErrorMessage != nil {
		e.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		e.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		e.CompletedAt = &t
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []*Execution
	for _, e := range s.executions {
		if filter.WorkflowID != "" && e.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.OrganizationID != "" && e.OrganizationID != filter.OrganizationID {
			continue
		}
		if filter.Status != nil && e.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && e.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *e
		matched = append(matched, &cp)
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return strings.Compare(matched[i].ID, matched[j].ID) < 0
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// --- Execution steps ---

func (s *MemoryStore) CreateStep(ctx context.Context, step *ExecutionStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *step
	s.steps[step.ExecutionID] = append(s.steps[step.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) UpdateStep(ctx context.Context, executionID string, stepIndex int, update StepUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range s.steps[executionID] {
		if step.StepIndex != stepIndex {
			continue
		}
		if update.Status != nil {
			step.Status = *update.Status
		}
		if update.Output != nil {
			step.Output = update.Output
		}
		if update.Error != nil {
			step.Error = *update.Error
		}
		if update.StartedAt != nil {
			t := *update.StartedAt
			step.StartedAt = &t
		}
		if update.CompletedAt != nil {
			t := *update.CompletedAt
			step.CompletedAt = &t
		}
		return nil
	}
	return schema.NewErrorf(schema.ErrCodeNotFound, "step %d of execution %s not found", stepIndex, executionID)
}

func (s *MemoryStore) ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]*ExecutionStep, 0, len(s.steps[executionID]))
	for _, step := range s.steps[executionID] {
		cp := *step
		steps = append(steps, &cp)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepIndex < steps[j].StepIndex })
	return steps, nil
}

// --- Checkpoints ---

func (s *MemoryStore) CreateCheckpoint(ctx context.Context, c *Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	cp := *c
	s.checkpoints[c.ExecutionID] = append(s.checkpoints[c.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) GetCheckpoint(ctx context.Context, executionID, name string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Checkpoint
	for _, c := range s.checkpoints[executionID] {
		if c.Name != name {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *MemoryStore) LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *Checkpoint
	for _, c := range s.checkpoints[executionID] {
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

// --- Job queue ---

func (s *MemoryStore) EnqueueJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %s already exists", j.ID)
	}
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	cp := *j
	s.jobs[j.ID] = &cp
	return nil
}

func (s *MemoryStore) ClaimJob(ctx context.Context, now time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest *Job
	for _, j := range s.jobs {
		if j.Status != JobStatusQueued || j.RunAt.After(now) {
			continue
		}
		if oldest == nil || j.RunAt.Before(oldest.RunAt) {
			oldest = j
		}
	}
	if oldest == nil {
		return nil, nil
	}
	oldest.Status = JobStatusRunning
	oldest.Attempts++
	oldest.UpdatedAt = time.Now().UTC()
	cp := *oldest
	return &cp, nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	if update.Status != nil {
		j.Status = *update.Status
	}
	if update.Progress != nil {
		j.Progress = *update.Progress
	}
	if update.LastError != nil {
		j.LastError = *update.LastError
	}
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) RequeueJob(ctx context.Context, id string, runAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	j.Status = JobStatusQueued
	j.RunAt = runAt
	j.LastError = lastError
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeadLetterJob(ctx context.Context, id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	j.Status = JobStatusDead
	j.LastError = lastError
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Webhook audit log ---

func (s *MemoryStore) AppendWebhookLog(ctx context.Context, l *WebhookLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	cp := *l
	s.webhookLogs[l.WorkflowID] = append(s.webhookLogs[l.WorkflowID], &cp)
	return nil
}

func (s *MemoryStore) ListWebhookLogs(ctx context.Context, workflowID string, limit int) ([]*WebhookLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 50
	}
	logs := s.webhookLogs[workflowID]
	out := make([]*WebhookLog, 0, limit)
	for i := len(logs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *logs[i]
		out = append(out, &cp)
	}
	return out, nil
}
