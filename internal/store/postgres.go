package store

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/conveyr/conveyr/pkg/schema"
)

// PostgresStore implements Store on PostgreSQL via GORM.
type PostgresStore struct {
	db *gorm.DB
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres opens a GORM connection from a DSN. "record not found" is
// suppressed in the query log since misses are part of normal flows.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	return gorm.Open(
		postgres.New(postgres.Config{DSN: dsn}),
		&gorm.Config{DisableForeignKeyConstraintWhenMigrating: true, Logger: gormLogger},
	)
}

// NewPostgresStore wraps an open GORM connection.
func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates missing tables and indexes from the model definitions.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	models := []any{
		&Workflow{}, &Schedule{}, &Execution{}, &ExecutionStep{},
		&Checkpoint{}, &Job{}, &WebhookLog{},
	}
	if err := s.db.WithContext(ctx).AutoMigrate(models...); err != nil {
		return schema.NewError(schema.ErrCodeStore, "migration failed").WithCause(err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func storeErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}

// --- Workflows ---

func (s *PostgresStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	if err := s.db.WithContext(ctx).Create(wf).Error; err != nil {
		return storeErr("create workflow", err)
	}
	return nil
}

// GetWorkflow returns (nil, nil) when the workflow does not exist so callers
// can distinguish absence from store failure.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	err := s.db.WithContext(ctx).First(&wf, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get workflow", err)
	}
	return &wf, nil
}

func (s *PostgresStore) SetWorkflowStatus(ctx context.Context, id string, bump WorkflowStatusBump) error {
	updates := map[string]any{"status": bump.Status, "updated_at": time.Now().UTC()}
	if bump.BumpVersion {
		updates["version"] = gorm.Expr("version + 1")
	}
	res := s.db.WithContext(ctx).Model(&Workflow{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return storeErr("set workflow status", res.Error)
	}
	if res.RowsAffected == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", id)
	}
	return nil
}

// --- Schedules ---

func (s *PostgresStore) CreateSchedule(ctx context.Context, sched *Schedule) error {
	if err := s.db.WithContext(ctx).Create(sched).Error; err != nil {
		return storeErr("create schedule", err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var sched Schedule
	err := s.db.WithContext(ctx).First(&sched, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get schedule", err)
	}
	return &sched, nil
}

func (s *PostgresStore) GetScheduleByWorkflow(ctx context.Context, workflowID string) (*Schedule, error) {
	var sched Schedule
	err := s.db.WithContext(ctx).First(&sched, "workflow_id = ?", workflowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get schedule by workflow", err)
	}
	return &sched, nil
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if update.CronExpression != nil {
		updates["cron_expression"] = *update.CronExpression
	}
	if update.Timezone != nil {
		updates["timezone"] = *update.Timezone
	}
	if update.Enabled != nil {
		updates["enabled"] = *update.Enabled
	}
	if update.NextRunAt != nil {
		updates["next_run_at"] = *update.NextRunAt
	}
	res := s.db.WithContext(ctx).Model(&Schedule{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return storeErr("update schedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	return nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Schedule{}, "id = ?", id)
	if res.Error != nil {
		return storeErr("delete schedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "schedule %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error) {
	var scheds []*Schedule
	err := s.db.WithContext(ctx).
		Where("enabled = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", true, now).
		Order("next_run_at asc").
		Find(&scheds).Error
	if err != nil {
		return nil, storeErr("list due schedules", err)
	}
	return scheds, nil
}

// AdvanceSchedule is guarded by last_run_at so a replayed call for the same
// run updates nothing instead of double-counting.
func (s *PostgresStore) AdvanceSchedule(ctx context.Context, id string, lastRun, nextRun time.Time, success bool) error {
	counter := "failed_runs"
	if success {
		counter = "successful_runs"
	}
	res := s.db.WithContext(ctx).Model(&Schedule{}).
		Where("id = ? AND (last_run_at IS NULL OR last_run_at < ?)", id, lastRun).
		Updates(map[string]any{
			"last_run_at": lastRun,
			"next_run_at": nextRun,
			"total_runs":  gorm.Expr("total_runs + 1"),
			counter:       gorm.Expr(counter + " + 1"),
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return storeErr("advance schedule", res.Error)
	}
	return nil
}

// --- Executions ---

func (s *PostgresStore) CreateExecution(ctx context.Context, e *Execution) error {
	if err := s.db.WithContext(ctx).Create(e).Error; err != nil {
		return storeErr("create execution", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	var e Execution
	err := s.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get execution", err)
	}
	return &e, nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if update.Status != nil {
		updates["status"] = *update.Status
	}
	if update.CurrentStepIndex != nil {
		updates["current_step_index"] = *update.CurrentStepIndex
	}
	if update.Variables != nil {
		updates["variables"] = mustJSON(update.Variables)
	}
	if update.StepResults != nil {
		updates["step_results"] = mustJSON(update.StepResults)
	}
	if update.ErrorMessage != nil {
		updates["error_message"] = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		updates["started_at"] = *update.StartedAt
	}
	if update.CompletedAt != nil {
		updates["completed_at"] = *update.CompletedAt
	}
	res := s.db.WithContext(ctx).Model(&Execution{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return storeErr("update execution", res.Error)
	}
	if res.RowsAffected == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", id)
	}
	return nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	q := s.db.WithContext(ctx).Model(&Execution{})
	if filter.WorkflowID != "" {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.OrganizationID != "" {
		q = q.Where("organization_id = ?", filter.OrganizationID)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", *filter.Status)
	}
	if filter.Since != nil {
		q = q.Where("created_at >= ?", *filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	var executions []*Execution
	if err := q.Order("created_at desc").Find(&executions).Error; err != nil {
		return nil, storeErr("list executions", err)
	}
	return executions, nil
}

// --- Execution steps ---

func (s *PostgresStore) CreateStep(ctx context.Context, step *ExecutionStep) error {
	if err := s.db.WithContext(ctx).Create(step).Error; err != nil {
		return storeErr("create step", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStep(ctx context.Context, executionID string, stepIndex int, update StepUpdate) error {
	updates := map[string]any{}
	if update.Status != nil {
		updates["status"] = *update.Status
	}
	if update.Output != nil {
		updates["output"] = mustJSON(update.Output)
	}
	if update.Error != nil {
		updates["error"] = *update.Error
	}
	if update.StartedAt != nil {
		updates["started_at"] = *update.StartedAt
	}
	if update.CompletedAt != nil {
		updates["completed_at"] = *update.CompletedAt
	}
	if len(updates) == 0 {
		return nil
	}
	res := s.db.WithContext(ctx).Model(&ExecutionStep{}).
		Where("execution_id = ? AND step_index = ?", executionID, stepIndex).
		Updates(updates)
	if res.Error != nil {
		return storeErr("update step", res.Error)
	}
	if res.RowsAffected == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %d of execution %s not found", stepIndex, executionID)
	}
	return nil
}

func (s *PostgresStore) ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	var steps []*ExecutionStep
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("step_index asc").
		Find(&steps).Error
	if err != nil {
		return nil, storeErr("list steps", err)
	}
	return steps, nil
}

// --- Checkpoints ---

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, c *Checkpoint) error {
	if err := s.db.WithContext(ctx).Create(c).Error; err != nil {
		return storeErr("create checkpoint", err)
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, executionID, name string) (*Checkpoint, error) {
	var c Checkpoint
	err := s.db.WithContext(ctx).
		Where("execution_id = ? AND name = ?", executionID, name).
		Order("created_at desc").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get checkpoint", err)
	}
	return &c, nil
}

func (s *PostgresStore) LatestCheckpoint(ctx context.Context, executionID string) (*Checkpoint, error) {
	var c Checkpoint
	err := s.db.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at desc").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("latest checkpoint", err)
	}
	return &c, nil
}

// --- Job queue ---

func (s *PostgresStore) EnqueueJob(ctx context.Context, j *Job) error {
	if err := s.db.WithContext(ctx).Create(j).Error; err != nil {
		return storeErr("enqueue job", err)
	}
	return nil
}

// ClaimJob selects the oldest due queued job with FOR UPDATE SKIP LOCKED so
// concurrent workers never claim the same row, then marks it running and
// bumps the attempt counter within the same transaction.
func (s *PostgresStore) ClaimJob(ctx context.Context, now time.Time) (*Job, error) {
	var claimed *Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j Job
		err := tx.
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND run_at <= ?", JobStatusQueued, now).
			Order("run_at asc").
			First(&j).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		updates := map[string]any{
			"status":     JobStatusRunning,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now().UTC(),
		}
		if err := tx.Model(&Job{}).Where("id = ?", j.ID).Updates(updates).Error; err != nil {
			return err
		}
		j.Status = JobStatusRunning
		j.Attempts++
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, storeErr("claim job", err)
	}
	return claimed, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return &j, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id string, update JobUpdate) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if update.Status != nil {
		updates["status"] = *update.Status
	}
	if update.Progress != nil {
		updates["progress"] = *update.Progress
	}
	if update.LastError != nil {
		updates["last_error"] = *update.LastError
	}
	res := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return storeErr("update job", res.Error)
	}
	if res.RowsAffected == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	return nil
}

func (s *PostgresStore) RequeueJob(ctx context.Context, id string, runAt time.Time, lastError string) error {
	res := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     JobStatusQueued,
		"run_at":     runAt,
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return storeErr("requeue job", res.Error)
	}
	if res.RowsAffected == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	return nil
}

func (s *PostgresStore) DeadLetterJob(ctx context.Context, id string, lastError string) error {
	res := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", id).Updates(map[string]any{
		"status":     JobStatusDead,
		"last_error": lastError,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return storeErr("dead-letter job", res.Error)
	}
	if res.RowsAffected == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %s not found", id)
	}
	return nil
}

// --- Webhook audit log ---

func (s *PostgresStore) AppendWebhookLog(ctx context.Context, l *WebhookLog) error {
	if err := s.db.WithContext(ctx).Create(l).Error; err != nil {
		return storeErr("append webhook log", err)
	}
	return nil
}

func (s *PostgresStore) ListWebhookLogs(ctx context.Context, workflowID string, limit int) ([]*WebhookLog, error) {
	if limit <= 0 {
		limit = 50
	}
	var logs []*WebhookLog
	err := s.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Order("created_at desc").
		Limit(limit).
		Find(&logs).Error
	if err != nil {
		return nil, storeErr("list webhook logs", err)
	}
	return logs, nil
}

// mustJSON encodes map updates for the column directly. GORM's map-based
// Updates bypasses serializer tags, so maps are encoded here.
func mustJSON(v map[string]any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
