// Package store implements core.Store by mapping every domain record onto
// the generic entity repository: tasks, steps, schedules, executions,
// codexes, continuation checkpoints and task-scoped key/value entities.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"govex/internal/core"
	"govex/internal/entity"
)

// Entity type tags.
const (
	typeCodex      = "codex"
	typeTask       = "task"
	typeStep       = "step"
	typeSchedule   = "schedule"
	typeExecution  = "execution"
	typeCheckpoint = "checkpoint"
	typeTaskEntity = "task_entity"
)

// Relation names.
const (
	relTaskSteps       = "task_steps"
	relCallCodex       = "call_codex"
	relScheduleTask    = "schedule_task"
	relTaskExecutions  = "task_executions"
	relTaskCheckpoints = "task_checkpoints"
)

// Store is the entity-backed implementation of core.Store.
type Store struct {
	entities *entity.Store
}

// New wraps an entity repository in the domain store.
func New(entities *entity.Store) *Store {
	return &Store{entities: entities}
}

// Entities exposes the underlying repository for components that operate on
// raw governance records.
func (s *Store) Entities() *entity.Store {
	return s.entities
}

func domainErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, entity.ErrNotFound):
		return fmt.Errorf("%w: %v", core.ErrNotFound, err)
	case errors.Is(err, entity.ErrDuplicateAlias):
		return fmt.Errorf("%w: %v", core.ErrConflict, err)
	default:
		return err
	}
}

// --- Codex registry ---

func (s *Store) InsertCodex(ctx context.Context, codex *core.Codex) error {
	rec, err := s.entities.Create(ctx, codex.ID, typeCodex, codex.Name, map[string]any{
		"name":     codex.Name,
		"code":     codex.Code,
		"url":      codex.URL,
		"checksum": codex.Checksum,
	})
	if err != nil {
		return domainErr(err)
	}
	codex.CreatedAt = rec.CreatedAt
	return nil
}

func (s *Store) ReplaceCodex(ctx context.Context, codex *core.Codex) error {
	return domainErr(s.entities.Update(ctx, codex.ID, map[string]any{
		"code":     codex.Code,
		"url":      codex.URL,
		"checksum": codex.Checksum,
	}))
}

func (s *Store) GetCodex(ctx context.Context, idOrName string) (*core.Codex, error) {
	rec, err := s.entities.Resolve(ctx, typeCodex, idOrName)
	if err != nil {
		return nil, domainErr(err)
	}
	return codexFromRecord(rec), nil
}

func (s *Store) ListCodexes(ctx context.Context, from, count int, order entity.Order) ([]*core.Codex, error) {
	recs, err := s.entities.List(ctx, typeCodex, from, count, order)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Codex, 0, len(recs))
	for _, rec := range recs {
		out = append(out, codexFromRecord(rec))
	}
	return out, nil
}

func (s *Store) CodexReferenced(ctx context.Context, codexID string) (bool, error) {
	refs, err := s.entities.RelatedFrom(ctx, relCallCodex, codexID)
	if err != nil {
		return false, err
	}
	return len(refs) > 0, nil
}

func codexFromRecord(rec *entity.Record) *core.Codex {
	return &core.Codex{
		ID:        rec.ID,
		Name:      fieldString(rec.Fields, "name"),
		Code:      fieldString(rec.Fields, "code"),
		URL:       fieldString(rec.Fields, "url"),
		Checksum:  fieldString(rec.Fields, "checksum"),
		CreatedAt: rec.CreatedAt,
	}
}

// --- Tasks and steps ---

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	rec, err := s.entities.Create(ctx, task.ID, typeTask, task.Name, map[string]any{
		"name":             task.Name,
		"status":           string(task.Status),
		"step_to_execute":  task.StepToExecute,
		"metadata":         task.Metadata,
		"cancel_requested": task.CancelRequested,
	})
	if err != nil {
		return domainErr(err)
	}
	task.CreatedAt = rec.CreatedAt
	task.UpdatedAt = rec.UpdatedAt
	for i, step := range task.Steps {
		if _, err := s.entities.Create(ctx, step.ID, typeStep, "", map[string]any{
			"status":           string(step.Status),
			"run_next_after_s": step.RunNextAfter.Seconds(),
			"timer_id":         step.TimerID,
			"call_id":          step.Call.ID,
			"codex_id":         step.Call.CodexID,
			"is_async":         step.Call.IsAsync,
		}); err != nil {
			return domainErr(err)
		}
		if err := s.entities.Relate(ctx, relTaskSteps, task.ID, step.ID, i); err != nil {
			return domainErr(err)
		}
		if err := s.entities.Relate(ctx, relCallCodex, step.ID, step.Call.CodexID, i); err != nil {
			return domainErr(err)
		}
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, idOrName string) (*core.Task, error) {
	rec, err := s.entities.Resolve(ctx, typeTask, idOrName)
	if err != nil {
		return nil, domainErr(err)
	}
	return s.taskFromRecord(ctx, rec)
}

func (s *Store) FindTasksByPrefix(ctx context.Context, prefix string) ([]*core.Task, error) {
	recs, err := s.entities.FindByPrefix(ctx, typeTask, prefix)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Task, 0, len(recs))
	for _, rec := range recs {
		task, err := s.taskFromRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *Store) ListTasks(ctx context.Context, from, count int, order entity.Order) ([]*core.Task, error) {
	recs, err := s.entities.List(ctx, typeTask, from, count, order)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Task, 0, len(recs))
	for _, rec := range recs {
		task, err := s.taskFromRecord(ctx, rec)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

func (s *Store) UpdateTaskState(ctx context.Context, id string, status core.TaskStatus, stepToExecute int) error {
	return domainErr(s.entities.Update(ctx, id, map[string]any{
		"status":          string(status),
		"step_to_execute": stepToExecute,
	}))
}

func (s *Store) SetTaskCancelRequested(ctx context.Context, id string, requested bool) error {
	return domainErr(s.entities.Update(ctx, id, map[string]any{
		"cancel_requested": requested,
	}))
}

func (s *Store) UpdateStepStatus(ctx context.Context, stepID string, status core.StepStatus, timerID string) error {
	return domainErr(s.entities.Update(ctx, stepID, map[string]any{
		"status":   string(status),
		"timer_id": timerID,
	}))
}

func (s *Store) taskFromRecord(ctx context.Context, rec *entity.Record) (*core.Task, error) {
	task := &core.Task{
		ID:              rec.ID,
		Name:            fieldString(rec.Fields, "name"),
		Status:          core.TaskStatus(fieldString(rec.Fields, "status")),
		StepToExecute:   fieldInt(rec.Fields, "step_to_execute"),
		Metadata:        fieldMap(rec.Fields, "metadata"),
		CancelRequested: fieldBool(rec.Fields, "cancel_requested"),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	stepRecs, err := s.entities.Related(ctx, relTaskSteps, rec.ID)
	if err != nil {
		return nil, err
	}
	for _, stepRec := range stepRecs {
		task.Steps = append(task.Steps, &core.TaskStep{
			ID: stepRec.ID,
			Call: core.Call{
				ID:      fieldString(stepRec.Fields, "call_id"),
				CodexID: fieldString(stepRec.Fields, "codex_id"),
				IsAsync: fieldBool(stepRec.Fields, "is_async"),
			},
			Status:       core.StepStatus(fieldString(stepRec.Fields, "status")),
			RunNextAfter: time.Duration(fieldFloat(stepRec.Fields, "run_next_after_s") * float64(time.Second)),
			TimerID:      fieldString(stepRec.Fields, "timer_id"),
		})
	}
	return task, nil
}

// --- Schedules ---

func (s *Store) InsertSchedule(ctx context.Context, sched *core.TaskSchedule) error {
	fields := map[string]any{
		"name":           sched.Name,
		"task_id":        sched.TaskID,
		"run_after_s":    sched.RunAfter.Seconds(),
		"repeat_every_s": sched.RepeatEvery.Seconds(),
		"cron":           sched.CronExpr,
		"enabled":        sched.Enabled,
	}
	if sched.LastRunAt != nil {
		fields["last_run_at"] = sched.LastRunAt.UTC().Format(time.RFC3339Nano)
	}
	rec, err := s.entities.Create(ctx, sched.ID, typeSchedule, sched.Name, fields)
	if err != nil {
		return domainErr(err)
	}
	sched.CreatedAt = rec.CreatedAt
	if err := s.entities.Relate(ctx, relScheduleTask, sched.ID, sched.TaskID, 0); err != nil {
		return domainErr(err)
	}
	return nil
}

func (s *Store) GetSchedule(ctx context.Context, idOrName string) (*core.TaskSchedule, error) {
	rec, err := s.entities.Resolve(ctx, typeSchedule, idOrName)
	if err != nil {
		return nil, domainErr(err)
	}
	return scheduleFromRecord(rec), nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*core.TaskSchedule, error) {
	var out []*core.TaskSchedule
	const page = 100
	for from := 0; ; from += page {
		recs, err := s.entities.List(ctx, typeSchedule, from, page, entity.OrderAsc)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			out = append(out, scheduleFromRecord(rec))
		}
		if len(recs) < page {
			return out, nil
		}
	}
}

func (s *Store) SetScheduleEnabled(ctx context.Context, id string, enabled bool) error {
	return domainErr(s.entities.Update(ctx, id, map[string]any{"enabled": enabled}))
}

func (s *Store) UpdateScheduleLastRun(ctx context.Context, id string, lastRunAt time.Time) error {
	return domainErr(s.entities.Update(ctx, id, map[string]any{
		"last_run_at": lastRunAt.UTC().Format(time.RFC3339Nano),
	}))
}

func scheduleFromRecord(rec *entity.Record) *core.TaskSchedule {
	sched := &core.TaskSchedule{
		ID:          rec.ID,
		Name:        fieldString(rec.Fields, "name"),
		TaskID:      fieldString(rec.Fields, "task_id"),
		RunAfter:    time.Duration(fieldFloat(rec.Fields, "run_after_s") * float64(time.Second)),
		RepeatEvery: time.Duration(fieldFloat(rec.Fields, "repeat_every_s") * float64(time.Second)),
		CronExpr:    fieldString(rec.Fields, "cron"),
		Enabled:     fieldBool(rec.Fields, "enabled"),
		CreatedAt:   rec.CreatedAt,
	}
	if t := fieldTime(rec.Fields, "last_run_at"); t != nil {
		sched.LastRunAt = t
	}
	return sched
}

// --- Executions ---

func (s *Store) InsertExecution(ctx context.Context, exec *core.TaskExecution) error {
	rec, err := s.entities.Create(ctx, exec.ID, typeExecution, "", map[string]any{
		"name":        exec.Name,
		"task_id":     exec.TaskID,
		"schedule_id": exec.ScheduleID,
		"status":      string(exec.Status),
		"result":      exec.Result,
	})
	if err != nil {
		return domainErr(err)
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = rec.CreatedAt
	}
	// Position by creation order so history pagination follows time.
	pos := int(rec.CreatedAt.UnixNano() / int64(time.Microsecond))
	if err := s.entities.Relate(ctx, relTaskExecutions, exec.TaskID, exec.ID, pos); err != nil {
		return domainErr(err)
	}
	return nil
}

func (s *Store) GetExecution(ctx context.Context, id string) (*core.TaskExecution, error) {
	rec, err := s.entities.Get(ctx, id)
	if err != nil {
		return nil, domainErr(err)
	}
	return executionFromRecord(rec), nil
}

func (s *Store) UpdateExecutionResult(ctx context.Context, id string, result string) error {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return fmt.Errorf("%w: execution %s already finalized", core.ErrConflict, id)
	}
	return domainErr(s.entities.Update(ctx, id, map[string]any{"result": result}))
}

func (s *Store) FinalizeExecution(ctx context.Context, id string, status core.ExecutionStatus, result string, completedAt time.Time) error {
	exec, err := s.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Terminal() {
		return fmt.Errorf("%w: execution %s already finalized", core.ErrConflict, id)
	}
	return domainErr(s.entities.Update(ctx, id, map[string]any{
		"status":       string(status),
		"result":       result,
		"completed_at": completedAt.UTC().Format(time.RFC3339Nano),
	}))
}

func (s *Store) ListExecutions(ctx context.Context, taskID string, from, count int, order entity.Order) ([]*core.TaskExecution, error) {
	recs, err := s.entities.RelatedPage(ctx, relTaskExecutions, taskID, from, count, order)
	if err != nil {
		return nil, err
	}
	out := make([]*core.TaskExecution, 0, len(recs))
	for _, rec := range recs {
		out = append(out, executionFromRecord(rec))
	}
	return out, nil
}

func (s *Store) RunningExecutions(ctx context.Context, taskID string) ([]*core.TaskExecution, error) {
	var out []*core.TaskExecution
	const page = 100
	for from := 0; ; from += page {
		recs, err := s.entities.RelatedPage(ctx, relTaskExecutions, taskID, from, page, entity.OrderDesc)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			exec := executionFromRecord(rec)
			if exec.Status == core.ExecutionStatusRunning {
				out = append(out, exec)
			}
		}
		if len(recs) < page {
			return out, nil
		}
	}
}

func executionFromRecord(rec *entity.Record) *core.TaskExecution {
	exec := &core.TaskExecution{
		ID:         rec.ID,
		Name:       fieldString(rec.Fields, "name"),
		TaskID:     fieldString(rec.Fields, "task_id"),
		ScheduleID: fieldString(rec.Fields, "schedule_id"),
		Status:     core.ExecutionStatus(fieldString(rec.Fields, "status")),
		Result:     fieldString(rec.Fields, "result"),
		CreatedAt:  rec.CreatedAt,
	}
	if t := fieldTime(rec.Fields, "completed_at"); t != nil {
		exec.CompletedAt = t
	}
	return exec
}

// --- Checkpoints ---

func (s *Store) SaveCheckpoint(ctx context.Context, cp *core.Checkpoint) error {
	id := core.NewID()
	rec, err := s.entities.Create(ctx, id, typeCheckpoint, cp.CallID, map[string]any{
		"task_id":      cp.TaskID,
		"execution_id": cp.ExecutionID,
		"step":         cp.Step,
		"call_id":      cp.CallID,
		"state":        base64.StdEncoding.EncodeToString(cp.State),
	})
	if err != nil {
		return domainErr(err)
	}
	cp.CreatedAt = rec.CreatedAt
	if err := s.entities.Relate(ctx, relTaskCheckpoints, cp.TaskID, id, cp.Step); err != nil {
		return domainErr(err)
	}
	return nil
}

func (s *Store) GetCheckpointByCall(ctx context.Context, callID string) (*core.Checkpoint, error) {
	rec, err := s.entities.GetByAlias(ctx, typeCheckpoint, callID)
	if err != nil {
		return nil, domainErr(err)
	}
	return checkpointFromRecord(rec)
}

func (s *Store) ListCheckpoints(ctx context.Context, taskID string) ([]*core.Checkpoint, error) {
	recs, err := s.entities.Related(ctx, relTaskCheckpoints, taskID)
	if err != nil {
		return nil, err
	}
	out := make([]*core.Checkpoint, 0, len(recs))
	for _, rec := range recs {
		cp, err := checkpointFromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *Store) DeleteCheckpoint(ctx context.Context, callID string) error {
	rec, err := s.entities.GetByAlias(ctx, typeCheckpoint, callID)
	if err != nil {
		return domainErr(err)
	}
	taskID := fieldString(rec.Fields, "task_id")
	if err := s.entities.Unrelate(ctx, relTaskCheckpoints, taskID, rec.ID); err != nil {
		return domainErr(err)
	}
	return domainErr(s.entities.Delete(ctx, rec.ID))
}

func checkpointFromRecord(rec *entity.Record) (*core.Checkpoint, error) {
	state, err := base64.StdEncoding.DecodeString(fieldString(rec.Fields, "state"))
	if err != nil {
		return nil, fmt.Errorf("decode checkpoint state for %s: %w", rec.ID, err)
	}
	return &core.Checkpoint{
		TaskID:      fieldString(rec.Fields, "task_id"),
		ExecutionID: fieldString(rec.Fields, "execution_id"),
		Step:        fieldInt(rec.Fields, "step"),
		CallID:      fieldString(rec.Fields, "call_id"),
		State:       state,
		CreatedAt:   rec.CreatedAt,
	}, nil
}

// --- Task-scoped key/value records ---

func taskEntityAlias(taskID, alias string) string {
	return taskID + "/" + alias
}

func (s *Store) PutTaskEntity(ctx context.Context, taskID, alias string, fields map[string]any) error {
	stored := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		stored[k] = v
	}
	stored["__alias__"] = alias
	stored["__task_id__"] = taskID
	rec, err := s.entities.GetByAlias(ctx, typeTaskEntity, taskEntityAlias(taskID, alias))
	switch {
	case err == nil:
		return domainErr(s.entities.Update(ctx, rec.ID, stored))
	case errors.Is(err, entity.ErrNotFound):
		_, err := s.entities.Create(ctx, core.NewID(), typeTaskEntity, taskEntityAlias(taskID, alias), stored)
		return domainErr(err)
	default:
		return err
	}
}

func (s *Store) GetTaskEntity(ctx context.Context, taskID, alias string) (map[string]any, error) {
	rec, err := s.entities.GetByAlias(ctx, typeTaskEntity, taskEntityAlias(taskID, alias))
	if err != nil {
		return nil, domainErr(err)
	}
	return rec.Fields, nil
}

func (s *Store) DeleteTaskEntity(ctx context.Context, taskID, alias string) error {
	rec, err := s.entities.GetByAlias(ctx, typeTaskEntity, taskEntityAlias(taskID, alias))
	if err != nil {
		return domainErr(err)
	}
	return domainErr(s.entities.Delete(ctx, rec.ID))
}

// --- Field decoding helpers ---

func fieldString(fields map[string]any, key string) string {
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

func fieldBool(fields map[string]any, key string) bool {
	if v, ok := fields[key].(bool); ok {
		return v
	}
	return false
}

func fieldFloat(fields map[string]any, key string) float64 {
	switch v := fields[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

func fieldInt(fields map[string]any, key string) int {
	return int(fieldFloat(fields, key))
}

func fieldMap(fields map[string]any, key string) map[string]any {
	if v, ok := fields[key].(map[string]any); ok {
		return v
	}
	return nil
}

func fieldTime(fields map[string]any, key string) *time.Time {
	raw := fieldString(fields, key)
	if raw == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil
	}
	return &t
}
