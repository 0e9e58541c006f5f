package core

import (
	"context"
	"time"

	"govex/internal/entity"
)

// Store abstracts the persistence layer used by the engine, the scheduler
// and the control surfaces. The canonical implementation lives in
// internal/store and keeps every record in the entity repository.
type Store interface {
	// Codex registry
	InsertCodex(ctx context.Context, codex *Codex) error
	ReplaceCodex(ctx context.Context, codex *Codex) error
	GetCodex(ctx context.Context, idOrName string) (*Codex, error)
	ListCodexes(ctx context.Context, from, count int, order entity.Order) ([]*Codex, error)
	CodexReferenced(ctx context.Context, codexID string) (bool, error)

	// Tasks and steps
	InsertTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, idOrName string) (*Task, error)
	FindTasksByPrefix(ctx context.Context, prefix string) ([]*Task, error)
	ListTasks(ctx context.Context, from, count int, order entity.Order) ([]*Task, error)
	UpdateTaskState(ctx context.Context, id string, status TaskStatus, stepToExecute int) error
	SetTaskCancelRequested(ctx context.Context, id string, requested bool) error
	UpdateStepStatus(ctx context.Context, stepID string, status StepStatus, timerID string) error

	// Schedules
	InsertSchedule(ctx context.Context, sched *TaskSchedule) error
	GetSchedule(ctx context.Context, idOrName string) (*TaskSchedule, error)
	ListSchedules(ctx context.Context) ([]*TaskSchedule, error)
	SetScheduleEnabled(ctx context.Context, id string, enabled bool) error
	UpdateScheduleLastRun(ctx context.Context, id string, lastRunAt time.Time) error

	// Executions (append-only history)
	InsertExecution(ctx context.Context, exec *TaskExecution) error
	GetExecution(ctx context.Context, id string) (*TaskExecution, error)
	UpdateExecutionResult(ctx context.Context, id string, result string) error
	FinalizeExecution(ctx context.Context, id string, status ExecutionStatus, result string, completedAt time.Time) error
	ListExecutions(ctx context.Context, taskID string, from, count int, order entity.Order) ([]*TaskExecution, error)
	RunningExecutions(ctx context.Context, taskID string) ([]*TaskExecution, error)

	// Continuation checkpoints
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpointByCall(ctx context.Context, callID string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context, taskID string) ([]*Checkpoint, error)
	DeleteCheckpoint(ctx context.Context, callID string) error

	// Task-scoped key/value records
	PutTaskEntity(ctx context.Context, taskID, alias string, fields map[string]any) error
	GetTaskEntity(ctx context.Context, taskID, alias string) (map[string]any, error)
	DeleteTaskEntity(ctx context.Context, taskID, alias string) error
}
