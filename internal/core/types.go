package core

import (
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusIdle      TaskStatus = "idle"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// StepStatus describes the state of a single task step.
type StepStatus string

const (
	StepStatusPending StepStatus = "pending"
	StepStatusRunning StepStatus = "running"
	StepStatusDone    StepStatus = "done"
	StepStatusFailed  StepStatus = "failed"
)

// ExecutionStatus describes the state of one historical firing of a task.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusSucceeded ExecutionStatus = "succeeded"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Codex is an immutable, checksummed unit of executable automation logic.
// Code and URL are mutually exclusive: a codex either carries its source
// inline or records where it was fetched from.
type Codex struct {
	ID        string
	Name      string
	Code      string
	URL       string
	Checksum  string
	CreatedAt time.Time
}

// Call binds a codex to an invocation mode. An async call is expected to
// yield a suspending outbound call instead of returning directly.
type Call struct {
	ID      string
	CodexID string
	IsAsync bool
}

// TaskStep is one ordered element of a task. RunNextAfter delays entering
// the following step; TimerID is the handle of a pending deferred re-entry,
// empty when none is outstanding.
type TaskStep struct {
	ID           string
	Call         Call
	Status       StepStatus
	RunNextAfter time.Duration
	TimerID      string
}

// Task is an ordered sequence of steps trackable as a unit of work.
// StepToExecute is the index of the next step to enter; it equals
// len(Steps) when the task has run to completion.
type Task struct {
	ID              string
	Name            string
	Status          TaskStatus
	StepToExecute   int
	Steps           []*TaskStep
	Metadata        map[string]any
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskSchedule binds a task to a recurrence policy. RepeatEvery == 0 with an
// empty CronExpr means one-shot: the schedule disables itself after firing.
type TaskSchedule struct {
	ID          string
	Name        string
	TaskID      string
	RunAfter    time.Duration
	RepeatEvery time.Duration
	CronExpr    string
	Enabled     bool
	LastRunAt   *time.Time
	CreatedAt   time.Time
}

// TaskExecution is one historical firing record of a task. Rows are
// append-only: once Status is terminal the record is never mutated.
type TaskExecution struct {
	ID          string
	Name        string
	TaskID      string
	ScheduleID  string
	Status      ExecutionStatus
	Result      string
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// Terminal reports whether the execution has reached a final status.
func (e *TaskExecution) Terminal() bool {
	switch e.Status {
	case ExecutionStatusSucceeded, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// Checkpoint records enough state to resume a suspended step after a
// process restart: which task and step were in flight, the identifier of
// the outbound call a reply is expected for, and the opaque local
// continuation state the runner handed over before the call was issued.
type Checkpoint struct {
	TaskID      string
	ExecutionID string
	Step        int
	CallID      string
	State       []byte
	CreatedAt   time.Time
}
