package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"govex/internal/entity"
)

// Engine is the execution host. It processes one message at a time: a
// scheduler tick, a task-control request, a deferred step re-entry or a call
// reply. All task and execution mutation happens on the loop goroutine, so
// the single-writer guarantees hold without locks.
//
// Suspension is the only source of interleaving: an async step runs until
// its codex body yields a pending call, the engine checkpoints the
// continuation durably, issues the call through the transport and returns
// to the mailbox. The reply re-enters the engine as a new message.
type Engine struct {
	store     Store
	runner    Runner
	transport Transport
	logger    *slog.Logger

	mailbox chan func(context.Context)

	nowFn      func() time.Time
	afterFn    func(d time.Duration, fn func())
	onFinalize func(task *Task, exec *TaskExecution)
}

// NewEngine constructs an engine. Run must be called before any control
// operation is submitted.
func NewEngine(store Store, runner Runner, transport Transport, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		runner:    runner,
		transport: transport,
		logger:    logger,
		mailbox:   make(chan func(context.Context), 256),
		nowFn:     func() time.Time { return time.Now().UTC() },
		afterFn:   func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
	}
}

// SetClock overrides time observation and deferred re-entry scheduling.
// Tests inject a manual clock here.
func (e *Engine) SetClock(nowFn func() time.Time, afterFn func(time.Duration, func())) {
	if nowFn != nil {
		e.nowFn = nowFn
	}
	if afterFn != nil {
		e.afterFn = afterFn
	}
}

// SetFinalizeHook installs a callback invoked (on its own goroutine) every
// time an execution reaches a terminal status.
func (e *Engine) SetFinalizeHook(fn func(task *Task, exec *TaskExecution)) {
	e.onFinalize = fn
}

// Run drains the mailbox until ctx is cancelled. Messages are processed
// strictly in arrival order.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.mailbox:
			fn(ctx)
		}
	}
}

// RunOnLoop posts fn to the mailbox without waiting for it. The scheduler
// driver uses this to evaluate ticks on the host loop.
func (e *Engine) RunOnLoop(fn func(ctx context.Context)) {
	e.mailbox <- fn
}

// do posts fn to the mailbox and waits for its result.
func (e *Engine) do(ctx context.Context, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	select {
	case e.mailbox <- func(loopCtx context.Context) { done <- fn(loopCtx) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeliverReply feeds the reply of a suspending call back into the engine.
// Unknown call ids are logged and dropped; they belong to executions that
// were finalized before the reply arrived.
func (e *Engine) DeliverReply(callID string, payload string, callErr error) {
	e.mailbox <- func(ctx context.Context) {
		e.handleReply(ctx, callID, payload, callErr)
	}
}

// RunNow fires a task immediately, outside any schedule, subject to the
// same single-flight gate as scheduled firings.
func (e *Engine) RunNow(ctx context.Context, ident string) (*TaskExecution, error) {
	var exec *TaskExecution
	err := e.do(ctx, func(loopCtx context.Context) error {
		task, err := e.resolveTask(loopCtx, ident)
		if err != nil {
			return err
		}
		started, err := e.startExecution(loopCtx, task, "")
		if err != nil {
			return err
		}
		exec = started
		return nil
	})
	return exec, err
}

// Kill cancels a running task. A task parked on a suspending call keeps its
// pending reply; the reply is consumed when it arrives and the cancellation
// takes effect before the next step would begin. A task parked between
// steps is finalized immediately.
func (e *Engine) Kill(ctx context.Context, ident string) (*Task, error) {
	var killed *Task
	err := e.do(ctx, func(loopCtx context.Context) error {
		task, err := e.resolveTask(loopCtx, ident)
		if err != nil {
			return err
		}
		if task.Status != TaskStatusRunning {
			return fmt.Errorf("%w: task %s is not running", ErrConflict, task.ID)
		}
		if err := e.store.SetTaskCancelRequested(loopCtx, task.ID, true); err != nil {
			return err
		}
		task.CancelRequested = true
		pending, err := e.store.ListCheckpoints(loopCtx, task.ID)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			// Not awaiting any reply, so the task is idle between steps and
			// the cancellation applies at this boundary.
			if err := e.cancelNow(loopCtx, task); err != nil {
				return err
			}
			task, err = e.store.GetTask(loopCtx, task.ID)
			if err != nil {
				return err
			}
		}
		killed = task
		return nil
	})
	return killed, err
}

// StartScheduled begins an execution for a schedule firing. It must run on
// the loop; the scheduler calls it from its tick handler.
func (e *Engine) StartScheduled(ctx context.Context, task *Task, scheduleID string) (*TaskExecution, error) {
	return e.startExecution(ctx, task, scheduleID)
}

// Recover finalizes executions interrupted while no checkpoint was
// outstanding. Tasks parked on a suspending call keep waiting: their
// checkpoints survive the restart and the reply will resume them.
func (e *Engine) Recover(ctx context.Context) error {
	return e.do(ctx, func(loopCtx context.Context) error {
		const page = 100
		for from := 0; ; from += page {
			tasks, err := e.store.ListTasks(loopCtx, from, page, entity.OrderAsc)
			if err != nil {
				return err
			}
			for _, task := range tasks {
				if task.Status != TaskStatusRunning {
					continue
				}
				cps, err := e.store.ListCheckpoints(loopCtx, task.ID)
				if err != nil {
					return err
				}
				if len(cps) > 0 {
					e.logger.Info("task parked on pending call across restart",
						"task_id", task.ID, "step", cps[0].Step)
					continue
				}
				execs, err := e.store.RunningExecutions(loopCtx, task.ID)
				if err != nil {
					return err
				}
				n := task.StepToExecute
				if len(execs) > 0 && n > 0 && n < len(task.Steps) && task.Steps[n-1].TimerID != "" {
					// Interrupted during a step delay. The advance to step n is
					// durable, so re-arm the timer instead of failing the run.
					taskID, execID := task.ID, execs[0].ID
					delay := task.Steps[n-1].RunNextAfter
					e.logger.Info("re-arming step delay across restart",
						"task_id", taskID, "step", n, "delay", delay)
					e.afterFn(delay, func() {
						e.mailbox <- func(loopCtx context.Context) {
							e.enterStep(loopCtx, taskID, execID, n)
						}
					})
					continue
				}
				for _, exec := range execs {
					if err := e.finalize(loopCtx, task.ID, exec.ID,
						ExecutionStatusFailed, "interrupted by restart before a checkpoint was written"); err != nil {
						return err
					}
				}
			}
			if len(tasks) < page {
				return nil
			}
		}
	})
}

func (e *Engine) resolveTask(ctx context.Context, ident string) (*Task, error) {
	task, err := e.store.GetTask(ctx, ident)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	matches, err := e.store.FindTasksByPrefix(ctx, ident)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: task %s", ErrNotFound, ident)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: identifier %s matches %d tasks", ErrConflict, ident, len(matches))
	}
}

func (e *Engine) startExecution(ctx context.Context, task *Task, scheduleID string) (*TaskExecution, error) {
	if task.Status == TaskStatusRunning {
		return nil, fmt.Errorf("%w: task %s is already running", ErrConflict, task.ID)
	}
	now := e.nowFn()
	exec := &TaskExecution{
		ID:         uuid.NewString(),
		Name:       fmt.Sprintf("%s@%s", task.Name, now.Format(time.RFC3339)),
		TaskID:     task.ID,
		ScheduleID: scheduleID,
		Status:     ExecutionStatusRunning,
		CreatedAt:  now,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.store.SetTaskCancelRequested(ctx, task.ID, false); err != nil {
		return nil, err
	}
	for _, step := range task.Steps {
		if err := e.store.UpdateStepStatus(ctx, step.ID, StepStatusPending, ""); err != nil {
			return nil, err
		}
	}
	if err := e.store.UpdateTaskState(ctx, task.ID, TaskStatusRunning, 0); err != nil {
		return nil, err
	}
	e.enterStep(ctx, task.ID, exec.ID, 0)
	return exec, nil
}

// enterStep runs step n of the task. Re-entries are idempotent against the
// persisted step index: a stale deferred entry whose advance already
// committed is dropped.
func (e *Engine) enterStep(ctx context.Context, taskID, execID string, n int) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		e.logger.Error("load task for step entry", "task_id", taskID, "err", err)
		return
	}
	if task.Status != TaskStatusRunning {
		e.logger.Debug("dropping step entry for finalized task", "task_id", taskID, "step", n)
		return
	}
	if task.StepToExecute != n {
		e.logger.Warn("dropping stale step entry", "task_id", taskID, "step", n, "step_to_execute", task.StepToExecute)
		return
	}
	if n > 0 {
		prev := task.Steps[n-1]
		if prev.TimerID != "" {
			if err := e.store.UpdateStepStatus(ctx, prev.ID, prev.Status, ""); err != nil {
				e.logger.Warn("clear step timer", "task_id", taskID, "step", n-1, "err", err)
			}
		}
	}
	if task.CancelRequested {
		if err := e.cancelNow(ctx, task); err != nil {
			e.logger.Error("cancel task at step boundary", "task_id", taskID, "err", err)
		}
		return
	}
	if n >= len(task.Steps) {
		exec, err := e.store.GetExecution(ctx, execID)
		if err != nil {
			e.logger.Error("load execution for completion", "execution_id", execID, "err", err)
			return
		}
		if err := e.finalize(ctx, taskID, execID, ExecutionStatusSucceeded, exec.Result); err != nil {
			e.logger.Error("finalize execution", "execution_id", execID, "err", err)
		}
		return
	}

	step := task.Steps[n]
	if err := e.store.UpdateStepStatus(ctx, step.ID, StepStatusRunning, ""); err != nil {
		e.logger.Error("mark step running", "task_id", taskID, "step", n, "err", err)
		return
	}
	codex, err := e.loadCodex(ctx, step.Call.CodexID)
	if err != nil {
		e.failStep(ctx, task, execID, n, err)
		return
	}
	inv := Invocation{
		TaskID:      taskID,
		ExecutionID: execID,
		StepIndex:   n,
		Codex:       codex,
		Metadata:    task.Metadata,
		Scope:       NewTaskScope(e.store, taskID),
	}

	if !step.Call.IsAsync {
		out, err := e.runner.RunSync(ctx, inv)
		if err != nil {
			e.failStep(ctx, task, execID, n, err)
			return
		}
		e.completeStep(ctx, task, execID, n, out)
		return
	}

	pending, state, err := e.runner.RunAsync(ctx, inv)
	if err != nil {
		e.failStep(ctx, task, execID, n, err)
		return
	}
	if pending.ID == "" {
		pending.ID = NewCallID()
	}
	// The checkpoint must be durable before the call leaves the host: if the
	// process dies between issuing the call and receiving the reply, restart
	// resumes from here instead of re-running the step's side effects.
	cp := &Checkpoint{
		TaskID:      taskID,
		ExecutionID: execID,
		Step:        n,
		CallID:      pending.ID,
		State:       state,
		CreatedAt:   e.nowFn(),
	}
	if err := e.store.SaveCheckpoint(ctx, cp); err != nil {
		e.failStep(ctx, task, execID, n, fmt.Errorf("save checkpoint: %w", err))
		return
	}
	if err := e.transport.Send(pending); err != nil {
		if derr := e.store.DeleteCheckpoint(ctx, pending.ID); derr != nil {
			e.logger.Warn("delete checkpoint after send failure", "call_id", pending.ID, "err", derr)
		}
		e.failStep(ctx, task, execID, n, fmt.Errorf("issue call: %w", err))
		return
	}
	e.logger.Debug("step suspended on pending call",
		"task_id", taskID, "step", n, "call_id", pending.ID, "method", pending.Method)
}

func (e *Engine) handleReply(ctx context.Context, callID, payload string, callErr error) {
	cp, err := e.store.GetCheckpointByCall(ctx, callID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			e.logger.Warn("dropping reply for unknown call", "call_id", callID)
			return
		}
		e.logger.Error("load checkpoint", "call_id", callID, "err", err)
		return
	}
	if err := e.store.DeleteCheckpoint(ctx, callID); err != nil {
		e.logger.Warn("delete checkpoint", "call_id", callID, "err", err)
	}
	task, err := e.store.GetTask(ctx, cp.TaskID)
	if err != nil {
		e.logger.Error("load task for reply", "task_id", cp.TaskID, "err", err)
		return
	}
	exec, err := e.store.GetExecution(ctx, cp.ExecutionID)
	if err != nil {
		e.logger.Error("load execution for reply", "execution_id", cp.ExecutionID, "err", err)
		return
	}
	if exec.Terminal() || task.Status != TaskStatusRunning || task.StepToExecute != cp.Step {
		e.logger.Warn("dropping reply for finalized or advanced task",
			"task_id", cp.TaskID, "call_id", callID, "step", cp.Step)
		return
	}
	if callErr != nil {
		e.failStep(ctx, task, cp.ExecutionID, cp.Step, callErr)
		return
	}
	codex, err := e.loadCodex(ctx, task.Steps[cp.Step].Call.CodexID)
	if err != nil {
		e.failStep(ctx, task, cp.ExecutionID, cp.Step, err)
		return
	}
	inv := Invocation{
		TaskID:      cp.TaskID,
		ExecutionID: cp.ExecutionID,
		StepIndex:   cp.Step,
		Codex:       codex,
		Metadata:    task.Metadata,
		Scope:       NewTaskScope(e.store, cp.TaskID),
	}
	out, err := e.runner.Resume(ctx, inv, cp.State, payload)
	if err != nil {
		e.failStep(ctx, task, cp.ExecutionID, cp.Step, err)
		return
	}
	e.completeStep(ctx, task, cp.ExecutionID, cp.Step, out)
}

func (e *Engine) completeStep(ctx context.Context, task *Task, execID string, n int, out string) {
	step := task.Steps[n]
	if err := e.store.UpdateExecutionResult(ctx, execID, out); err != nil {
		e.logger.Error("record step result", "execution_id", execID, "err", err)
	}
	if err := e.store.UpdateStepStatus(ctx, step.ID, StepStatusDone, ""); err != nil {
		e.logger.Error("mark step done", "task_id", task.ID, "step", n, "err", err)
	}
	next := n + 1
	if err := e.store.UpdateTaskState(ctx, task.ID, TaskStatusRunning, next); err != nil {
		e.logger.Error("advance step index", "task_id", task.ID, "err", err)
		return
	}

	// Cancellation requested while the step was in flight takes effect here,
	// at the boundary, after the step's result has been applied.
	fresh, err := e.store.GetTask(ctx, task.ID)
	if err != nil {
		e.logger.Error("reload task after step", "task_id", task.ID, "err", err)
		return
	}
	if fresh.CancelRequested {
		if err := e.cancelNow(ctx, fresh); err != nil {
			e.logger.Error("cancel task at step boundary", "task_id", task.ID, "err", err)
		}
		return
	}
	if next >= len(task.Steps) {
		if err := e.finalize(ctx, task.ID, execID, ExecutionStatusSucceeded, out); err != nil {
			e.logger.Error("finalize execution", "execution_id", execID, "err", err)
		}
		return
	}
	if step.RunNextAfter > 0 {
		timerID := NewID()
		if err := e.store.UpdateStepStatus(ctx, step.ID, StepStatusDone, timerID); err != nil {
			e.logger.Error("record step timer", "task_id", task.ID, "step", n, "err", err)
		}
		taskID := task.ID
		e.afterFn(step.RunNextAfter, func() {
			e.mailbox <- func(loopCtx context.Context) {
				e.enterStep(loopCtx, taskID, execID, next)
			}
		})
		return
	}
	e.enterStep(ctx, task.ID, execID, next)
}

// failStep records an uncaught codex failure. There is no automatic retry:
// the error text goes into the execution record and the task turns failed.
func (e *Engine) failStep(ctx context.Context, task *Task, execID string, n int, stepErr error) {
	e.logger.Warn("step failed", "task_id", task.ID, "step", n, "err", stepErr)
	if n < len(task.Steps) {
		if err := e.store.UpdateStepStatus(ctx, task.Steps[n].ID, StepStatusFailed, ""); err != nil {
			e.logger.Error("mark step failed", "task_id", task.ID, "step", n, "err", err)
		}
	}
	if err := e.finalize(ctx, task.ID, execID, ExecutionStatusFailed,
		fmt.Sprintf("step %d: %v", n, stepErr)); err != nil {
		e.logger.Error("finalize failed execution", "execution_id", execID, "err", err)
	}
}

func (e *Engine) cancelNow(ctx context.Context, task *Task) error {
	execs, err := e.store.RunningExecutions(ctx, task.ID)
	if err != nil {
		return err
	}
	for _, exec := range execs {
		if err := e.finalize(ctx, task.ID, exec.ID, ExecutionStatusCancelled, "killed by operator"); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) finalize(ctx context.Context, taskID, execID string, status ExecutionStatus, result string) error {
	if err := e.store.FinalizeExecution(ctx, execID, status, result, e.nowFn()); err != nil {
		return err
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	taskStatus := TaskStatusFailed
	switch status {
	case ExecutionStatusSucceeded:
		taskStatus = TaskStatusSucceeded
	case ExecutionStatusCancelled:
		taskStatus = TaskStatusCancelled
	}
	if err := e.store.UpdateTaskState(ctx, taskID, taskStatus, task.StepToExecute); err != nil {
		return err
	}
	if err := e.store.SetTaskCancelRequested(ctx, taskID, false); err != nil {
		return err
	}
	e.logger.Info("execution finalized",
		"task_id", taskID, "execution_id", execID, "status", status)
	if e.onFinalize != nil {
		// Reload so the hook observes the terminal task state, not the
		// snapshot taken before the status writes.
		final, ferr := e.store.GetTask(ctx, taskID)
		exec, eerr := e.store.GetExecution(ctx, execID)
		if ferr == nil && eerr == nil {
			go e.onFinalize(final, exec)
		}
	}
	return nil
}

func (e *Engine) loadCodex(ctx context.Context, codexID string) (*Codex, error) {
	codex, err := e.store.GetCodex(ctx, codexID)
	if err != nil {
		return nil, err
	}
	if sum := Checksum(codex.Code); sum != codex.Checksum {
		return nil, fmt.Errorf("%w: codex %s", ErrChecksumMismatch, codex.Name)
	}
	return codex, nil
}
