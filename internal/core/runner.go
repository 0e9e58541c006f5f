package core

import (
	"context"
)

// Invocation carries everything the interpreter needs to run one codex body
// for one step of one task.
type Invocation struct {
	TaskID      string
	ExecutionID string
	StepIndex   int
	Codex       *Codex
	Metadata    map[string]any
	Scope       TaskScope
}

// PendingCall is the outbound suspending call an async codex body yields.
// The reply, whenever it arrives, is matched back to the suspended step by
// the call ID.
type PendingCall struct {
	ID      string
	Method  string
	Payload []byte
}

// Runner is the sandboxed script interpreter contract. The engine is
// agnostic to what a codex body actually does; it only distinguishes bodies
// that return directly from bodies that yield a suspending call.
type Runner interface {
	// RunSync executes the codex body to completion and returns its result.
	RunSync(ctx context.Context, inv Invocation) (string, error)

	// RunAsync executes the codex body until it yields its suspending call.
	// It returns the outbound call plus the opaque local continuation state
	// the engine must checkpoint before the call is issued.
	RunAsync(ctx context.Context, inv Invocation) (PendingCall, []byte, error)

	// Resume re-enters a suspended codex body with the reply value and the
	// continuation state captured by RunAsync, and returns the step result.
	Resume(ctx context.Context, inv Invocation, state []byte, reply string) (string, error)
}

// Transport delivers suspending calls to whichever host serves them. The
// reply comes back asynchronously through Engine.DeliverReply.
type Transport interface {
	Send(call PendingCall) error
}

// TaskScope is the namespaced key/value storage a running codex body uses to
// persist progress between invocations of the same task.
type TaskScope interface {
	Put(ctx context.Context, alias string, fields map[string]any) error
	Get(ctx context.Context, alias string) (map[string]any, error)
	Delete(ctx context.Context, alias string) error
}

type storeScope struct {
	store  Store
	taskID string
}

// NewTaskScope returns the TaskScope for a task backed by the given store.
func NewTaskScope(store Store, taskID string) TaskScope {
	return &storeScope{store: store, taskID: taskID}
}

func (s *storeScope) Put(ctx context.Context, alias string, fields map[string]any) error {
	return s.store.PutTaskEntity(ctx, s.taskID, alias, fields)
}

func (s *storeScope) Get(ctx context.Context, alias string) (map[string]any, error) {
	return s.store.GetTaskEntity(ctx, s.taskID, alias)
}

func (s *storeScope) Delete(ctx context.Context, alias string) error {
	return s.store.DeleteTaskEntity(ctx, s.taskID, alias)
}
