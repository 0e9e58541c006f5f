// Package codexrun provides the built-in codex interpreter: a codex body is
// executed as a shell command. Sync calls run inline on the host loop; async
// calls are shipped through the transport and resume with the command's
// output as the reply.
package codexrun

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"

	"govex/internal/core"
)

// MethodShellExec is the call method served by the local transport.
const MethodShellExec = "shell.exec"

type execPayload struct {
	Command string `json:"command"`
	TaskID  string `json:"task_id"`
	Step    int    `json:"step"`
}

// ShellRunner implements core.Runner over /bin/sh (cmd on Windows).
type ShellRunner struct {
	logger *slog.Logger
}

// NewShellRunner constructs the runner.
func NewShellRunner(logger *slog.Logger) *ShellRunner {
	return &ShellRunner{logger: logger}
}

// RunSync executes the codex body to completion and returns its combined
// output. A non-zero exit is an uncaught step failure.
func (r *ShellRunner) RunSync(ctx context.Context, inv core.Invocation) (string, error) {
	return runCommand(ctx, inv.Codex.Code)
}

// RunAsync yields the codex body as an outbound call instead of running it
// here. The command itself is the continuation state: resuming needs nothing
// beyond the reply.
func (r *ShellRunner) RunAsync(ctx context.Context, inv core.Invocation) (core.PendingCall, []byte, error) {
	payload, err := json.Marshal(execPayload{
		Command: inv.Codex.Code,
		TaskID:  inv.TaskID,
		Step:    inv.StepIndex,
	})
	if err != nil {
		return core.PendingCall{}, nil, fmt.Errorf("encode call payload: %w", err)
	}
	call := core.PendingCall{
		ID:      core.NewCallID(),
		Method:  MethodShellExec,
		Payload: payload,
	}
	r.logger.Debug("codex yielded pending call", "task_id", inv.TaskID, "step", inv.StepIndex, "call_id", call.ID)
	return call, payload, nil
}

// Resume finishes a suspended step: the reply is the command output and
// becomes the step result.
func (r *ShellRunner) Resume(ctx context.Context, inv core.Invocation, state []byte, reply string) (string, error) {
	return reply, nil
}

// LocalTransport serves shell.exec calls in-process. Each call runs on its
// own goroutine and the reply is delivered back to the engine mailbox, so
// the host loop observes the same yield-and-resume shape a remote host
// would produce.
type LocalTransport struct {
	logger  *slog.Logger
	deliver func(callID string, payload string, err error)
}

// NewLocalTransport constructs the transport. Bind must be called with the
// engine's reply entry point before the first Send.
func NewLocalTransport(logger *slog.Logger) *LocalTransport {
	return &LocalTransport{logger: logger}
}

// Bind wires reply delivery, typically to Engine.DeliverReply.
func (t *LocalTransport) Bind(deliver func(callID string, payload string, err error)) {
	t.deliver = deliver
}

// Send dispatches a pending call.
func (t *LocalTransport) Send(call core.PendingCall) error {
	if t.deliver == nil {
		return errors.New("transport not bound")
	}
	if call.Method != MethodShellExec {
		return fmt.Errorf("unsupported call method %q", call.Method)
	}
	var payload execPayload
	if err := json.Unmarshal(call.Payload, &payload); err != nil {
		return fmt.Errorf("decode call payload: %w", err)
	}
	go func() {
		out, err := runCommand(context.Background(), payload.Command)
		t.deliver(call.ID, out, err)
	}()
	return nil
}

func runCommand(ctx context.Context, command string) (string, error) {
	cmd := commandFor(ctx, command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimRight(buf.String(), "\n")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return out, fmt.Errorf("exit status %d: %s", exitErr.ExitCode(), out)
		}
		return out, fmt.Errorf("run command: %w", err)
	}
	return out, nil
}

func commandFor(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command) // #nosec G204
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command) // #nosec G204
}
