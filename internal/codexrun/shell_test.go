package codexrun

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"runtime"
	"strings"
	"testing"
	"time"

	"govex/internal/core"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func shellInvocation(code string) core.Invocation {
	return core.Invocation{
		TaskID:    "task-1",
		StepIndex: 2,
		Codex:     &core.Codex{Name: "c", Code: code},
	}
}

func TestRunSyncTrimsTrailingNewline(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh semantics")
	}
	r := NewShellRunner(testLogger())
	out, err := r.RunSync(context.Background(), shellInvocation("echo hello"))
	if err != nil {
		t.Fatalf("run sync: %v", err)
	}
	if out != "hello" {
		t.Fatalf("output %q", out)
	}
}

func TestRunSyncNonZeroExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh semantics")
	}
	r := NewShellRunner(testLogger())
	_, err := r.RunSync(context.Background(), shellInvocation("echo doomed; exit 3"))
	if err == nil {
		t.Fatal("non-zero exit reported no error")
	}
	if !strings.Contains(err.Error(), "exit status 3") || !strings.Contains(err.Error(), "doomed") {
		t.Fatalf("error %v, want exit code and captured output", err)
	}
}

func TestRunAsyncYieldsCallWithPayload(t *testing.T) {
	r := NewShellRunner(testLogger())
	call, state, err := r.RunAsync(context.Background(), shellInvocation("echo later"))
	if err != nil {
		t.Fatalf("run async: %v", err)
	}
	if call.ID == "" || call.Method != MethodShellExec {
		t.Fatalf("call %+v", call)
	}
	var payload execPayload
	if err := json.Unmarshal(state, &payload); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if payload.Command != "echo later" || payload.TaskID != "task-1" || payload.Step != 2 {
		t.Fatalf("payload %+v", payload)
	}
}

func TestResumeReturnsReply(t *testing.T) {
	r := NewShellRunner(testLogger())
	out, err := r.Resume(context.Background(), shellInvocation("ignored"), nil, "reply text")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out != "reply text" {
		t.Fatalf("resume returned %q", out)
	}
}

func TestLocalTransportDeliversReply(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh semantics")
	}
	tr := NewLocalTransport(testLogger())
	type delivered struct {
		callID  string
		payload string
		err     error
	}
	replies := make(chan delivered, 1)
	tr.Bind(func(callID string, payload string, err error) {
		replies <- delivered{callID, payload, err}
	})

	r := NewShellRunner(testLogger())
	call, _, err := r.RunAsync(context.Background(), shellInvocation("echo remote"))
	if err != nil {
		t.Fatalf("run async: %v", err)
	}
	if err := tr.Send(call); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-replies:
		if got.callID != call.ID || got.payload != "remote" || got.err != nil {
			t.Fatalf("reply %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reply delivered")
	}
}

func TestLocalTransportSendBeforeBind(t *testing.T) {
	tr := NewLocalTransport(testLogger())
	if err := tr.Send(core.PendingCall{Method: MethodShellExec}); err == nil {
		t.Fatal("send on unbound transport accepted")
	}
}

func TestLocalTransportRejectsUnknownMethod(t *testing.T) {
	tr := NewLocalTransport(testLogger())
	tr.Bind(func(string, string, error) {})
	if err := tr.Send(core.PendingCall{Method: "http.fetch"}); err == nil {
		t.Fatal("unknown method accepted")
	}
}
