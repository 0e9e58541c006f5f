package core_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"govex/internal/core"
	"govex/internal/store"
	"govex/internal/testutil"
)

func newRegistry(t *testing.T) (*core.CodexRegistry, *store.Store) {
	t.Helper()
	st := testutil.OpenTestStore(t)
	return core.NewCodexRegistry(st, discardLogger()), st
}

func TestImportInlineCodex(t *testing.T) {
	registry, _ := newRegistry(t)
	ctx := context.Background()

	codex, err := registry.Import(ctx, core.CodexImport{Name: "greeter", Code: "echo hello"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if codex.Checksum != core.Checksum("echo hello") {
		t.Fatalf("checksum %s, want content hash", codex.Checksum)
	}

	got, err := registry.Resolve(ctx, "greeter")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Code != "echo hello" {
		t.Fatalf("code %q round trip failed", got.Code)
	}
}

func TestImportRequiresExactlyOneSource(t *testing.T) {
	registry, _ := newRegistry(t)
	ctx := context.Background()

	if _, err := registry.Import(ctx, core.CodexImport{Name: "empty"}); err == nil {
		t.Fatal("import with neither code nor url accepted")
	}
	if _, err := registry.Import(ctx, core.CodexImport{Name: "both", Code: "x", URL: "http://example"}); err == nil {
		t.Fatal("import with both code and url accepted")
	}
	if _, err := registry.Import(ctx, core.CodexImport{Code: "x"}); err == nil {
		t.Fatal("import without a name accepted")
	}
}

func TestImportDeclaredChecksumMismatch(t *testing.T) {
	registry, _ := newRegistry(t)

	_, err := registry.Import(context.Background(), core.CodexImport{
		Name:     "tampered",
		Code:     "echo hi",
		Checksum: strings.Repeat("0", 64),
	})
	if !errors.Is(err, core.ErrChecksumMismatch) {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
}

func TestImportConflictUnlessReplace(t *testing.T) {
	registry, _ := newRegistry(t)
	ctx := context.Background()

	first, err := registry.Import(ctx, core.CodexImport{Name: "v", Code: "v1"})
	if err != nil {
		t.Fatalf("first import: %v", err)
	}
	if _, err := registry.Import(ctx, core.CodexImport{Name: "v", Code: "v2"}); !errors.Is(err, core.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict on duplicate name", err)
	}

	replaced, err := registry.Import(ctx, core.CodexImport{Name: "v", Code: "v2", Replace: true})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if replaced.ID != first.ID {
		t.Fatalf("replace minted a new id: %s vs %s", replaced.ID, first.ID)
	}
	if replaced.Code != "v2" || replaced.Checksum != core.Checksum("v2") {
		t.Fatalf("replace did not update content: %q %s", replaced.Code, replaced.Checksum)
	}
}

func TestImportFromURL(t *testing.T) {
	body := "echo fetched"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	registry, _ := newRegistry(t)
	codex, err := registry.Import(context.Background(), core.CodexImport{
		Name:     "remote",
		URL:      srv.URL,
		Checksum: core.Checksum(body),
	})
	if err != nil {
		t.Fatalf("import from url: %v", err)
	}
	if codex.Code != body || codex.URL != srv.URL {
		t.Fatalf("fetched codex wrong: code=%q url=%q", codex.Code, codex.URL)
	}
}

func TestImportFromURLBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	registry, _ := newRegistry(t)
	if _, err := registry.Import(context.Background(), core.CodexImport{Name: "missing", URL: srv.URL}); err == nil {
		t.Fatal("import accepted a non-200 response")
	}
}

func TestResolveDetectsStoredTampering(t *testing.T) {
	registry, st := newRegistry(t)
	ctx := context.Background()

	codex, err := registry.Import(ctx, core.CodexImport{Name: "pristine", Code: "original"})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	// Corrupt the stored body behind the registry's back.
	if err := st.Entities().Update(ctx, codex.ID, map[string]any{"code": "evil"}); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	if _, err := registry.Resolve(ctx, "pristine"); !errors.Is(err, core.ErrChecksumMismatch) {
		t.Fatalf("got %v, want ErrChecksumMismatch on load", err)
	}
}

func TestEngineRefusesTamperedCodex(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.addTask(t, "compromised", stepSpec{codex: "target"})

	codex, err := h.store.GetCodex(ctx, "target")
	if err != nil {
		t.Fatalf("get codex: %v", err)
	}
	if err := h.store.Entities().Update(ctx, codex.ID, map[string]any{"code": "evil"}); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	exec, err := h.engine.RunNow(ctx, task.ID)
	if err != nil {
		t.Fatalf("run now: %v", err)
	}
	got := h.execution(t, exec.ID)
	if got.Status != core.ExecutionStatusFailed || !strings.Contains(got.Result, "checksum mismatch") {
		t.Fatalf("status=%s result=%q, want checksum failure", got.Status, got.Result)
	}
}
