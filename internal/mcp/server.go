package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"govex/internal/core"
	"govex/internal/entity"
	"govex/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the task engine over the Model Context Protocol.
type MCPServer struct {
	store    *store.Store
	engine   *core.Engine
	registry *core.CodexRegistry
	logger   *slog.Logger
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, engine *core.Engine, registry *core.CodexRegistry, logger *slog.Logger) *MCPServer {
	return &MCPServer{
		store:    store,
		engine:   engine,
		registry: registry,
		logger:   logger,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"govex",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")

	return server.ServeStdio(mcpServer)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("govex_list_tasks",
		mcp.WithDescription("List registered tasks with their status and step progress"),
		mcp.WithNumber("count",
			mcp.Description("Maximum number of tasks to return, default 50"),
			mcp.Min(1),
			mcp.Max(500),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("govex_get_task",
		mcp.WithDescription("Get task details including steps and pending suspended calls"),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id, name, or unambiguous id prefix"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("govex_run_task",
		mcp.WithDescription("Fire a task immediately, outside its schedule"),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id, name, or unambiguous id prefix"),
		),
	), s.handleRunTask)

	mcpServer.AddTool(mcp.NewTool("govex_kill_task",
		mcp.WithDescription("Request cancellation of a running task. If the task is awaiting a reply the cancellation is applied after that reply is consumed."),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id, name, or unambiguous id prefix"),
		),
	), s.handleKillTask)

	mcpServer.AddTool(mcp.NewTool("govex_task_history",
		mcp.WithDescription("List the execution history of a task, newest first"),
		mcp.WithString("task",
			mcp.Required(),
			mcp.Description("Task id, name, or unambiguous id prefix"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of execution records to return, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleTaskHistory)

	mcpServer.AddTool(mcp.NewTool("govex_import_codex",
		mcp.WithDescription("Import a codex by inline code or URL. The codex is checksummed and stored immutably; pass replace=true to re-import under an existing name."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Codex name"),
		),
		mcp.WithString("code",
			mcp.Description("Inline codex body (mutually exclusive with url)"),
		),
		mcp.WithString("url",
			mcp.Description("URL to fetch the codex body from (mutually exclusive with code)"),
		),
		mcp.WithString("checksum",
			mcp.Description("Expected sha256 checksum; import fails on mismatch"),
		),
		mcp.WithBoolean("replace",
			mcp.Description("Allow replacing an existing codex of the same name"),
		),
	), s.handleImportCodex)

	mcpServer.AddTool(mcp.NewTool("govex_import_task",
		mcp.WithDescription("Import a multi-step task definition as JSON: {name, every, after, cron, steps: [{codex, async, delay}]}"),
		mcp.WithString("definition",
			mcp.Required(),
			mcp.Description("The task definition document"),
		),
	), s.handleImportTask)

	s.logger.Info("MCP tools registered", "count", 7)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	count := int(mcp.ParseFloat64(request, "count", 50))

	tasks, err := s.store.ListTasks(ctx, 0, count, entity.OrderAsc)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("no tasks registered"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "%s  %s\n", t.ID, t.Name)
		fmt.Fprintf(&b, "  status: %s, step %d of %d\n", t.Status, t.StepToExecute, len(t.Steps))
		if t.CancelRequested {
			b.WriteString("  cancellation requested\n")
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident := mcp.ParseString(request, "task", "")

	task, err := s.store.GetTask(ctx, ident)
	if err != nil {
		return s.toolError("get task", ident, err), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "task %s (%s)\n", task.ID, task.Name)
	fmt.Fprintf(&b, "status: %s\n", task.Status)
	fmt.Fprintf(&b, "next step: %d of %d\n", task.StepToExecute, len(task.Steps))
	for i, step := range task.Steps {
		mode := "sync"
		if step.Call.IsAsync {
			mode = "async"
		}
		fmt.Fprintf(&b, "  step %d: codex=%s %s status=%s", i, step.Call.CodexID, mode, step.Status)
		if step.RunNextAfter > 0 {
			fmt.Fprintf(&b, " delay=%s", step.RunNextAfter)
		}
		b.WriteString("\n")
	}
	cps, err := s.store.ListCheckpoints(ctx, task.ID)
	if err == nil && len(cps) > 0 {
		b.WriteString("pending calls:\n")
		for _, cp := range cps {
			fmt.Fprintf(&b, "  call %s at step %d (execution %s)\n", cp.CallID, cp.Step, cp.ExecutionID)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident := mcp.ParseString(request, "task", "")

	exec, err := s.engine.RunNow(ctx, ident)
	if err != nil {
		return s.toolError("run task", ident, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("task started\nexecution: %s (%s)", exec.ID, exec.Name)), nil
}

func (s *MCPServer) handleKillTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident := mcp.ParseString(request, "task", "")

	task, err := s.engine.Kill(ctx, ident)
	if err != nil {
		return s.toolError("kill task", ident, err), nil
	}
	if task.Status == core.TaskStatusCancelled {
		return mcp.NewToolResultText(fmt.Sprintf("task %s cancelled", task.ID)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("cancellation requested for task %s; it will stop at the next step boundary", task.ID)), nil
}

func (s *MCPServer) handleTaskHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ident := mcp.ParseString(request, "task", "")
	count := int(mcp.ParseFloat64(request, "count", 20))

	task, err := s.store.GetTask(ctx, ident)
	if err != nil {
		return s.toolError("task history", ident, err), nil
	}
	execs, err := s.store.ListExecutions(ctx, task.ID, 0, count, entity.OrderDesc)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list executions: %v", err)), nil
	}
	if len(execs) == 0 {
		return mcp.NewToolResultText("no executions recorded for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d execution(s):\n\n", len(execs))
	for _, exec := range execs {
		fmt.Fprintf(&b, "%s  %s\n", exec.ID, exec.Status)
		fmt.Fprintf(&b, "  started: %s\n", exec.CreatedAt.UTC().Format(time.RFC3339))
		if exec.CompletedAt != nil {
			fmt.Fprintf(&b, "  completed: %s\n", exec.CompletedAt.UTC().Format(time.RFC3339))
		}
		if exec.Result != "" {
			fmt.Fprintf(&b, "  result: %s\n", truncateString(exec.Result, 200))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleImportCodex(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	imp := core.CodexImport{
		Name:     mcp.ParseString(request, "name", ""),
		Code:     mcp.ParseString(request, "code", ""),
		URL:      mcp.ParseString(request, "url", ""),
		Checksum: mcp.ParseString(request, "checksum", ""),
		Replace:  mcp.ParseBoolean(request, "replace", false),
	}

	codex, err := s.registry.Import(ctx, imp)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("codex import failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("codex imported\nid: %s\nname: %s\nchecksum: %s", codex.ID, codex.Name, codex.Checksum)), nil
}

func (s *MCPServer) handleImportTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw := mcp.ParseString(request, "definition", "")

	def, err := core.ParseTaskDef([]byte(raw))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	task, sched, err := core.ImportTaskDef(ctx, s.store, s.registry, def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task import failed: %v", err)), nil
	}

	result := fmt.Sprintf("task imported\nid: %s\nname: %s\nsteps: %d", task.ID, task.Name, len(task.Steps))
	if sched != nil {
		result += fmt.Sprintf("\nschedule: %s (enabled)", sched.ID)
	}
	return mcp.NewToolResultText(result), nil
}

func (s *MCPServer) toolError(op, ident string, err error) *mcp.CallToolResult {
	s.logger.Error(op, "ident", ident, "err", err)
	return mcp.NewToolResultError(fmt.Sprintf("%s %s: %v", op, ident, err))
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
