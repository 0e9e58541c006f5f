package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"govex/internal/core"
	"govex/internal/entity"

	"github.com/go-chi/chi/v5"
)

type stepResponse struct {
	ID           string `json:"id"`
	CodexID      string `json:"codex_id"`
	Async        bool   `json:"async"`
	Status       string `json:"status"`
	RunNextAfter int    `json:"run_next_after_s,omitempty"`
	TimerPending bool   `json:"timer_pending,omitempty"`
}

type pendingCallResponse struct {
	CallID      string `json:"call_id"`
	ExecutionID string `json:"execution_id"`
	Step        int    `json:"step"`
	CreatedAt   string `json:"created_at"`
}

type taskResponse struct {
	ID              string                `json:"id"`
	Name            string                `json:"name"`
	Status          string                `json:"status"`
	StepToExecute   int                   `json:"step_to_execute"`
	Steps           []stepResponse        `json:"steps,omitempty"`
	CancelRequested bool                  `json:"cancel_requested,omitempty"`
	PendingCalls    []pendingCallResponse `json:"pending_calls,omitempty"`
	CreatedAt       string                `json:"created_at"`
	UpdatedAt       string                `json:"updated_at"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	from := parseIntDefault(r.URL.Query().Get("from"), 0)
	count := parseIntDefault(r.URL.Query().Get("count"), 50)
	order := parseOrder(r.URL.Query().Get("order"), entity.OrderAsc)

	tasks, err := s.store.ListTasks(r.Context(), from, count, order)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	verbose := strings.EqualFold(r.URL.Query().Get("verbose"), "true") ||
		r.URL.Query().Get("verbose") == "1"

	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		resp := s.taskToResponse(r, t, verbose)
		if !verbose {
			resp.Steps = nil
			resp.PendingCalls = nil
		}
		res = append(res, resp)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "taskIdent")
	task, err := s.store.GetTask(r.Context(), ident)
	if err != nil {
		s.writeDomainError(w, err, "task", ident)
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(r, task, true))
}

// handleImportTask accepts a multi-step task definition document and
// registers the task plus, when a recurrence is given, its schedule.
func (s *Server) handleImportTask(w http.ResponseWriter, r *http.Request) {
	var def core.TaskDef
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	task, sched, err := core.ImportTaskDef(r.Context(), s.store, s.registry, def)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrNotFound):
			writeError(w, http.StatusBadRequest, "unknown_codex", err.Error())
		case errors.Is(err, core.ErrConflict):
			writeError(w, http.StatusConflict, "conflict", err.Error())
		case errors.Is(err, core.ErrChecksumMismatch):
			writeError(w, http.StatusBadRequest, "checksum_mismatch", err.Error())
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
		}
		return
	}

	resp := map[string]any{"task": s.taskToResponse(r, task, true)}
	if sched != nil {
		resp["schedule"] = scheduleToResponse(sched)
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "taskIdent")
	exec, err := s.engine.RunNow(r.Context(), ident)
	if err != nil {
		s.writeDomainError(w, err, "task", ident)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": exec.ID})
}

func (s *Server) handleKillTask(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "taskIdent")
	task, err := s.engine.Kill(r.Context(), ident)
	if err != nil {
		s.writeDomainError(w, err, "task", ident)
		return
	}
	writeJSON(w, http.StatusOK, s.taskToResponse(r, task, true))
}

func (s *Server) taskToResponse(r *http.Request, task *core.Task, withCalls bool) taskResponse {
	resp := taskResponse{
		ID:              task.ID,
		Name:            task.Name,
		Status:          string(task.Status),
		StepToExecute:   task.StepToExecute,
		CancelRequested: task.CancelRequested,
		CreatedAt:       task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       task.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, step := range task.Steps {
		resp.Steps = append(resp.Steps, stepResponse{
			ID:           step.ID,
			CodexID:      step.Call.CodexID,
			Async:        step.Call.IsAsync,
			Status:       string(step.Status),
			RunNextAfter: int(step.RunNextAfter / time.Second),
			TimerPending: step.TimerID != "",
		})
	}
	if withCalls {
		cps, err := s.store.ListCheckpoints(r.Context(), task.ID)
		if err != nil {
			s.logger.Error("list checkpoints", "task_id", task.ID, "err", err)
		}
		for _, cp := range cps {
			resp.PendingCalls = append(resp.PendingCalls, pendingCallResponse{
				CallID:      cp.CallID,
				ExecutionID: cp.ExecutionID,
				Step:        cp.Step,
				CreatedAt:   cp.CreatedAt.UTC().Format(time.RFC3339),
			})
		}
	}
	return resp
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, kind, ident string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", kind+" not found: "+ident)
	case errors.Is(err, core.ErrConflict):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, core.ErrChecksumMismatch):
		writeError(w, http.StatusBadRequest, "checksum_mismatch", err.Error())
	default:
		s.logger.Error("request failed", "kind", kind, "ident", ident, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "request failed")
	}
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func parseOrder(value string, def entity.Order) entity.Order {
	switch strings.ToLower(value) {
	case "asc":
		return entity.OrderAsc
	case "desc":
		return entity.OrderDesc
	default:
		return def
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
