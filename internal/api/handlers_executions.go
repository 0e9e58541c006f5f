package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"govex/internal/core"
	"govex/internal/entity"

	"github.com/go-chi/chi/v5"
)

type executionResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	TaskID      string  `json:"task_id"`
	ScheduleID  string  `json:"schedule_id,omitempty"`
	Status      string  `json:"status"`
	Result      string  `json:"result,omitempty"`
	CreatedAt   string  `json:"created_at"`
	CompletedAt *string `json:"completed_at,omitempty"`
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execID := chi.URLParam(r, "executionID")
	exec, err := s.store.GetExecution(r.Context(), execID)
	if err != nil {
		s.writeDomainError(w, err, "execution", execID)
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec))
}

// handleListExecutions returns a task's firing history, newest first by
// default. format=ndjson streams one record per line; follow=true keeps the
// connection open and emits executions as they finish.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	ident := chi.URLParam(r, "taskIdent")
	task, err := s.store.GetTask(r.Context(), ident)
	if err != nil {
		s.writeDomainError(w, err, "task", ident)
		return
	}

	from := parseIntDefault(r.URL.Query().Get("from"), 0)
	count := parseIntDefault(r.URL.Query().Get("count"), 20)
	order := parseOrder(r.URL.Query().Get("order"), entity.OrderDesc)
	ndjson := strings.EqualFold(r.URL.Query().Get("format"), "ndjson")
	follow := strings.EqualFold(r.URL.Query().Get("follow"), "1") ||
		strings.EqualFold(r.URL.Query().Get("follow"), "true")

	execs, err := s.store.ListExecutions(r.Context(), task.ID, from, count, order)
	if err != nil {
		s.logger.Error("list executions", "task_id", task.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list executions")
		return
	}

	if follow {
		s.followExecutions(w, r, task.ID, execs)
		return
	}

	if ndjson {
		w.Header().Set("Content-Type", "application/x-ndjson")
		enc := json.NewEncoder(w)
		for _, exec := range execs {
			_ = enc.Encode(executionToResponse(exec))
		}
		return
	}

	res := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		res = append(res, executionToResponse(exec))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) followExecutions(w http.ResponseWriter, r *http.Request, taskID string, initial []*core.TaskExecution) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusBadRequest, "unsupported", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")

	enc := json.NewEncoder(w)
	seen := make(map[string]core.ExecutionStatus, len(initial))
	for _, exec := range initial {
		_ = enc.Encode(executionToResponse(exec))
		seen[exec.ID] = exec.Status
	}
	flusher.Flush()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			execs, err := s.store.ListExecutions(r.Context(), taskID, 0, 50, entity.OrderDesc)
			if err != nil {
				return
			}
			changed := false
			for i := len(execs) - 1; i >= 0; i-- {
				exec := execs[i]
				if prev, ok := seen[exec.ID]; ok && prev == exec.Status {
					continue
				}
				_ = enc.Encode(executionToResponse(exec))
				seen[exec.ID] = exec.Status
				changed = true
			}
			if changed {
				flusher.Flush()
			}
		}
	}
}

func executionToResponse(exec *core.TaskExecution) executionResponse {
	var completed *string
	if exec.CompletedAt != nil {
		formatted := exec.CompletedAt.UTC().Format(time.RFC3339)
		completed = &formatted
	}
	return executionResponse{
		ID:          exec.ID,
		Name:        exec.Name,
		TaskID:      exec.TaskID,
		ScheduleID:  exec.ScheduleID,
		Status:      string(exec.Status),
		Result:      exec.Result,
		CreatedAt:   exec.CreatedAt.UTC().Format(time.RFC3339),
		CompletedAt: completed,
	}
}
