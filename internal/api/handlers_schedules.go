package api

import (
	"net/http"
	"time"

	"govex/internal/core"

	"github.com/go-chi/chi/v5"
)

type scheduleResponse struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	TaskID      string  `json:"task_id"`
	RunAfter    int     `json:"run_after_s,omitempty"`
	RepeatEvery int     `json:"repeat_every_s,omitempty"`
	CronExpr    string  `json:"cron,omitempty"`
	Enabled     bool    `json:"enabled"`
	LastRunAt   *string `json:"last_run_at,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	scheds, err := s.store.ListSchedules(r.Context())
	if err != nil {
		s.logger.Error("list schedules", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list schedules")
		return
	}
	res := make([]scheduleResponse, 0, len(scheds))
	for _, sched := range scheds {
		res = append(res, scheduleToResponse(sched))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEnableSchedule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scheduleID := chi.URLParam(r, "scheduleID")
		sched, err := s.store.GetSchedule(r.Context(), scheduleID)
		if err != nil {
			s.writeDomainError(w, err, "schedule", scheduleID)
			return
		}
		if err := s.store.SetScheduleEnabled(r.Context(), sched.ID, enabled); err != nil {
			s.writeDomainError(w, err, "schedule", scheduleID)
			return
		}
		sched.Enabled = enabled
		writeJSON(w, http.StatusOK, scheduleToResponse(sched))
	}
}

func scheduleToResponse(sched *core.TaskSchedule) scheduleResponse {
	var last *string
	if sched.LastRunAt != nil {
		formatted := sched.LastRunAt.UTC().Format(time.RFC3339)
		last = &formatted
	}
	return scheduleResponse{
		ID:          sched.ID,
		Name:        sched.Name,
		TaskID:      sched.TaskID,
		RunAfter:    int(sched.RunAfter / time.Second),
		RepeatEvery: int(sched.RepeatEvery / time.Second),
		CronExpr:    sched.CronExpr,
		Enabled:     sched.Enabled,
		LastRunAt:   last,
		CreatedAt:   sched.CreatedAt.UTC().Format(time.RFC3339),
	}
}
