package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StepDef is one step of a multi-step task definition. Codex names an
// already-imported codex or a local file path to import. Delay is the number
// of seconds to wait after this step before the following one may start.
type StepDef struct {
	Codex string `json:"codex"`
	Async bool   `json:"async"`
	Delay int    `json:"delay,omitempty"`
}

// TaskDef is the external multi-step task definition format. Every and
// After are in seconds; Every 0 with no cron expression makes the schedule
// one-shot.
type TaskDef struct {
	Name  string    `json:"name"`
	Every int       `json:"every,omitempty"`
	After int       `json:"after,omitempty"`
	Cron  string    `json:"cron,omitempty"`
	Steps []StepDef `json:"steps"`
}

// ParseTaskDef decodes a task definition document.
func ParseTaskDef(data []byte) (TaskDef, error) {
	var def TaskDef
	if err := json.Unmarshal(data, &def); err != nil {
		return TaskDef{}, fmt.Errorf("parse task definition: %w", err)
	}
	return def, nil
}

// ImportTaskDef constructs a task, its steps and calls, and optionally a
// schedule from one definition. Step codexes referencing local files are
// imported on the fly under their base name.
func ImportTaskDef(ctx context.Context, store Store, registry *CodexRegistry, def TaskDef) (*Task, *TaskSchedule, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, nil, fmt.Errorf("task definition needs a name")
	}
	if len(def.Steps) == 0 {
		return nil, nil, fmt.Errorf("task definition %s has no steps", name)
	}
	if def.Cron != "" {
		if _, err := ParseCron(def.Cron); err != nil {
			return nil, nil, err
		}
	}

	task := &Task{
		ID:     NewID(),
		Name:   name,
		Status: TaskStatusIdle,
	}
	for _, stepDef := range def.Steps {
		codex, err := resolveStepCodex(ctx, store, registry, stepDef.Codex)
		if err != nil {
			return nil, nil, err
		}
		task.Steps = append(task.Steps, &TaskStep{
			ID: NewID(),
			Call: Call{
				ID:      NewID(),
				CodexID: codex.ID,
				IsAsync: stepDef.Async,
			},
			Status:       StepStatusPending,
			RunNextAfter: time.Duration(stepDef.Delay) * time.Second,
		})
	}
	if err := store.InsertTask(ctx, task); err != nil {
		return nil, nil, err
	}

	if def.Every <= 0 && def.After <= 0 && def.Cron == "" {
		return task, nil, nil
	}
	sched := &TaskSchedule{
		ID:          NewID(),
		Name:        name,
		TaskID:      task.ID,
		RunAfter:    time.Duration(def.After) * time.Second,
		RepeatEvery: time.Duration(def.Every) * time.Second,
		CronExpr:    def.Cron,
		Enabled:     true,
	}
	if err := store.InsertSchedule(ctx, sched); err != nil {
		return nil, nil, err
	}
	return task, sched, nil
}

func resolveStepCodex(ctx context.Context, store Store, registry *CodexRegistry, ref string) (*Codex, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("step codex reference is empty")
	}
	codex, err := store.GetCodex(ctx, ref)
	if err == nil {
		return codex, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	data, readErr := os.ReadFile(ref)
	if readErr != nil {
		return nil, fmt.Errorf("%w: codex %s (and no file at that path)", ErrNotFound, ref)
	}
	name := strings.TrimSuffix(filepath.Base(ref), filepath.Ext(ref))
	return registry.Import(ctx, CodexImport{Name: name, Code: string(data), Replace: true})
}
