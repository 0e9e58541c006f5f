package core

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler is the periodic driver that finds due schedules and hands their
// tasks to the engine. Due evaluation runs on the engine loop, so a tick is
// just one more message to the host.
type Scheduler struct {
	store    Store
	engine   *Engine
	logger   *slog.Logger
	location *time.Location

	cron  *cron.Cron
	nowFn func() time.Time
}

// NewScheduler constructs a scheduler polling at the given interval.
func NewScheduler(store Store, engine *Engine, logger *slog.Logger, location *time.Location, pollInterval time.Duration) *Scheduler {
	if location == nil {
		location = time.Local
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	s := &Scheduler{
		store:    store,
		engine:   engine,
		logger:   logger,
		location: location,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	c := cron.New(cron.WithLocation(location))
	c.Schedule(cron.Every(pollInterval), cron.FuncJob(func() {
		now := s.nowFn()
		engine.RunOnLoop(func(ctx context.Context) {
			s.tick(ctx, now)
		})
	}))
	s.cron = c
	return s
}

// Start begins the periodic tick driver.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the tick driver and returns a context that is done once the
// in-flight tick dispatch finishes.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// TickNow evaluates due schedules at the given instant on the engine loop
// and waits for the evaluation to finish.
func (s *Scheduler) TickNow(ctx context.Context, now time.Time) error {
	return s.engine.do(ctx, func(loopCtx context.Context) error {
		s.tick(loopCtx, now)
		return nil
	})
}

type dueSchedule struct {
	sched *TaskSchedule
	fire  time.Time
}

// tick selects every enabled schedule whose next fire time is not after
// now and fires them in ascending (fire time, name) order. A schedule whose
// task is still running is skipped for this tick, never queued. Repeating
// schedules advance last_run_at to now rather than the theoretical fire
// time, so a long pause never produces a catch-up burst.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	schedules, err := s.store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules", "err", err)
		return
	}
	var due []dueSchedule
	for _, sched := range schedules {
		if !sched.Enabled {
			continue
		}
		fire, err := NextFireTime(sched, s.location)
		if err != nil {
			s.logger.Error("compute fire time", "schedule", sched.Name, "err", err)
			continue
		}
		if fire == nil || fire.After(now) {
			continue
		}
		due = append(due, dueSchedule{sched: sched, fire: *fire})
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].fire.Equal(due[j].fire) {
			return due[i].fire.Before(due[j].fire)
		}
		return due[i].sched.Name < due[j].sched.Name
	})

	for _, d := range due {
		s.fire(ctx, d.sched, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sched *TaskSchedule, now time.Time) {
	task, err := s.store.GetTask(ctx, sched.TaskID)
	if err != nil {
		s.logger.Error("load task for schedule", "schedule", sched.Name, "task_id", sched.TaskID, "err", err)
		return
	}
	if task.Status == TaskStatusRunning {
		s.logger.Info("skipping schedule, task still running", "schedule", sched.Name, "task_id", task.ID)
		return
	}
	exec, err := s.engine.StartScheduled(ctx, task, sched.ID)
	if err != nil {
		s.logger.Error("start scheduled execution", "schedule", sched.Name, "err", err)
		return
	}
	if err := s.store.UpdateScheduleLastRun(ctx, sched.ID, now); err != nil {
		s.logger.Error("advance last_run_at", "schedule", sched.Name, "err", err)
	}
	if sched.RepeatEvery <= 0 && sched.CronExpr == "" {
		if err := s.store.SetScheduleEnabled(ctx, sched.ID, false); err != nil {
			s.logger.Error("disable one-shot schedule", "schedule", sched.Name, "err", err)
		}
	}
	s.logger.Info("schedule fired",
		"schedule", sched.Name, "task_id", task.ID, "execution_id", exec.ID)
}
