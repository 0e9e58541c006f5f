package core

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and
// returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextFireTime computes when the schedule is next due. A nil return means
// the schedule is exhausted (a one-shot that already fired).
func NextFireTime(sched *TaskSchedule, location *time.Location) (*time.Time, error) {
	if sched.CronExpr != "" {
		parsed, err := ParseCron(sched.CronExpr)
		if err != nil {
			return nil, err
		}
		base := sched.CreatedAt
		if sched.LastRunAt != nil {
			base = *sched.LastRunAt
		}
		next := parsed.Next(base.In(location)).UTC()
		return &next, nil
	}
	if sched.LastRunAt == nil {
		next := sched.CreatedAt.Add(sched.RunAfter)
		return &next, nil
	}
	if sched.RepeatEvery <= 0 {
		return nil, nil
	}
	next := sched.LastRunAt.Add(sched.RepeatEvery)
	return &next, nil
}
