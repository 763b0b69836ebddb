package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// firstFireSchedule overrides the first run time of a base schedule and
// delegates to it afterwards.
type firstFireSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *firstFireSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func intervalSchedule(every, first time.Duration, now time.Time) cron.Schedule {
	base := cron.Every(every)
	if first <= 0 || first == every {
		return base
	}
	return &firstFireSchedule{base: base, first: now.Add(first)}
}
