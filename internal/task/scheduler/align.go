package scheduler

import (
	"time"

	"github.com/robfig/cron/v3"
)

// alignedSchedule fires on multiples of every since the zero time, so a
// 30s interval fires at :00 and :30 of each minute.
type alignedSchedule struct {
	every time.Duration
}

func (s alignedSchedule) Next(t time.Time) time.Time {
	return t.Truncate(s.every).Add(s.every)
}

func makeSweepSchedule(cfg Config) cron.Schedule {
	if cfg.Align && cfg.TickInterval >= time.Second {
		return alignedSchedule{every: cfg.TickInterval}
	}
	// cron.Every rounds below one second up to one second.
	return cron.Every(cfg.TickInterval)
}
