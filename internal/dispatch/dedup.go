package dispatch

import (
	"time"

	"petfeeder/internal/feeding"
)

// LookbackStart is the earliest event time the dedup guard needs: midnight of
// now's calendar date in now's location.
func LookbackStart(now time.Time) time.Time {
	return feeding.DateOf(now).Start(now.Location())
}

// AlreadyFired reports whether events contain a succeeded dispatch for
// scheduleID on date, with event times read in loc. Failed attempts never
// count.
func AlreadyFired(scheduleID string, date feeding.Date, events []feeding.DispatchEvent, loc *time.Location) bool {
	if loc == nil {
		loc = time.Local
	}
	for _, ev := range events {
		if !ev.Succeeded() || ev.ScheduleID == nil || *ev.ScheduleID != scheduleID {
			continue
		}
		if feeding.DateOf(ev.OccurredAt.In(loc)) == date {
			return true
		}
	}
	return false
}
