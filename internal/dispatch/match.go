package dispatch

import (
	"time"

	"petfeeder/internal/feeding"
)

const secondsPerDay = 24 * 60 * 60

// IsDue reports whether now falls inside s's match window.
//
// now must already be in the engine location. The window is the half-open
// interval [tod, tod+window) capped at midnight, so an occurrence never spills
// into the next calendar date. Schedules with no days are never due.
func IsDue(s feeding.Schedule, now time.Time, window time.Duration) bool {
	if !s.Enabled || s.Days.Empty() || !s.TimeOfDay.Valid() {
		return false
	}
	if !s.Days.Has(now.Weekday()) {
		return false
	}
	w := int(window / time.Second)
	if w <= 0 {
		return false
	}
	start := s.TimeOfDay.Seconds()
	end := start + w
	if end > secondsPerDay {
		end = secondsPerDay
	}
	sod := feeding.SecondsOfDay(now)
	return sod >= start && sod < end
}
