package feeding

import (
	"fmt"
	"time"
)

// Date is a calendar date with no time or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns t's calendar date in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Start returns midnight of d in loc.
func (d Date) Start(loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, loc)
}

func (d Date) String() string { return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day) }

// Occurrence identifies one calendar-date instance of a recurring schedule.
// It is never stored; it is rebuilt from the event log.
type Occurrence struct {
	ScheduleID string
	Date       Date
}

// OccurrenceAt returns the occurrence of s matched at now. now must already be
// in the engine's location; the date never rolls forward past now's date.
func OccurrenceAt(s Schedule, now time.Time) Occurrence {
	return Occurrence{ScheduleID: s.ID, Date: DateOf(now)}
}

func (o Occurrence) Key() string { return o.ScheduleID + "@" + o.Date.String() }
