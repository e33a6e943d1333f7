package dispatch

import (
	"testing"
	"time"

	"petfeeder/internal/feeding"
)

// 2024-03-04 is a Monday.
func at(h, m, s int) time.Time { return time.Date(2024, 3, 4, h, m, s, 0, time.UTC) }

func mondayAt8() feeding.Schedule {
	return feeding.Schedule{
		ID: "s1", OwnerID: "o1", TimeOfDay: feeding.TimeOfDay{Hour: 8}, Portion: 1,
		Days: feeding.NewDaySet(time.Monday), Enabled: true,
	}
}

func TestIsDueWindowBoundaries(t *testing.T) {
	t.Parallel()

	s := mondayAt8()
	w := 60 * time.Second
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{name: "tod-1s", now: at(7, 59, 59), want: false},
		{name: "tod", now: at(8, 0, 0), want: true},
		{name: "tod+15s", now: at(8, 0, 15), want: true},
		{name: "tod+W-1s", now: at(8, 0, 59), want: true},
		{name: "tod+W", now: at(8, 1, 0), want: false},
		{name: "sub-second before end", now: at(8, 0, 59).Add(999 * time.Millisecond), want: true},
	}
	for _, tt := range tests {
		if got := IsDue(s, tt.now, w); got != tt.want {
			t.Fatalf("%s: IsDue=%v want %v", tt.name, got, tt.want)
		}
	}
}

func TestIsDueWeekdayExclusion(t *testing.T) {
	t.Parallel()

	s := mondayAt8()
	for d := 1; d <= 6; d++ {
		now := at(8, 0, 10).AddDate(0, 0, d)
		if IsDue(s, now, time.Minute) {
			t.Fatalf("due on %s", now.Weekday())
		}
	}
	// Every second of a non-matching day stays false.
	tue := at(0, 0, 0).AddDate(0, 0, 1)
	for sec := 0; sec < secondsPerDay; sec += 7 {
		if IsDue(s, tue.Add(time.Duration(sec)*time.Second), time.Hour) {
			t.Fatalf("due on tuesday at +%ds", sec)
		}
	}
}

func TestIsDueEmptyDaysNeverDue(t *testing.T) {
	t.Parallel()

	s := mondayAt8()
	s.Days = 0
	for d := 0; d < 7; d++ {
		for _, now := range []time.Time{at(8, 0, 0), at(8, 0, 30), at(12, 0, 0)} {
			if IsDue(s, now.AddDate(0, 0, d), time.Minute) {
				t.Fatalf("empty-day schedule due at %s", now)
			}
		}
	}
}

func TestIsDueDisabled(t *testing.T) {
	t.Parallel()

	s := mondayAt8()
	s.Enabled = false
	if IsDue(s, at(8, 0, 0), time.Minute) {
		t.Fatalf("disabled schedule due")
	}
}

func TestIsDueCapsAtMidnight(t *testing.T) {
	t.Parallel()

	s := feeding.Schedule{ID: "late", TimeOfDay: feeding.TimeOfDay{Hour: 23, Minute: 59}, Portion: 1,
		Days: feeding.AllDays, Enabled: true}
	w := 5 * time.Minute

	if !IsDue(s, at(23, 59, 0), w) || !IsDue(s, at(23, 59, 59), w) {
		t.Fatalf("expected due before midnight")
	}
	// Tuesday 00:00:30 would be inside an uncapped window from Monday 23:59.
	if IsDue(s, at(0, 0, 30).AddDate(0, 0, 1), w) {
		t.Fatalf("window rolled into the next day")
	}
}

func TestIsDueUsesWallClockOfLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	s := mondayAt8()
	// 01:00:10 UTC is 08:00:10 in UTC+7.
	now := time.Date(2024, 3, 4, 1, 0, 10, 0, time.UTC).In(loc)
	if !IsDue(s, now, time.Minute) {
		t.Fatalf("expected due in engine location")
	}
}
