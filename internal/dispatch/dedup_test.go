package dispatch

import (
	"testing"
	"time"

	"petfeeder/internal/feeding"
)

func event(scheduleID *string, at time.Time, outcome feeding.Outcome) feeding.DispatchEvent {
	kind := feeding.TriggerScheduled
	if scheduleID == nil {
		kind = feeding.TriggerManual
	}
	return feeding.DispatchEvent{OwnerID: "o1", ScheduleID: scheduleID, Portion: 1, OccurredAt: at,
		Outcome: outcome, TriggerKind: kind}
}

func TestAlreadyFired(t *testing.T) {
	t.Parallel()

	s1 := feeding.StringPtr("s1")
	today := feeding.DateOf(at(8, 0, 45))
	tests := []struct {
		name   string
		events []feeding.DispatchEvent
		want   bool
	}{
		{name: "empty", want: false},
		{name: "succeeded today", events: []feeding.DispatchEvent{event(s1, at(8, 0, 15), feeding.OutcomeSucceeded)}, want: true},
		{name: "failed today", events: []feeding.DispatchEvent{event(s1, at(8, 0, 15), feeding.OutcomeFailed)}, want: false},
		{name: "succeeded yesterday", events: []feeding.DispatchEvent{event(s1, at(8, 0, 15).AddDate(0, 0, -1), feeding.OutcomeSucceeded)}, want: false},
		{name: "other schedule", events: []feeding.DispatchEvent{event(feeding.StringPtr("s2"), at(8, 0, 15), feeding.OutcomeSucceeded)}, want: false},
		{name: "manual", events: []feeding.DispatchEvent{event(nil, at(8, 0, 15), feeding.OutcomeSucceeded)}, want: false},
		{name: "failed then succeeded", events: []feeding.DispatchEvent{
			event(s1, at(8, 0, 45), feeding.OutcomeSucceeded),
			event(s1, at(8, 0, 15), feeding.OutcomeFailed),
		}, want: true},
	}
	for _, tt := range tests {
		if got := AlreadyFired("s1", today, tt.events, time.UTC); got != tt.want {
			t.Fatalf("%s: AlreadyFired=%v want %v", tt.name, got, tt.want)
		}
	}
}

func TestAlreadyFiredComparesDatesInEngineLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	s1 := feeding.StringPtr("s1")
	// 2024-03-03 20:00 UTC is 2024-03-04 03:00 in UTC+7.
	ev := event(s1, time.Date(2024, 3, 3, 20, 0, 0, 0, time.UTC), feeding.OutcomeSucceeded)

	if !AlreadyFired("s1", feeding.Date{Year: 2024, Month: time.March, Day: 4}, []feeding.DispatchEvent{ev}, loc) {
		t.Fatalf("expected match on local date")
	}
	if AlreadyFired("s1", feeding.Date{Year: 2024, Month: time.March, Day: 3}, []feeding.DispatchEvent{ev}, loc) {
		t.Fatalf("utc date must not be used")
	}
}

func TestLookbackStart(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC-5", -5*3600)
	now := time.Date(2024, 3, 4, 8, 0, 15, 0, loc)
	want := time.Date(2024, 3, 4, 0, 0, 0, 0, loc)
	if got := LookbackStart(now); !got.Equal(want) {
		t.Fatalf("LookbackStart=%s want %s", got, want)
	}
}
