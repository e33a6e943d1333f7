package dispatch

import (
	"time"

	"petfeeder/internal/feeding"
)

// State is the terminal state of one schedule within one tick.
type State int

const (
	StateNotDue State = iota
	StateSkipped
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNotDue:
		return "not_due"
	case StateSkipped:
		return "skipped"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type ScheduleResult struct {
	ScheduleID string
	TimeOfDay  feeding.TimeOfDay
	Portion    float64
	State      State
	Latency    time.Duration
	// EventID is set once the dispatch event was appended.
	EventID string
	Err     error
}

// TickReport describes one evaluation pass over an owner's schedules.
// Schedules after a cancellation or store failure are absent.
type TickReport struct {
	Owner    string
	Now      time.Time
	Duration time.Duration
	Results  []ScheduleResult
}

func (r TickReport) Count(s State) int {
	n := 0
	for _, res := range r.Results {
		if res.State == s {
			n++
		}
	}
	return n
}

// Due counts schedules that matched, whether dispatched or skipped.
func (r TickReport) Due() int {
	return len(r.Results) - r.Count(StateNotDue)
}

func (r TickReport) Failures() []ScheduleResult {
	var out []ScheduleResult
	for _, res := range r.Results {
		if res.State == StateFailed {
			out = append(out, res)
		}
	}
	return out
}
