package eventbus

import "time"

// Event types published by the dispatcher.
const (
	DispatchSucceeded  = "dispatch.succeeded"
	DispatchFailed     = "dispatch.failed"
	DispatchSkipped    = "dispatch.skipped"
	DispatchUnrecorded = "dispatch.unrecorded"
	TickAborted        = "tick.aborted"
	TickCompleted      = "tick.completed"
)

// Dispatch is the payload of dispatch.* events.
type Dispatch struct {
	EventID    string        `json:"event_id,omitempty"`
	Owner      string        `json:"owner"`
	ScheduleID string        `json:"schedule_id,omitempty"`
	Trigger    string        `json:"trigger"`
	Portion    float64       `json:"portion"`
	OccurredAt time.Time     `json:"occurred_at"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
	// ErrorKind is a stable label such as "unreachable" or "rejected".
	ErrorKind string `json:"error_kind,omitempty"`
}

// Tick is the payload of tick.* events.
type Tick struct {
	Owner     string        `json:"owner"`
	At        time.Time     `json:"at"`
	Duration  time.Duration `json:"duration"`
	Evaluated int           `json:"evaluated"`
	Due       int           `json:"due"`
	Error     string        `json:"error,omitempty"`
}

// SweepCompleted is published after every periodic sweep.
const SweepCompleted = "sweep.completed"

// Sweep is the payload of sweep.completed.
type Sweep struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Owners   int           `json:"owners"`
	Enqueued int           `json:"enqueued"`
	Skipped  int           `json:"skipped"`
	Dropped  int           `json:"dropped"`
	Error    string        `json:"error,omitempty"`
}
