package scheduler

import (
	"context"
	"time"

	"petfeeder/internal/dispatch"
	"petfeeder/internal/feeding"
)

const (
	DefaultTickInterval = 30 * time.Second
	DefaultTickTimeout  = 30 * time.Second
)

type Config struct {
	// TickInterval is the sweep period. It must not exceed the match window.
	TickInterval time.Duration
	// TickTimeout bounds one owner's tick.
	TickTimeout time.Duration
	// Align makes sweeps fire on interval boundaries of the wall clock
	// (08:00:00, 08:00:30, ...) instead of relative to Start.
	Align bool
	// Location is the engine time zone. nil means time.Local.
	Location *time.Location
}

// Ticker runs one owner's tick over a snapshot of its schedules.
type Ticker interface {
	RunTickFor(ctx context.Context, owner string, schedules []feeding.Schedule) (dispatch.TickReport, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Owners   int           `json:"owners"`
	Enqueued int           `json:"enqueued"`
	// Skipped counts owners whose previous tick was still queued or running.
	Skipped int `json:"skipped"`
	// Dropped counts owners refused by a full queue or a stopping engine.
	Dropped int    `json:"dropped"`
	Error   string `json:"error,omitempty"`
}

type Snapshot struct {
	Running      bool          `json:"running"`
	Timezone     string        `json:"timezone"`
	TickInterval time.Duration `json:"tick_interval"`
	TickTimeout  time.Duration `json:"tick_timeout"`
	Next         time.Time     `json:"next,omitempty"`
	Prev         time.Time     `json:"prev,omitempty"`
	Sweeps       uint64        `json:"sweeps"`
	Last         *SweepResult  `json:"last,omitempty"`
}
