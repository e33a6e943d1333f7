package storage

import (
	"context"
	"errors"
	"time"

	"petfeeder/internal/feeding"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file at Path
//   - "postgres": PostgreSQL via DSN
//   - "memory": in-process maps, nothing persisted
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduleStore is the read side of the schedule collaborator.
type ScheduleStore interface {
	// ListEnabledSchedules returns the owner's enabled schedules in display order.
	ListEnabledSchedules(ctx context.Context, owner string) ([]feeding.Schedule, error)
	// ListEnabledSchedulesAll groups every enabled schedule by owner.
	ListEnabledSchedulesAll(ctx context.Context) (map[string][]feeding.Schedule, error)
}

// EventLog is append-only from the engine's point of view.
type EventLog interface {
	Append(ctx context.Context, ev feeding.DispatchEvent) error
	// Recent returns the owner's events with OccurredAt >= since, newest first.
	Recent(ctx context.Context, owner string, since time.Time) ([]feeding.DispatchEvent, error)
}

type PetDirectory interface {
	// Pet returns the owner's pet profile. ok is false when none is registered.
	Pet(ctx context.Context, owner string) (p feeding.PetProfile, ok bool, err error)
}

// Store is what the application opens from config.
type Store interface {
	ScheduleStore
	EventLog
	PetDirectory

	PutSchedule(ctx context.Context, s feeding.Schedule, position int) error
	PutPet(ctx context.Context, p feeding.PetProfile) error
	Close() error
}
