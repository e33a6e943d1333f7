package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"petfeeder/internal/feeding"
)

// Memory is a process-local Store. Events and schedules are lost on exit.
type Memory struct {
	mu sync.Mutex

	schedules map[string]memSchedule
	events    []feeding.DispatchEvent
	pets      map[string]feeding.PetProfile
	closed    bool

	// Fault hooks let tests simulate an unavailable backend.
	FailList   error
	FailRecent error
	FailAppend error
	FailPet    error
}

type memSchedule struct {
	s        feeding.Schedule
	position int
}

func NewMemory() *Memory {
	return &Memory{
		schedules: make(map[string]memSchedule),
		pets:      make(map[string]feeding.PetProfile),
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutSchedule(_ context.Context, s feeding.Schedule, position int) error {
	if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.OwnerID) == "" {
		return errors.New("schedule id and owner are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.schedules[s.ID] = memSchedule{s: s, position: position}
	return nil
}

func (m *Memory) sortedLocked(keep func(feeding.Schedule) bool) []memSchedule {
	out := make([]memSchedule, 0, len(m.schedules))
	for _, ms := range m.schedules {
		if ms.s.Enabled && keep(ms.s) {
			out = append(out, ms)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].s.OwnerID != out[j].s.OwnerID {
			return out[i].s.OwnerID < out[j].s.OwnerID
		}
		if out[i].position != out[j].position {
			return out[i].position < out[j].position
		}
		return out[i].s.ID < out[j].s.ID
	})
	return out
}

func (m *Memory) ListEnabledSchedules(_ context.Context, owner string) ([]feeding.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.FailList != nil {
		return nil, m.FailList
	}
	var out []feeding.Schedule
	for _, ms := range m.sortedLocked(func(s feeding.Schedule) bool { return s.OwnerID == owner }) {
		out = append(out, ms.s)
	}
	return out, nil
}

func (m *Memory) ListEnabledSchedulesAll(_ context.Context) (map[string][]feeding.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.FailList != nil {
		return nil, m.FailList
	}
	out := make(map[string][]feeding.Schedule)
	for _, ms := range m.sortedLocked(func(feeding.Schedule) bool { return true }) {
		out[ms.s.OwnerID] = append(out[ms.s.OwnerID], ms.s)
	}
	return out, nil
}

func (m *Memory) Append(_ context.Context, ev feeding.DispatchEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.FailAppend != nil {
		return m.FailAppend
	}
	if ev.ID == "" {
		ev.ID = feeding.NewEventID()
	}
	if ev.ScheduleID != nil {
		ev.ScheduleID = feeding.StringPtr(*ev.ScheduleID)
	}
	// Match the SQL drivers, which store whole seconds.
	ev.OccurredAt = ev.OccurredAt.Truncate(time.Second)
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Recent(_ context.Context, owner string, since time.Time) ([]feeding.DispatchEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.FailRecent != nil {
		return nil, m.FailRecent
	}
	var out []feeding.DispatchEvent
	for _, ev := range m.events {
		if ev.OwnerID == owner && !ev.OccurredAt.Before(since) {
			out = append(out, ev)
		}
	}
	// Stable keeps append order among equal timestamps before reversing it.
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Events returns a copy of every event appended so far, oldest first.
func (m *Memory) Events() []feeding.DispatchEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]feeding.DispatchEvent(nil), m.events...)
}

func (m *Memory) Pet(_ context.Context, owner string) (feeding.PetProfile, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPet != nil {
		return feeding.PetProfile{}, false, m.FailPet
	}
	p, ok := m.pets[owner]
	return p, ok, nil
}

func (m *Memory) PutPet(_ context.Context, p feeding.PetProfile) error {
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("pet owner is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pets[p.OwnerID] = p
	return nil
}

// SetFailures swaps the fault hooks under the store lock.
func (m *Memory) SetFailures(list, recent, appendErr error) {
	m.mu.Lock()
	m.FailList, m.FailRecent, m.FailAppend = list, recent, appendErr
	m.mu.Unlock()
}
