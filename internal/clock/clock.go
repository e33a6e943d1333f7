// Package clock supplies the engine-wide notion of "now".
//
// Every timestamp the dispatcher reasons about is expressed in one location,
// configured once at startup.
package clock

import (
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// System reads the wall clock and converts it to Loc.
type System struct {
	Loc *time.Location
}

func NewSystem(loc *time.Location) System {
	if loc == nil {
		loc = time.Local
	}
	return System{Loc: loc}
}

func (s System) Location() *time.Location {
	if s.Loc == nil {
		return time.Local
	}
	return s.Loc
}

func (s System) Now() time.Time { return time.Now().In(s.Location()) }

// Fixed is a settable clock for tests and one-shot CLI runs.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixed(now time.Time) *Fixed { return &Fixed{now: now} }

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Location() *time.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Location()
}

func (f *Fixed) Set(now time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// LoadLocation resolves a zone name. Empty and "Local" map to time.Local.
func LoadLocation(name string) (*time.Location, error) {
	switch name {
	case "", "Local", "local":
		return time.Local, nil
	}
	return time.LoadLocation(name)
}
