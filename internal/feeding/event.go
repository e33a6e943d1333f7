package feeding

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeSucceeded, OutcomeFailed:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

func ParseTriggerKind(s string) (TriggerKind, error) {
	switch TriggerKind(s) {
	case TriggerScheduled, TriggerManual:
		return TriggerKind(s), nil
	}
	return "", fmt.Errorf("unknown trigger kind %q", s)
}

// DispatchEvent is an immutable record of one dispatch attempt.
//
// ScheduleID is nil for manual dispatches. OccurredAt has second precision and
// is the instant the dispatch was decided, so its calendar date is the
// occurrence date even when the actuator answers after midnight.
type DispatchEvent struct {
	ID          string
	OwnerID     string
	ScheduleID  *string
	Portion     float64
	OccurredAt  time.Time
	Outcome     Outcome
	TriggerKind TriggerKind

	Latency time.Duration
	Error   string
	PetName string
	PetType string
}

func NewEventID() string { return uuid.NewString() }

// Succeeded reports whether the event suppresses further dispatch of its occurrence.
func (e DispatchEvent) Succeeded() bool { return e.Outcome == OutcomeSucceeded }

func (e DispatchEvent) ScheduleRef() string {
	if e.ScheduleID == nil {
		return ""
	}
	return *e.ScheduleID
}

// StringPtr is a small helper for ScheduleID literals.
func StringPtr(s string) *string { return &s }
