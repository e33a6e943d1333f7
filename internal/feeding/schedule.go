package feeding

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const secondsPerDay = 24 * 60 * 60

// TimeOfDay is a wall-clock time with minute granularity and no date.
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:SS" (seconds must be zero).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	parts := strings.Split(s, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time %q, expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	if len(parts) == 3 {
		sec, err := strconv.Atoi(parts[2])
		if err != nil || sec != 0 {
			return TimeOfDay{}, fmt.Errorf("invalid time %q: schedules have minute granularity", s)
		}
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

// Seconds returns the offset from midnight in seconds.
func (t TimeOfDay) Seconds() int { return t.Hour*3600 + t.Minute*60 }

func (t TimeOfDay) String() string { return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute) }

// SecondsOfDay returns the wall-clock offset of t from its own midnight.
func SecondsOfDay(t time.Time) int {
	h, m, s := t.Clock()
	return h*3600 + m*60 + s
}

// DaySet is a set of weekdays, one bit per time.Weekday.
type DaySet uint8

const AllDays DaySet = 1<<7 - 1

func NewDaySet(days ...time.Weekday) DaySet {
	var d DaySet
	for _, w := range days {
		if w >= time.Sunday && w <= time.Saturday {
			d |= 1 << uint(w)
		}
	}
	return d
}

func (d DaySet) Has(w time.Weekday) bool {
	if w < time.Sunday || w > time.Saturday {
		return false
	}
	return d&(1<<uint(w)) != 0
}

func (d DaySet) Empty() bool { return d&AllDays == 0 }

// Days lists members Monday first.
func (d DaySet) Days() []time.Weekday {
	out := make([]time.Weekday, 0, 7)
	for i := 1; i <= 7; i++ {
		w := time.Weekday(i % 7)
		if d.Has(w) {
			out = append(out, w)
		}
	}
	return out
}

// String renders the set as comma-separated short labels ("mon,wed").
// This is also the storage encoding.
func (d DaySet) String() string {
	days := d.Days()
	labels := make([]string, 0, len(days))
	for _, w := range days {
		labels = append(labels, strings.ToLower(w.String()[:3]))
	}
	return strings.Join(labels, ",")
}

// ParseWeekday accepts full or three-letter English names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	k := strings.ToLower(strings.TrimSpace(s))
	for w := time.Sunday; w <= time.Saturday; w++ {
		full := strings.ToLower(w.String())
		if k == full || k == full[:3] {
			return w, nil
		}
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// ParseDaySet parses a comma or space separated list of weekday labels.
// "daily" selects every day. An empty string yields an empty set.
func ParseDaySet(s string) (DaySet, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' || r == ';' })
	var d DaySet
	for _, f := range fields {
		if strings.EqualFold(f, "daily") {
			d |= AllDays
			continue
		}
		w, err := ParseWeekday(f)
		if err != nil {
			return 0, err
		}
		d |= NewDaySet(w)
	}
	return d, nil
}

// Schedule is a recurring weekly feeding rule owned by one user.
type Schedule struct {
	ID        string
	OwnerID   string
	TimeOfDay TimeOfDay
	Portion   float64
	Days      DaySet
	Enabled   bool
}

// PortionBounds is the accepted [Min, Max] portion range.
type PortionBounds struct {
	Min float64
	Max float64
}

func DefaultPortionBounds() PortionBounds { return PortionBounds{Min: 0.25, Max: 5.0} }

func (b PortionBounds) Contains(p float64) bool {
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return false
	}
	return p >= b.Min && p <= b.Max
}

// Check returns an ErrInvalidPortion-wrapped error when p is out of range.
func (b PortionBounds) Check(p float64) error {
	if b.Contains(p) {
		return nil
	}
	return fmt.Errorf("%w: %g outside [%g, %g]", ErrInvalidPortion, p, b.Min, b.Max)
}

// PetProfile is the owner's pet as known to the profile collaborator.
type PetProfile struct {
	OwnerID string
	Name    string
	Type    string
}
