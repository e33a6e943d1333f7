package alert

import (
	"context"
	"time"
)

// Config controls the async alert pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int

	// FailedDispatches raises a warning for every failed scheduled dispatch.
	// Unrecorded dispatches and aborted ticks always alert.
	FailedDispatches bool

	Telegram TelegramConfig
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// URL overrides the Bot API endpoint.
	URL     string
	Timeout time.Duration
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

// Alert is one operator-facing message.
type Alert struct {
	Severity Severity
	// Key groups repeats for dedup. Empty falls back to the text.
	Key   string
	Owner string
	Text  string
	At    time.Time
}

// Sink delivers alerts somewhere an operator will see them.
type Sink interface {
	Name() string
	Send(ctx context.Context, a Alert) error
}

type HistoryItem struct {
	At       time.Time `json:"at"`
	Severity string    `json:"severity"`
	Sink     string    `json:"sink"`
	Text     string    `json:"text"`
}

// Event is published on the bus as alert.* events.
type Event struct {
	Sink  string    `json:"sink,omitempty"`
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
