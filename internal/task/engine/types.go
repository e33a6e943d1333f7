package engine

import (
	"context"
	"sync"
	"time"
)

// Config sizes the worker pool. The cron sweep only enqueues; timeouts,
// key gating and history live here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout bounds a task whose own Timeout is 0.
	DefaultTimeout time.Duration

	// MaxQueueDelay drops tasks that waited longer than this for a worker.
	// A tick that waited past its owner's match window is worthless.
	// 0 disables dropping.
	MaxQueueDelay time.Duration

	HistorySize int
}

// Task is one unit of work. Tasks are never retried; the next sweep
// enqueues a fresh one.
type Task struct {
	ID      string
	Name    string
	Key     string // defaults to Name
	Timeout time.Duration
	// Concurrent lets the task run while another with the same Key is
	// queued or running. By default such a task is refused.
	Concurrent bool
	Run        func(ctx context.Context) error
}

// Run describes one executed or dropped task. It is both the history
// entry and the payload of task.* bus events.
type Run struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Key        string        `json:"key,omitempty"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a point-in-time view for /v1/engine and the CLI.
type Snapshot struct {
	Running  bool `json:"running"`
	Workers  int  `json:"workers"`
	QueueLen int  `json:"queue_len"`
	QueueCap int  `json:"queue_cap"`
	InFlight int  `json:"in_flight"`

	Dropped          uint64 `json:"dropped"`
	DroppedQueueFull uint64 `json:"dropped_queue_full"`
	DroppedStale     uint64 `json:"dropped_stale"`
	SkippedOverlap   uint64 `json:"skipped_overlap"`

	DefaultTimeout time.Duration `json:"default_timeout"`
	MaxQueueDelay  time.Duration `json:"max_queue_delay"`

	History []Run `json:"history"`
}

// keySet holds the keys that currently have a task queued or running.
type keySet struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func (k *keySet) claim(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, busy := k.held[key]; busy {
		return false
	}
	if k.held == nil {
		k.held = make(map[string]struct{})
	}
	k.held[key] = struct{}{}
	return true
}

func (k *keySet) release(key string) {
	k.mu.Lock()
	delete(k.held, key)
	k.mu.Unlock()
}

// ring keeps the last n runs.
type ring struct {
	mu   sync.Mutex
	buf  []Run
	next int
	full bool
}

func newRing(n int) *ring { return &ring{buf: make([]Run, n)} }

func (r *ring) add(run Run) {
	r.mu.Lock()
	r.buf[r.next] = run
	r.next = (r.next + 1) % len(r.buf)
	r.full = r.full || r.next == 0
	r.mu.Unlock()
}

// items returns the runs oldest first.
func (r *ring) items() []Run {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		return append([]Run(nil), r.buf[:r.next]...)
	}
	out := make([]Run, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
