// Package engine runs owner ticks on a bounded worker pool.
//
// Each task carries a key (the owner ID). A key that is already queued or
// running refuses new tasks instead of queueing them, so a slow owner can
// never pile up ticks.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"petfeeder/internal/eventbus"
	rtsup "petfeeder/internal/runtime/supervisor"
	logx "petfeeder/pkg/logx"
)

type phase int

const (
	idle phase = iota
	running
	stopping
)

type job struct {
	task    Task
	key     string
	queued  time.Time
	timeout time.Duration
	claimed bool
}

type Service struct {
	log  logx.Logger
	bus  eventbus.Bus
	keys keySet
	hist *ring
	warn dropWarner

	mu       sync.Mutex
	cfg      Config
	phase    phase
	queue    chan job
	quit     chan struct{}
	sup      *rtsup.Supervisor
	stopped  chan struct{} // closed when the pending stop completes
	inFlight atomic.Int32
	seq      atomic.Uint64

	droppedFull  atomic.Uint64
	droppedStale atomic.Uint64
	skipped      atomic.Uint64
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	cfg.Workers = cmp.Or(max(cfg.Workers, 0), 4)
	cfg.QueueSize = cmp.Or(max(cfg.QueueSize, 0), 256)
	cfg.HistorySize = cmp.Or(max(cfg.HistorySize, 0), 200)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log.With(logx.Component("taskengine")),
		bus:  bus,
		hist: newRing(cfg.HistorySize),
		warn: dropWarner{every: 5 * time.Second},
	}
}

// Supervisor returns the workers' supervisor, nil while stopped.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

// Start launches the workers. Calling it on a running engine does nothing;
// during a stop it first waits for that stop to finish.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	for s.phase == stopping {
		stopped := s.stopped
		s.mu.Unlock()
		select {
		case <-stopped:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.phase == running {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.queue = make(chan job, cfg.QueueSize)
	s.quit = make(chan struct{})
	// A broken worker is restarted, never allowed to take the daemon down.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.phase = running
	queue, quit, sup := s.queue, s.quit, s.sup
	s.mu.Unlock()

	for i := range cfg.Workers {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(ctx context.Context) error {
			return s.work(ctx, quit, queue)
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels running tasks and waits for the workers until ctx ends.
// Queued tasks are discarded and their keys released.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	switch s.phase {
	case idle:
		s.mu.Unlock()
		return
	case stopping:
		stopped := s.stopped
		s.mu.Unlock()
		select {
		case <-stopped:
		case <-ctx.Done():
		}
		return
	}
	s.phase = stopping
	s.stopped = make(chan struct{})
	close(s.quit)
	sup, stopped := s.sup, s.stopped
	s.mu.Unlock()

	sup.Cancel()
	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.discardQueued()
		s.phase, s.queue, s.quit, s.sup = idle, nil, nil, nil
		s.mu.Unlock()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.log.Info("task engine stopped")
	case <-ctx.Done():
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
	}
}

// discardQueued empties the queue. Callers hold s.mu.
func (s *Service) discardQueued() {
	for {
		select {
		case j := <-s.queue:
			s.done(j)
		default:
			return
		}
	}
}

// Enqueue adds t without blocking.
func (s *Service) Enqueue(t Task) error {
	if t.Run == nil {
		return errors.New("engine: task has no Run func")
	}
	if t.Name = strings.TrimSpace(t.Name); t.Name == "" {
		return errors.New("engine: task name is required")
	}
	now := time.Now()
	if strings.TrimSpace(t.ID) == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.seq.Add(1))
	}
	key := cmp.Or(strings.TrimSpace(t.Key), t.Name)

	// s.mu is held across the send so Stop's drain cannot miss this task.
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case idle:
		return ErrStopped
	case stopping:
		return ErrStopping
	}

	j := job{task: t, key: key, queued: now, timeout: cmp.Or(t.Timeout, s.cfg.DefaultTimeout)}
	if !t.Concurrent {
		if !s.keys.claim(key) {
			s.skipped.Add(1)
			s.publish("task.skipped", Run{ID: t.ID, Name: t.Name, Key: key, Started: now, Error: "overlap_skip"})
			s.log.Debug("task skipped; key busy", logx.String("task", t.Name), logx.String("key", key))
			return ErrOverlapSkip
		}
		j.claimed = true
	}

	select {
	case s.queue <- j:
		return nil
	default:
	}
	s.done(j)
	s.droppedFull.Add(1)
	s.publish("task.dropped", Run{ID: t.ID, Name: t.Name, Key: key, Started: now, Error: "queue_full"})
	if s.warn.allow("queue_full", now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", t.Name),
			logx.Int("queue_cap", cap(s.queue)),
			logx.Uint64("dropped_queue_full", s.droppedFull.Load()),
		)
	}
	return ErrQueueFull
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:        s.phase == running,
		Workers:        s.cfg.Workers,
		DefaultTimeout: s.cfg.DefaultTimeout,
		MaxQueueDelay:  s.cfg.MaxQueueDelay,
	}
	if s.queue != nil {
		snap.QueueLen, snap.QueueCap = len(s.queue), cap(s.queue)
	}
	s.mu.Unlock()

	snap.InFlight = int(s.inFlight.Load())
	snap.DroppedQueueFull = s.droppedFull.Load()
	snap.DroppedStale = s.droppedStale.Load()
	snap.Dropped = snap.DroppedQueueFull + snap.DroppedStale
	snap.SkippedOverlap = s.skipped.Load()
	snap.History = s.hist.items()
	return snap
}

// done releases the job's key, if it holds one.
func (s *Service) done(j job) {
	if j.claimed {
		s.keys.release(j.key)
	}
}

func (s *Service) publish(typ string, run Run) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: run})
}

// dropWarner lets one warning per reason through every interval.
type dropWarner struct {
	mu    sync.Mutex
	every time.Duration
	last  map[string]time.Time
}

func (w *dropWarner) allow(reason string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.last[reason]; ok && now.Sub(t) < w.every {
		return false
	}
	if w.last == nil {
		w.last = make(map[string]time.Time)
	}
	w.last[reason] = now
	return true
}
