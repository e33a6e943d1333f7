package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeding"
	"petfeeder/internal/storage"
	"petfeeder/internal/task/engine"
	logx "petfeeder/pkg/logx"
)

type Service struct {
	mu      sync.Mutex
	cfg     Config
	c       *cron.Cron
	entryID cron.EntryID
	ctx     context.Context

	engine    *engine.Service
	schedules storage.ScheduleStore
	ticker    Ticker
	log       logx.Logger
	bus       eventbus.Bus

	sweeps atomic.Uint64
	lastMu sync.Mutex
	last   *SweepResult

	enqWarn warnLimiter
}

func New(cfg Config, eng *engine.Service, schedules storage.ScheduleStore, ticker Ticker, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:       cfg,
		engine:    eng,
		schedules: schedules,
		ticker:    ticker,
		log:       log.With(logx.Component("scheduler")),
		bus:       bus,
		enqWarn:   warnLimiter{every: enqueueWarnEvery},
	}
}

// Start begins periodic sweeps. ctx is the parent of every sweep and tick.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.startLocked()
}

func (s *Service) startLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithLocation(s.cfg.Location),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	s.entryID = s.c.Schedule(makeSweepSchedule(s.cfg), cron.FuncJob(s.runSweep))
	s.c.Start()
	s.log.Info("service started",
		logx.String("tz", s.cfg.Location.String()),
		logx.Duration("tick_interval", s.cfg.TickInterval),
		logx.Bool("aligned", s.cfg.Align),
	)
}

// Apply updates the tick timeout live and reschedules the sweep when the
// interval or alignment changed.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.TickInterval <= 0 {
		cfg.TickInterval = s.cfg.TickInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = s.cfg.TickTimeout
	}
	// The location follows the dispatch clock, which is fixed at startup.
	cfg.Location = s.cfg.Location

	reschedule := cfg.TickInterval != s.cfg.TickInterval || cfg.Align != s.cfg.Align
	s.cfg = cfg
	if s.c == nil || !reschedule {
		return
	}
	s.c.Remove(s.entryID)
	s.entryID = s.c.Schedule(makeSweepSchedule(cfg), cron.FuncJob(s.runSweep))
	s.log.Info("sweep rescheduled", logx.Duration("tick_interval", cfg.TickInterval), logx.Bool("aligned", cfg.Align))
}

// Stop stops triggering. Ticks already enqueued are the engine's business.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) runSweep() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	_, _ = s.Sweep(ctx)
}

// Sweep lists all enabled schedules and enqueues one tick per owner.
//
// It returns ErrStoreUnavailable when the listing fails; no tick is enqueued
// then. Owners whose previous tick is still in flight are skipped.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	res := SweepResult{At: start.In(cfg.Location)}

	listCtx, cancel := context.WithTimeout(ctx, cfg.TickInterval)
	all, err := s.schedules.ListEnabledSchedulesAll(listCtx)
	cancel()
	if err != nil {
		err = fmt.Errorf("%w: list schedules: %w", feeding.ErrStoreUnavailable, err)
		res.Error = err.Error()
		res.Duration = time.Since(start)
		s.log.Error("sweep aborted", logx.Err(err))
		s.finish(res)
		return res, err
	}

	owners := make([]string, 0, len(all))
	seen := make(map[string]struct{}, len(all))
	for owner := range all {
		owners = append(owners, owner)
		seen[owner] = struct{}{}
	}
	sort.Strings(owners)
	res.Owners = len(owners)
	s.enqWarn.retain(seen)

	for _, owner := range owners {
		switch s.reportEnqueue(owner, s.engine.Enqueue(s.tickTask(owner, all[owner], cfg.TickTimeout))) {
		case enqueued:
			res.Enqueued++
		case skippedInFlight:
			res.Skipped++
		case dropped:
			res.Dropped++
		}
	}

	res.Duration = time.Since(start)
	s.log.Debug("sweep done",
		logx.Int("owners", res.Owners),
		logx.Int("enqueued", res.Enqueued),
		logx.Int("skipped", res.Skipped),
		logx.Int("dropped", res.Dropped),
	)
	s.finish(res)
	return res, nil
}

func (s *Service) tickTask(owner string, schedules []feeding.Schedule, timeout time.Duration) engine.Task {
	return engine.Task{
		Name:    "tick:" + owner,
		Key:     owner,
		Timeout: timeout,
		Run: func(ctx context.Context) error {
			_, err := s.ticker.RunTickFor(ctx, owner, schedules)
			if errors.Is(err, feeding.ErrTickInFlight) {
				// A direct caller (ops server, CLI) holds this owner.
				return nil
			}
			return err
		},
	}
}

func (s *Service) finish(res SweepResult) {
	s.sweeps.Add(1)
	s.lastMu.Lock()
	cp := res
	s.last = &cp
	s.lastMu.Unlock()

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.SweepCompleted, Time: time.Now(), Data: eventbus.Sweep{
			At:       res.At,
			Duration: res.Duration,
			Owners:   res.Owners,
			Enqueued: res.Enqueued,
			Skipped:  res.Skipped,
			Dropped:  res.Dropped,
			Error:    res.Error,
		}})
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, c, id := s.cfg, s.c, s.entryID
	s.mu.Unlock()

	snap := Snapshot{
		Running:      c != nil,
		Timezone:     cfg.Location.String(),
		TickInterval: cfg.TickInterval,
		TickTimeout:  cfg.TickTimeout,
		Sweeps:       s.sweeps.Load(),
	}
	if c != nil && id != 0 {
		e := c.Entry(id)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	s.lastMu.Lock()
	if s.last != nil {
		cp := *s.last
		snap.Last = &cp
	}
	s.lastMu.Unlock()
	return snap
}
