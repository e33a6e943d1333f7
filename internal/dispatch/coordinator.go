// Package dispatch decides which schedules are due on each tick, suppresses
// duplicate dispatches per occurrence and records every attempt.
//
// The coordinator is stateless across ticks: everything it needs is re-read
// from the schedule store and the event log. The only process state is the
// per-owner dispatch lock and the single-flight guard.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"petfeeder/internal/actuator"
	"petfeeder/internal/clock"
	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeding"
	"petfeeder/internal/storage"
	logx "petfeeder/pkg/logx"
)

const (
	DefaultMatchWindow   = 60 * time.Second
	DefaultAppendTimeout = 5 * time.Second
)

type Config struct {
	MatchWindow time.Duration
	Portion     feeding.PortionBounds
	// AppendTimeout bounds the event append after an actuator call. It runs on
	// a context detached from the tick so a started call is always recorded.
	AppendTimeout time.Duration
}

func (c Config) Validate() error {
	if c.MatchWindow <= 0 || c.MatchWindow >= 24*time.Hour {
		return fmt.Errorf("%w: match window %s must be within (0, 24h)", feeding.ErrConfiguration, c.MatchWindow)
	}
	if c.MatchWindow%time.Second != 0 {
		return fmt.Errorf("%w: match window %s must be whole seconds", feeding.ErrConfiguration, c.MatchWindow)
	}
	if c.Portion.Min <= 0 || c.Portion.Max < c.Portion.Min {
		return fmt.Errorf("%w: portion bounds [%g, %g] invalid", feeding.ErrConfiguration, c.Portion.Min, c.Portion.Max)
	}
	return nil
}

type Deps struct {
	Clock     clock.Clock
	Schedules storage.ScheduleStore
	Events    storage.EventLog
	// Pets is optional; without it events carry no pet details.
	Pets    storage.PetDirectory
	Devices actuator.Resolver
	// Bus is optional.
	Bus eventbus.Bus
	Log logx.Logger
}

type Coordinator struct {
	cfg       Config
	clock     clock.Clock
	schedules storage.ScheduleStore
	events    storage.EventLog
	pets      storage.PetDirectory
	devices   actuator.Resolver
	bus       eventbus.Bus
	log       logx.Logger

	flights flightGuard
	locks   ownerLocks
}

func New(cfg Config, deps Deps) (*Coordinator, error) {
	if cfg.MatchWindow == 0 {
		cfg.MatchWindow = DefaultMatchWindow
	}
	if cfg.Portion == (feeding.PortionBounds{}) {
		cfg.Portion = feeding.DefaultPortionBounds()
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = DefaultAppendTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Clock == nil || deps.Schedules == nil || deps.Events == nil || deps.Devices == nil {
		return nil, fmt.Errorf("%w: coordinator requires clock, schedules, events and devices", feeding.ErrConfiguration)
	}
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Coordinator{
		cfg:       cfg,
		clock:     deps.Clock,
		schedules: deps.Schedules,
		events:    deps.Events,
		pets:      deps.Pets,
		devices:   deps.Devices,
		bus:       deps.Bus,
		log:       log.With(logx.Component("dispatch")),
	}, nil
}

func (c *Coordinator) MatchWindow() time.Duration { return c.cfg.MatchWindow }

// InFlight returns the number of owners with a tick currently running.
func (c *Coordinator) InFlight() int { return c.flights.active() }

// RunTick evaluates every enabled schedule of owner once.
//
// It returns ErrTickInFlight if a tick for owner is already running,
// ErrStoreUnavailable if schedules or recent events cannot be read or an
// event cannot be appended, and the context error if ctx ends mid-tick.
// Actuator failures are reported in the TickReport, not as an error.
func (c *Coordinator) RunTick(ctx context.Context, owner string) (TickReport, error) {
	if !c.flights.tryAcquire(owner) {
		return TickReport{Owner: owner}, fmt.Errorf("%w: %s", feeding.ErrTickInFlight, owner)
	}
	defer c.flights.release(owner)

	start := time.Now()
	now := c.now()
	schedules, err := c.schedules.ListEnabledSchedules(ctx, owner)
	if err != nil {
		err = fmt.Errorf("%w: list schedules: %w", feeding.ErrStoreUnavailable, err)
		rep := TickReport{Owner: owner, Now: now, Duration: time.Since(start)}
		c.aborted(rep, err)
		return rep, err
	}
	return c.run(ctx, owner, now, start, schedules)
}

// RunTickFor is RunTick over a snapshot the caller already loaded, used by
// the multi-owner sweep.
func (c *Coordinator) RunTickFor(ctx context.Context, owner string, schedules []feeding.Schedule) (TickReport, error) {
	if !c.flights.tryAcquire(owner) {
		return TickReport{Owner: owner}, fmt.Errorf("%w: %s", feeding.ErrTickInFlight, owner)
	}
	defer c.flights.release(owner)

	return c.run(ctx, owner, c.now(), time.Now(), schedules)
}

func (c *Coordinator) run(ctx context.Context, owner string, now, start time.Time, schedules []feeding.Schedule) (TickReport, error) {
	rep := TickReport{Owner: owner, Now: now, Results: make([]ScheduleResult, 0, len(schedules))}
	log := c.log.With(logx.Owner(owner))

	var (
		recent []feeding.DispatchEvent
		loaded bool
		pet    petStamp
	)

	for _, s := range schedules {
		if err := ctx.Err(); err != nil {
			rep.Duration = time.Since(start)
			err = fmt.Errorf("tick cancelled: %w", err)
			c.aborted(rep, err)
			return rep, err
		}

		res := ScheduleResult{ScheduleID: s.ID, TimeOfDay: s.TimeOfDay, Portion: s.Portion}
		if s.OwnerID != "" && s.OwnerID != owner {
			log.Warn("schedule belongs to another owner; ignored", logx.String("schedule", s.ID))
			rep.Results = append(rep.Results, res)
			continue
		}
		if !IsDue(s, now, c.cfg.MatchWindow) {
			rep.Results = append(rep.Results, res)
			continue
		}

		if !loaded {
			evs, err := c.events.Recent(ctx, owner, LookbackStart(now))
			if err != nil {
				rep.Duration = time.Since(start)
				err = fmt.Errorf("%w: recent events: %w", feeding.ErrStoreUnavailable, err)
				c.aborted(rep, err)
				return rep, err
			}
			recent, loaded = evs, true
			pet = c.loadPet(ctx, owner)
		}

		occ := feeding.OccurrenceAt(s, now)
		if AlreadyFired(s.ID, occ.Date, recent, now.Location()) {
			res.State = StateSkipped
			rep.Results = append(rep.Results, res)
			log.Debug("already fired", logx.String("occurrence", occ.Key()))
			c.publish(eventbus.DispatchSkipped, eventbus.Dispatch{
				Owner: owner, ScheduleID: s.ID, Trigger: string(feeding.TriggerScheduled), Portion: s.Portion, OccurredAt: now,
			})
			continue
		}

		ev, actErr, err := c.dispatch(ctx, owner, feeding.StringPtr(s.ID), s.Portion, feeding.TriggerScheduled, now, pet)
		if ev == nil {
			// The owner lock wait was cancelled; nothing was sent.
			rep.Duration = time.Since(start)
			err = fmt.Errorf("tick cancelled: %w", err)
			c.aborted(rep, err)
			return rep, err
		}
		res.Latency = ev.Latency
		res.Err = actErr
		if actErr != nil {
			res.State = StateFailed
		} else {
			res.State = StateSucceeded
		}
		if err != nil {
			res.Err = errors.Join(actErr, err)
			rep.Results = append(rep.Results, res)
			rep.Duration = time.Since(start)
			c.aborted(rep, err)
			return rep, err
		}
		res.EventID = ev.ID
		rep.Results = append(rep.Results, res)
		recent = append(recent, *ev)
	}

	rep.Duration = time.Since(start)
	if rep.Due() > 0 {
		log.Info("tick done",
			logx.Int("evaluated", len(rep.Results)),
			logx.Int("succeeded", rep.Count(StateSucceeded)),
			logx.Int("failed", rep.Count(StateFailed)),
			logx.Int("skipped", rep.Count(StateSkipped)),
			logx.Duration("took", rep.Duration),
		)
	}
	c.publish(eventbus.TickCompleted, eventbus.Tick{
		Owner: owner, At: now, Duration: rep.Duration, Evaluated: len(rep.Results), Due: rep.Due(),
	})
	return rep, nil
}

// DispatchManual sends portion to owner's device right away. Matching and
// dedup do not apply; every call is attempted and recorded. The actuator
// error, if any, is returned to the caller.
func (c *Coordinator) DispatchManual(ctx context.Context, owner string, portion float64) (feeding.DispatchEvent, error) {
	if strings.TrimSpace(owner) == "" {
		return feeding.DispatchEvent{}, errors.New("owner is required")
	}
	ev, actErr, err := c.dispatch(ctx, owner, nil, portion, feeding.TriggerManual, c.now(), c.loadPet(ctx, owner))
	if ev == nil {
		return feeding.DispatchEvent{}, err
	}
	if err != nil {
		return *ev, errors.Join(actErr, err)
	}
	return *ev, actErr
}

type petStamp struct {
	name string
	typ  string
}

func (c *Coordinator) loadPet(ctx context.Context, owner string) petStamp {
	if c.pets == nil {
		return petStamp{}
	}
	p, ok, err := c.pets.Pet(ctx, owner)
	if err != nil {
		c.log.Warn("pet lookup failed", logx.Owner(owner), logx.Err(err))
		return petStamp{}
	}
	if !ok {
		return petStamp{}
	}
	return petStamp{name: p.Name, typ: p.Type}
}

// dispatch performs one actuator call under the owner lock and appends its
// event. ev is nil only when the lock wait was cancelled; then err is the
// context error. actErr is the actuator outcome. err is non-nil when the
// event could not be recorded.
func (c *Coordinator) dispatch(ctx context.Context, owner string, scheduleID *string, portion float64,
	kind feeding.TriggerKind, decidedAt time.Time, pet petStamp,
) (ev *feeding.DispatchEvent, actErr error, err error) {
	lock := c.locks.get(owner)
	if err := lock.acquire(ctx); err != nil {
		return nil, nil, err
	}
	defer lock.release()

	var latency time.Duration
	if actErr = c.cfg.Portion.Check(portion); actErr == nil {
		var client actuator.Client
		client, actErr = c.devices.For(owner)
		if actErr == nil {
			latency, actErr = client.Dispatch(ctx, portion)
		}
	}

	e := feeding.DispatchEvent{
		ID:          feeding.NewEventID(),
		OwnerID:     owner,
		ScheduleID:  scheduleID,
		Portion:     portion,
		OccurredAt:  decidedAt.Truncate(time.Second),
		Outcome:     feeding.OutcomeSucceeded,
		TriggerKind: kind,
		Latency:     latency,
		PetName:     pet.name,
		PetType:     pet.typ,
	}
	if actErr != nil {
		e.Outcome = feeding.OutcomeFailed
		e.Error = actErr.Error()
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.AppendTimeout)
	defer cancel()
	note := eventbus.Dispatch{
		EventID:    e.ID,
		Owner:      owner,
		ScheduleID: e.ScheduleRef(),
		Trigger:    string(kind),
		Portion:    portion,
		OccurredAt: e.OccurredAt,
		Latency:    latency,
		Error:      e.Error,
		ErrorKind:  feeding.ErrorKind(actErr),
	}
	if aerr := c.events.Append(actx, e); aerr != nil {
		c.log.Error("dispatch not recorded; next tick may dispense again",
			logx.Owner(owner),
			logx.String("schedule", e.ScheduleRef()),
			logx.String("outcome", string(e.Outcome)),
			logx.Float64("portion", portion),
			logx.Err(aerr),
		)
		c.publish(eventbus.DispatchUnrecorded, note)
		return &e, actErr, fmt.Errorf("%w: append event: %w", feeding.ErrStoreUnavailable, aerr)
	}

	if actErr != nil {
		c.log.Warn("dispatch failed",
			logx.Owner(owner),
			logx.String("schedule", e.ScheduleRef()),
			logx.String("trigger", string(kind)),
			logx.Duration("latency", latency),
			logx.Err(actErr),
		)
		c.publish(eventbus.DispatchFailed, note)
	} else {
		c.log.Info("dispensed",
			logx.Owner(owner),
			logx.String("schedule", e.ScheduleRef()),
			logx.String("trigger", string(kind)),
			logx.Float64("portion", portion),
			logx.Duration("latency", latency),
		)
		c.publish(eventbus.DispatchSucceeded, note)
	}
	return &e, actErr, nil
}

func (c *Coordinator) now() time.Time {
	return c.clock.Now().In(c.clock.Location())
}

func (c *Coordinator) aborted(rep TickReport, err error) {
	c.log.Error("tick aborted", logx.Owner(rep.Owner), logx.Int("evaluated", len(rep.Results)), logx.Err(err))
	c.publish(eventbus.TickAborted, eventbus.Tick{
		Owner: rep.Owner, At: rep.Now, Duration: rep.Duration, Evaluated: len(rep.Results), Due: rep.Due(), Error: err.Error(),
	})
}

func (c *Coordinator) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
