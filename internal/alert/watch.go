package alert

import (
	"context"
	"errors"
	"fmt"

	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeding"
	logx "petfeeder/pkg/logx"
)

func (s *Service) watch(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			a, ok := s.fromEvent(ev)
			if !ok {
				continue
			}
			if err := s.Notify(ctx, a); err != nil && !errors.Is(err, ErrStopped) {
				s.log.Warn("alert dropped", logx.String("event", ev.Type), logx.Err(err))
			}
		}
	}
}

// fromEvent maps a bus event to an alert. ok is false for events that never
// page an operator.
func (s *Service) fromEvent(ev eventbus.Event) (Alert, bool) {
	s.mu.Lock()
	failed := s.cfg.FailedDispatches
	s.mu.Unlock()

	switch ev.Type {
	case eventbus.DispatchUnrecorded:
		d, ok := ev.Data.(eventbus.Dispatch)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Severity: SeverityCritical,
			Key:      unrecordedKey(d),
			Owner:    d.Owner,
			At:       ev.Time,
			Text: fmt.Sprintf("Dispatch of %g for owner %s (schedule %s) reached the feeder but was not recorded: %s",
				d.Portion, d.Owner, orManual(d.ScheduleID), d.Error),
		}, true

	case eventbus.TickAborted:
		t, ok := ev.Data.(eventbus.Tick)
		if !ok {
			return Alert{}, false
		}
		return Alert{
			Severity: SeverityWarning,
			Key:      "tick-aborted",
			Owner:    t.Owner,
			At:       ev.Time,
			Text:     fmt.Sprintf("Tick for owner %s aborted: %s", t.Owner, t.Error),
		}, true

	case eventbus.DispatchFailed:
		d, ok := ev.Data.(eventbus.Dispatch)
		if !ok || !failed || d.Trigger != string(feeding.TriggerScheduled) {
			return Alert{}, false
		}
		return Alert{
			Severity: SeverityWarning,
			Key:      "failed:" + d.ScheduleID + ":" + d.ErrorKind,
			Owner:    d.Owner,
			At:       ev.Time,
			Text: fmt.Sprintf("Scheduled feeding %s for owner %s failed (%s): %s",
				d.ScheduleID, d.Owner, d.ErrorKind, d.Error),
		}, true

	case eventbus.SweepCompleted:
		sw, ok := ev.Data.(eventbus.Sweep)
		if !ok || sw.Error == "" {
			return Alert{}, false
		}
		return Alert{
			Severity: SeverityWarning,
			Key:      "sweep-aborted",
			At:       ev.Time,
			Text:     "Schedule sweep aborted: " + sw.Error,
		}, true
	}
	return Alert{}, false
}

// unrecordedKey is unique per dispatch: every unrecorded dispense is a
// separate physical feed and must page on its own.
func unrecordedKey(d eventbus.Dispatch) string {
	if d.EventID != "" {
		return "unrecorded:" + d.EventID
	}
	return fmt.Sprintf("unrecorded:%s@%d", d.ScheduleID, d.OccurredAt.UnixNano())
}

func orManual(scheduleID string) string {
	if scheduleID == "" {
		return "manual"
	}
	return scheduleID
}
