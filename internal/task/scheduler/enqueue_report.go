package scheduler

import (
	"errors"
	"sync"
	"time"

	"petfeeder/internal/task/engine"
	logx "petfeeder/pkg/logx"
)

const enqueueWarnEvery = 5 * time.Second

type enqueueOutcome int

const (
	enqueued enqueueOutcome = iota
	skippedInFlight
	dropped
)

func classifyEnqueue(err error) enqueueOutcome {
	switch {
	case err == nil:
		return enqueued
	case errors.Is(err, engine.ErrOverlapSkip):
		return skippedInFlight
	default:
		return dropped
	}
}

// warnLimiter lets one warning per owner through every interval, so a
// saturated queue does not log once per owner per sweep.
type warnLimiter struct {
	mu    sync.Mutex
	every time.Duration
	last  map[string]time.Time
}

func (w *warnLimiter) allow(owner string, now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		w.last = make(map[string]time.Time)
	}
	if t, ok := w.last[owner]; ok && now.Sub(t) < w.every {
		return false
	}
	w.last[owner] = now
	return true
}

// retain forgets owners that no longer have enabled schedules.
func (w *warnLimiter) retain(owners map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for o := range w.last {
		if _, ok := owners[o]; !ok {
			delete(w.last, o)
		}
	}
}

// reportEnqueue logs a failed owner enqueue and tells the sweep how to count it.
func (s *Service) reportEnqueue(owner string, err error) enqueueOutcome {
	out := classifyEnqueue(err)
	switch out {
	case skippedInFlight:
		// The previous tick for this owner is still running; the next sweep retries.
		s.log.Debug("owner tick still in flight; skipped", logx.Owner(owner))
	case dropped:
		if s.enqWarn.allow(owner, time.Now()) {
			s.log.Warn("owner tick not enqueued", logx.Owner(owner), logx.Err(err))
		}
	}
	return out
}
