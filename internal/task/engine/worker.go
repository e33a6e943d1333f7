package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	logx "petfeeder/pkg/logx"
)

const slowTask = 750 * time.Millisecond

// work serves the queue until the engine quits. A closed quit wins over
// queued work.
func (s *Service) work(ctx context.Context, quit <-chan struct{}, queue <-chan job) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-quit:
			return context.Canceled
		default:
		}
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-quit:
			return context.Canceled
		case j := <-queue:
			s.execute(ctx, j)
		}
	}
}

func (s *Service) execute(ctx context.Context, j job) {
	defer s.done(j)

	start := time.Now()
	run := Run{ID: j.task.ID, Name: j.task.Name, Key: j.key, Started: start, QueueDelay: max(start.Sub(j.queued), 0)}

	s.mu.Lock()
	limit := s.cfg.MaxQueueDelay
	s.mu.Unlock()
	if limit > 0 && run.QueueDelay > limit {
		run.Error = "stale_queue_delay"
		s.droppedStale.Add(1)
		s.hist.add(run)
		s.publish("task.dropped", run)
		if s.warn.allow("stale", start) {
			s.log.Warn("task dropped: waited too long for a worker",
				logx.String("task", j.task.Name),
				logx.Duration("queue_delay", run.QueueDelay),
				logx.Uint64("dropped_stale", s.droppedStale.Load()),
			)
		}
		return
	}

	s.publish("task.started", run)
	s.inFlight.Add(1)
	err := s.invoke(ctx, j)
	s.inFlight.Add(-1)
	run.Duration = time.Since(start)

	switch {
	case err != nil:
		run.Error = err.Error()
		s.log.Warn("task failed", logx.String("task", j.task.Name), logx.Err(err), logx.Duration("queue_delay", run.QueueDelay), logx.Duration("dur", run.Duration))
		s.publish("task.failed", run)
	case run.Duration >= slowTask:
		s.log.Info("slow task completed", logx.String("task", j.task.Name), logx.Duration("dur", run.Duration))
		s.publish("task.finished", run)
	default:
		s.log.Trace("task completed", logx.String("task", j.task.Name), logx.Duration("dur", run.Duration))
		s.publish("task.finished", run)
	}
	s.hist.add(run)
}

// invoke runs the task under its timeout. A panic becomes an error so one
// bad task cannot kill a worker.
func (s *Service) invoke(ctx context.Context, j job) (err error) {
	if j.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", j.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.task.Run(ctx)
}
