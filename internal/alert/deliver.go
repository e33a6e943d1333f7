package alert

import (
	"context"
	"math/rand/v2"
	"time"

	logx "petfeeder/pkg/logx"
)

const sinkTimeout = 10 * time.Second

// drain delivers queued alerts until the queue is closed and empty.
func (s *Service) drain(ctx context.Context, q <-chan delivery) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case d, ok := <-q:
			if !ok {
				return nil
			}
			s.fanOut(ctx, d)
		}
	}
}

func (s *Service) fanOut(ctx context.Context, d delivery) {
	cfg, lim := s.settings()
	if err := lim.Wait(ctx); err != nil {
		return
	}
	for _, sink := range s.sinks {
		s.sendTo(ctx, cfg, sink, d)
	}
}

func (s *Service) sendTo(ctx context.Context, cfg Config, sink Sink, d delivery) {
	attempts := 1 + cfg.RetryMax
	var err error
	for n := 1; ; n++ {
		callCtx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err = sink.Send(callCtx, d.alert)
		cancel()
		if err == nil {
			s.remember(sink.Name(), d.alert)
			s.publish("alert.sent", Event{Sink: sink.Name(), Key: d.key, At: time.Now()})
			return
		}
		s.log.Debug("alert send failed", logx.String("sink", sink.Name()), logx.Int("attempt", n), logx.Int("of", attempts), logx.Err(err))
		if n >= attempts {
			break
		}
		t := time.NewTimer(backoff(cfg.RetryBase, cfg.RetryMaxDelay, n))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert not delivered", logx.String("sink", sink.Name()), logx.Int("attempts", attempts), logx.Err(err))
	s.publish("alert.failed", Event{Sink: sink.Name(), Key: d.key, At: time.Now(), Error: err.Error()})
}

// backoff doubles base per attempt up to ceil and spreads the result over
// [d/2, d) so sinks recovering together are not hit in lockstep.
func backoff(base, ceil time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt && d < ceil; i++ {
		d *= 2
	}
	d = min(d, ceil)
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half)
}
