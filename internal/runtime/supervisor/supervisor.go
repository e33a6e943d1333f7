// Package supervisor runs the daemon's long-lived goroutines: task engine
// workers, the cron sweep host, the ops server and the config watcher.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "petfeeder/pkg/logx"
)

// Supervisor runs named goroutines under one cancellable context. Panics
// become errors, the first failure is kept for health output, and loops
// started with GoRestart come back after a backoff.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	log         logx.Logger
	cancelOnErr bool

	wg    sync.WaitGroup
	done  chan struct{}
	watch sync.Once

	errMu    sync.Mutex
	firstErr error

	stats tracker
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels every sibling when one goroutine fails.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{ctx: ctx, cancel: cancel, done: make(chan struct{}), log: logx.Nop()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the shared context without waiting.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first recorded failure.
func (s *Supervisor) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.firstErr
}

func (s *Supervisor) record(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

// Snapshot lists per-name goroutine stats, active ones first.
func (s *Supervisor) Snapshot() []Stats {
	if s == nil {
		return nil
	}
	return s.stats.list()
}

func (s *Supervisor) spawn(name string, body func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.log.Debug("goroutine started", logx.String("name", name))
		body()
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// call runs fn once with the shared context, turning a panic into an error.
func (s *Supervisor) call(name string, fn func(ctx context.Context) error) (err error) {
	s.stats.update(name, func(st *Stats) { st.Active++ })
	defer s.stats.update(name, func(st *Stats) { st.Active-- })
	defer func() {
		if r := recover(); r != nil {
			s.stats.update(name, func(st *Stats) { st.Panics++ })
			s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

func (s *Supervisor) failed(name string, err error) error {
	err = fmt.Errorf("%s: %w", name, err)
	s.stats.update(name, func(st *Stats) { st.LastErr, st.LastErrAt = err.Error(), time.Now() })
	return err
}

// Go runs fn once. Returning context.Canceled counts as a clean exit.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.spawn(name, func() {
		err := s.call(name, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		s.record(s.failed(name, err))
		if s.cancelOnErr {
			s.cancel()
		}
	})
}

// Go0 runs a loop that cannot fail.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

type RestartOption func(*restartPolicy)

type restartPolicy struct {
	floor, ceil time.Duration
	limit       int // 0 means unlimited
	publish     bool
}

func WithRestartBackoff(floor, ceil time.Duration) RestartOption {
	return func(p *restartPolicy) {
		if floor > 0 {
			p.floor = floor
		}
		if ceil > 0 {
			p.ceil = ceil
		}
	}
}

// WithMaxRestarts gives up after n restarts. The first run does not count.
func WithMaxRestarts(n int) RestartOption { return func(p *restartPolicy) { p.limit = max(n, 0) } }

// WithPublishFirstError makes restarted failures visible through Err, and
// so through /healthz.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(p *restartPolicy) { p.publish = enabled }
}

// healthyRun is how long a run must last before the backoff starts over.
const healthyRun = 30 * time.Second

// GoRestart runs fn and restarts it after an error or panic. A nil return
// or cancellation ends the loop.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	p := restartPolicy{floor: 250 * time.Millisecond, ceil: 30 * time.Second}
	for _, o := range opts {
		o(&p)
	}
	p.ceil = max(p.ceil, p.floor)

	s.spawn(name, func() {
		delay := p.floor
		for restarts := 0; ; restarts++ {
			began := time.Now()
			err := s.call(name, fn)
			if err == nil || errors.Is(err, context.Canceled) || s.ctx.Err() != nil {
				return
			}
			err = s.failed(name, err)
			if p.publish {
				s.record(err)
			}
			if p.limit > 0 && restarts >= p.limit {
				s.log.Error("goroutine gave up", logx.String("name", name), logx.Int("restarts", restarts), logx.Err(err))
				s.record(err)
				if s.cancelOnErr {
					s.cancel()
				}
				return
			}
			if time.Since(began) >= healthyRun {
				delay = p.floor
			}
			wait := jitter(delay)
			s.log.Warn("goroutine restarting", logx.String("name", name), logx.Duration("backoff", wait), logx.Err(err))
			if !s.sleep(wait) {
				return
			}
			s.stats.update(name, func(st *Stats) { st.Restarts++ })
			delay = min(delay*2, p.ceil)
		}
	})
}

// jitter adds up to 20% to d.
func jitter(d time.Duration) time.Duration {
	if j := int64(d) / 5; j > 0 {
		d += time.Duration(time.Now().UnixNano() % (j + 1))
	}
	return d
}

func (s *Supervisor) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Stop cancels the context and waits like Wait.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has returned or ctx ends, then reports
// the first failure.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.watch.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}
