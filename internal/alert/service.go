package alert

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"petfeeder/internal/eventbus"
	rtsup "petfeeder/internal/runtime/supervisor"
	logx "petfeeder/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alert queue full")
	ErrStopped   = errors.New("alerts stopped")
)

const historySize = 300

// Service queues alerts and fans each one out to every sink. Delivery is
// rate limited, retried with backoff and deduplicated per key; a failing
// sink never holds up the others.
type Service struct {
	log   logx.Logger
	bus   eventbus.Bus
	sinks []Sink
	seen  deduper

	mu        sync.Mutex
	cfg       Config
	limiter   *rate.Limiter
	sup       *rtsup.Supervisor
	stopWatch context.CancelFunc
	halting   chan struct{} // closed when a pending Stop finishes

	// intake guards queue: Notify sends under the read lock, Stop closes
	// under the write lock, so a send never hits a closed channel.
	intake sync.RWMutex
	queue  chan delivery

	hmu     sync.Mutex
	history []HistoryItem
}

type delivery struct {
	alert Alert
	key   string
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{log: log.With(logx.Component("alert")), bus: bus, sinks: sinks}
	s.Apply(cfg)
	return s
}

func withDefaults(cfg Config) Config {
	cfg.Workers = cmp.Or(max(cfg.Workers, 0), 1)
	cfg.QueueSize = cmp.Or(max(cfg.QueueSize, 0), 256)
	cfg.RatePerSec = cmp.Or(max(cfg.RatePerSec, 0), 1)
	cfg.RetryMax = max(cfg.RetryMax, 0)
	cfg.RetryBase = cmp.Or(max(cfg.RetryBase, 0), 500*time.Millisecond)
	cfg.RetryMaxDelay = cmp.Or(max(cfg.RetryMaxDelay, 0), 10*time.Second)
	cfg.DedupWindow = max(cfg.DedupWindow, 0)
	cfg.DedupMaxEntries = cmp.Or(max(cfg.DedupMaxEntries, 0), 2000)
	return cfg
}

func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sup
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate, retry and dedup settings live. Workers and queue size
// take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	s.cfg = cfg
	// Burst equals the per-second rate so a short spike is not held back.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

func (s *Service) settings() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

// Start launches the delivery workers and, when a bus is set, the watcher
// that turns dispatch, tick and sweep events into alerts.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if h := s.halting; h != nil {
		s.mu.Unlock()
		select {
		case <-h:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return
	}

	q := make(chan delivery, s.cfg.QueueSize)
	// Alert failures never take the dispatcher down.
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	for i := range s.cfg.Workers {
		s.sup.GoRestart(fmt.Sprintf("alert.worker.%d", i), func(ctx context.Context) error {
			return s.drain(ctx, q)
		}, rtsup.WithPublishFirstError(true))
	}
	if s.bus != nil {
		ch, unsub := s.bus.Subscribe(256, "dispatch.", "tick.", eventbus.SweepCompleted)
		watchCtx, cancel := context.WithCancel(s.sup.Context())
		s.stopWatch = cancel
		s.sup.Go0("alert.watch", func(context.Context) {
			defer unsub()
			s.watch(watchCtx, ch)
		})
	}

	s.intake.Lock()
	s.queue = q
	s.intake.Unlock()
	s.log.Info("alerts started", logx.Int("workers", s.cfg.Workers), logx.Int("sinks", len(s.sinks)))
}

// Stop closes intake and lets the workers drain what is queued until ctx
// ends; whatever is left then is abandoned.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, halting := s.sup, s.halting
	switch {
	case sup == nil:
		s.mu.Unlock()
		return
	case halting != nil:
		s.mu.Unlock()
		select {
		case <-halting:
		case <-ctx.Done():
		}
		return
	}
	halting = make(chan struct{})
	s.halting = halting
	stopWatch := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()

	if stopWatch != nil {
		stopWatch()
	}
	s.intake.Lock()
	if s.queue != nil {
		close(s.queue)
		s.queue = nil
	}
	s.intake.Unlock()

	go func() {
		_ = sup.Wait(context.Background())
		s.mu.Lock()
		s.sup, s.halting = nil, nil
		s.mu.Unlock()
		close(halting)
	}()

	select {
	case <-halting:
	case <-ctx.Done():
		sup.Cancel()
		<-halting
	}
	s.log.Info("alerts stopped")
}

// Notify queues a. Duplicates inside the dedup window are dropped silently.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cfg, _ := s.settings()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	key := a.dedupKey()

	s.intake.RLock()
	defer s.intake.RUnlock()
	if s.queue == nil {
		return ErrStopped
	}
	if !s.seen.admit(key, a.At, cfg.DedupWindow, cfg.DedupMaxEntries) {
		s.publish("alert.deduped", Event{Key: key, At: a.At})
		return nil
	}
	select {
	case s.queue <- delivery{alert: a, key: key}:
		s.publish("alert.queued", Event{Key: key, At: a.At})
		return nil
	default:
		s.publish("alert.dropped", Event{Key: key, At: a.At, Error: ErrQueueFull.Error()})
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) remember(sink string, a Alert) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Severity: a.Severity.String(), Sink: sink, Text: a.Text})
	if n := len(s.history) - historySize; n > 0 {
		s.history = append(s.history[:0], s.history[n:]...)
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}
