package actuator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"petfeeder/internal/feeding"
)

// Fake is an in-memory Client. Results are consumed in order; once exhausted
// every call succeeds. Delay, if set, blocks until it elapses or ctx is done;
// Timeout bounds each call the way HTTPClient does.
type Fake struct {
	Delay   time.Duration
	Timeout time.Duration
	Level   float64
	Portion feeding.PortionBounds

	mu      sync.Mutex
	results []error
	calls   []float64

	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func NewFake(results ...error) *Fake {
	return &Fake{results: results, Level: 100}
}

func (f *Fake) Dispatch(ctx context.Context, portion float64) (time.Duration, error) {
	if f.Portion != (feeding.PortionBounds{}) {
		if err := f.Portion.Check(portion); err != nil {
			return 0, err
		}
	}

	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		m := f.maxInflight.Load()
		if n <= m || f.maxInflight.CompareAndSwap(m, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, portion)
	var res error
	if len(f.results) > 0 {
		res = f.results[0]
		f.results = f.results[1:]
	}
	f.mu.Unlock()

	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	start := time.Now()
	if f.Delay > 0 {
		t := time.NewTimer(f.Delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return time.Since(start), fmt.Errorf("%w: %v", feeding.ErrActuatorUnreachable, ctx.Err())
		}
	}
	return time.Since(start), res
}

func (f *Fake) FoodLevel(context.Context) (float64, error) { return f.Level, nil }

// Calls returns the portions passed to Dispatch so far.
func (f *Fake) Calls() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.calls...)
}

// MaxInflight is the highest number of concurrent Dispatch calls observed.
func (f *Fake) MaxInflight() int { return int(f.maxInflight.Load()) }
