package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"petfeeder/internal/dispatch"
	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeding"
	"petfeeder/internal/storage"
	"petfeeder/internal/task/engine"
	logx "petfeeder/pkg/logx"
)

type fakeTicker struct {
	mu    sync.Mutex
	calls map[string]int
	seen  map[string]int
	block chan struct{}
	err   error
}

func newFakeTicker() *fakeTicker {
	return &fakeTicker{calls: map[string]int{}, seen: map[string]int{}}
}

func (f *fakeTicker) RunTickFor(ctx context.Context, owner string, schedules []feeding.Schedule) (dispatch.TickReport, error) {
	f.mu.Lock()
	f.calls[owner]++
	f.seen[owner] = len(schedules)
	block, err := f.block, f.err
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return dispatch.TickReport{Owner: owner}, ctx.Err()
		}
	}
	return dispatch.TickReport{Owner: owner}, err
}

func (f *fakeTicker) count(owner string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[owner]
}

func (f *fakeTicker) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in %s", within)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func seed(t *testing.T, store *storage.Memory) {
	t.Helper()
	ctx := context.Background()
	for i, s := range []feeding.Schedule{
		{ID: "a1", OwnerID: "alice", TimeOfDay: feeding.TimeOfDay{Hour: 8}, Portion: 1, Days: feeding.AllDays, Enabled: true},
		{ID: "a2", OwnerID: "alice", TimeOfDay: feeding.TimeOfDay{Hour: 18}, Portion: 1, Days: feeding.AllDays, Enabled: true},
		{ID: "b1", OwnerID: "bob", TimeOfDay: feeding.TimeOfDay{Hour: 7}, Portion: 2, Days: feeding.AllDays, Enabled: true},
		{ID: "c1", OwnerID: "carol", TimeOfDay: feeding.TimeOfDay{Hour: 9}, Portion: 1, Days: feeding.AllDays, Enabled: false},
	} {
		if err := store.PutSchedule(ctx, s, i); err != nil {
			t.Fatalf("PutSchedule: %v", err)
		}
	}
}

func newService(t *testing.T, cfg Config, store storage.ScheduleStore, ticker Ticker, bus eventbus.Bus) (*Service, *engine.Service) {
	t.Helper()
	eng := engine.New(engine.Config{Workers: 4, QueueSize: 16}, logx.Nop(), bus)
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})
	return New(cfg, eng, store, ticker, logx.Nop(), bus), eng
}

func TestSweepEnqueuesOneTickPerOwner(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seed(t, store)
	ticker := newFakeTicker()
	s, _ := newService(t, Config{TickInterval: time.Minute}, store, ticker, eventbus.New())

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if res.Owners != 2 || res.Enqueued != 2 || res.Skipped != 0 || res.Dropped != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	waitFor(t, 2*time.Second, func() bool { return ticker.total() == 2 })

	ticker.mu.Lock()
	defer ticker.mu.Unlock()
	owners := make([]string, 0, len(ticker.calls))
	for o := range ticker.calls {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	if len(owners) != 2 || owners[0] != "alice" || owners[1] != "bob" {
		t.Fatalf("owners=%v", owners)
	}
	if ticker.seen["alice"] != 2 || ticker.seen["bob"] != 1 {
		t.Fatalf("schedules passed: %v", ticker.seen)
	}
}

func TestSweepSkipsOwnerStillTicking(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seed(t, store)
	ticker := newFakeTicker()
	ticker.block = make(chan struct{})
	s, _ := newService(t, Config{TickInterval: time.Minute}, store, ticker, eventbus.New())

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return ticker.total() == 2 })

	res, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("second Sweep: %v", err)
	}
	if res.Skipped != 2 || res.Enqueued != 0 {
		t.Fatalf("expected both owners skipped, got %+v", res)
	}

	ticker.mu.Lock()
	close(ticker.block)
	ticker.block = nil
	ticker.mu.Unlock()

	// Gates release once the blocked ticks return.
	waitFor(t, 2*time.Second, func() bool {
		_, _ = s.Sweep(context.Background())
		return ticker.count("alice") >= 2 && ticker.count("bob") >= 2
	})
}

func TestSweepStoreFailure(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seed(t, store)
	store.SetFailures(errors.New("db down"), nil, nil)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8, eventbus.SweepCompleted)
	defer unsub()
	ticker := newFakeTicker()
	s, _ := newService(t, Config{TickInterval: time.Minute}, store, ticker, bus)

	res, err := s.Sweep(context.Background())
	if !errors.Is(err, feeding.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if res.Enqueued != 0 || res.Error == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	select {
	case ev := <-events:
		sw, ok := ev.Data.(eventbus.Sweep)
		if !ok || sw.Error == "" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sweep event")
	}

	snap := s.Snapshot()
	if snap.Sweeps != 1 || snap.Last == nil || snap.Last.Error == "" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if ticker.total() != 0 {
		t.Fatalf("no tick may run after a failed listing")
	}
}

func TestTickInFlightIsNotAnError(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seed(t, store)
	ticker := newFakeTicker()
	ticker.err = feeding.ErrTickInFlight
	s, eng := newService(t, Config{TickInterval: time.Minute}, store, ticker, eventbus.New())

	if _, err := s.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(eng.Snapshot().History) == 2 })
	for _, h := range eng.Snapshot().History {
		if h.Error != "" {
			t.Fatalf("history should be clean: %+v", h)
		}
	}
}

func TestStartRunsPeriodicSweeps(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seed(t, store)
	ticker := newFakeTicker()
	s, _ := newService(t, Config{TickInterval: time.Second, Align: true, Location: time.UTC}, store, ticker, eventbus.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer func() {
		stopCtx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		s.Stop(stopCtx)
	}()

	snap := s.Snapshot()
	if !snap.Running || snap.Timezone != "UTC" || snap.Next.IsZero() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	waitFor(t, 3*time.Second, func() bool { return ticker.count("alice") >= 1 && ticker.count("bob") >= 1 })
}

func TestApplyReschedules(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	s, _ := newService(t, Config{TickInterval: time.Minute, Location: time.UTC}, store, newFakeTicker(), eventbus.New())
	s.Start(context.Background())
	defer s.Stop(context.Background())

	s.Apply(Config{TickInterval: 20 * time.Second, TickTimeout: 5 * time.Second, Location: time.FixedZone("X", 3600)})
	snap := s.Snapshot()
	if snap.TickInterval != 20*time.Second || snap.TickTimeout != 5*time.Second {
		t.Fatalf("config not applied: %+v", snap)
	}
	if snap.Timezone != "UTC" {
		t.Fatalf("location must stay fixed, got %s", snap.Timezone)
	}
	if snap.Next.IsZero() {
		t.Fatalf("sweep not rescheduled")
	}
}

func TestAlignedScheduleNext(t *testing.T) {
	t.Parallel()
	sched := alignedSchedule{every: 30 * time.Second}
	cases := []struct {
		in, want time.Time
	}{
		{time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC), time.Date(2024, 3, 4, 8, 0, 30, 0, time.UTC)},
		{time.Date(2024, 3, 4, 8, 0, 12, 500, time.UTC), time.Date(2024, 3, 4, 8, 0, 30, 0, time.UTC)},
		{time.Date(2024, 3, 4, 8, 0, 30, 1, time.UTC), time.Date(2024, 3, 4, 8, 1, 0, 0, time.UTC)},
		{time.Date(2024, 3, 4, 23, 59, 45, 0, time.UTC), time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := sched.Next(tc.in); !got.Equal(tc.want) {
			t.Fatalf("Next(%s)=%s want %s", tc.in, got, tc.want)
		}
	}
}

func TestMakeSweepScheduleUnaligned(t *testing.T) {
	t.Parallel()
	sched := makeSweepSchedule(Config{TickInterval: 30 * time.Second})
	now := time.Date(2024, 3, 4, 8, 0, 12, 0, time.UTC)
	if got := sched.Next(now); !got.Equal(now.Add(30 * time.Second)) {
		t.Fatalf("Next=%s", got)
	}
}

func TestWarnLimiterPerOwner(t *testing.T) {
	t.Parallel()
	w := warnLimiter{every: time.Minute}
	now := time.Now()
	if !w.allow("o1", now) || !w.allow("o2", now) {
		t.Fatalf("first warning per owner must pass")
	}
	if w.allow("o1", now.Add(30*time.Second)) {
		t.Fatalf("second warning inside the interval must be held back")
	}
	if !w.allow("o1", now.Add(61*time.Second)) {
		t.Fatalf("warning after the interval must pass")
	}
	w.retain(map[string]struct{}{"o1": {}})
	if _, ok := w.last["o2"]; ok {
		t.Fatalf("retain kept a vanished owner")
	}
	if got := classifyEnqueue(engine.ErrQueueFull); got != dropped {
		t.Fatalf("queue full classified as %v", got)
	}
	if got := classifyEnqueue(fmt.Errorf("wrap: %w", engine.ErrOverlapSkip)); got != skippedInFlight {
		t.Fatalf("overlap classified as %v", got)
	}
}
