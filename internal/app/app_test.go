package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"petfeeder/internal/actuator"
	"petfeeder/internal/alert"
	"petfeeder/internal/clock"
	"petfeeder/internal/config"
	"petfeeder/internal/feeding"
	"petfeeder/internal/opsserver"
	"petfeeder/internal/storage"
)

const testConfig = `{
  "logging": {"level": "error"},
  "engine": {"match_window": "60s", "tick_interval": "1s", "timezone": "UTC"},
  "storage": {"driver": "memory"}
}`

type recordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Send(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func waitFor(t *testing.T, within time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(within)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in %s", within)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newConfigFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "feeder.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

type fixture struct {
	app   *App
	store *storage.Memory
	dev   *actuator.Fake
	sink  *recordingSink
	path  string
}

func newFixture(t *testing.T, body string) *fixture {
	t.Helper()
	path := newConfigFile(t, body)
	cfgm := config.NewConfigManager(path)
	cfgm.SetEnv(nil)
	if _, err := cfgm.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	store := storage.NewMemory()
	ctx := context.Background()
	if err := store.PutSchedule(ctx, feeding.Schedule{
		ID: "s1", OwnerID: "o1", TimeOfDay: feeding.TimeOfDay{Hour: 8}, Portion: 1.5, Days: feeding.AllDays, Enabled: true,
	}, 0); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}
	if err := store.PutPet(ctx, feeding.PetProfile{OwnerID: "o1", Name: "Rex", Type: "dog"}); err != nil {
		t.Fatalf("PutPet: %v", err)
	}

	dev := actuator.NewFake()
	sink := &recordingSink{}
	a, err := New(cfgm,
		WithStore(store),
		WithDevices(actuator.Single{Client: dev}),
		WithClock(clock.NewFixed(time.Date(2024, 3, 4, 8, 0, 15, 0, time.UTC))),
		WithAlertSinks(sink),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{app: a, store: store, dev: dev, sink: sink, path: path}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.app.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.app.Stop(ctx, StopUnknown)
	})
}

func TestAppSweepDispatchesOncePerOccurrence(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig)
	f.start(t)

	waitFor(t, 5*time.Second, func() bool { return len(f.store.Events()) == 1 })
	if err := f.app.Health(); err != nil {
		t.Fatalf("Health: %v", err)
	}

	// Later sweeps see the succeeded event and skip.
	waitFor(t, 5*time.Second, func() bool { return f.app.Status().Scheduler.Sweeps >= 3 })
	events := f.store.Events()
	if len(events) != 1 {
		t.Fatalf("expected exactly one event, got %d", len(events))
	}
	ev := events[0]
	if ev.Outcome != feeding.OutcomeSucceeded || ev.TriggerKind != feeding.TriggerScheduled {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ScheduleID == nil || *ev.ScheduleID != "s1" || ev.PetName != "Rex" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if got := f.dev.Calls(); len(got) != 1 || got[0] != 1.5 {
		t.Fatalf("actuator calls=%v", got)
	}
}

func TestAppUnrecordedDispatchAlerts(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig)
	f.store.SetFailures(nil, nil, errors.New("disk full"))
	f.start(t)

	waitFor(t, 5*time.Second, func() bool { return f.sink.count() >= 1 })
	f.sink.mu.Lock()
	a := f.sink.alerts[0]
	f.sink.mu.Unlock()
	if a.Severity != alert.SeverityCritical || a.Owner != "o1" {
		t.Fatalf("unexpected alert: %+v", a)
	}
}

func TestAppManualDispatch(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig)
	defer f.app.Stop(context.Background(), StopCommand)

	ev, err := f.app.Coordinator().DispatchManual(context.Background(), "o1", 0.5)
	if err != nil {
		t.Fatalf("DispatchManual: %v", err)
	}
	if ev.TriggerKind != feeding.TriggerManual || ev.ScheduleID != nil {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if _, err := f.app.Coordinator().DispatchManual(context.Background(), "o1", 50); !errors.Is(err, feeding.ErrInvalidPortion) {
		t.Fatalf("expected ErrInvalidPortion, got %v", err)
	}
}

func TestAppStopWithoutStartClosesStore(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig)
	if err := f.app.Health(); err == nil {
		t.Fatalf("health must fail before Start")
	}
	if err := f.app.Stop(context.Background(), StopCommand); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, err := f.store.ListEnabledSchedules(context.Background(), "o1"); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected store closed, got %v", err)
	}
}

func TestAppHotReloadAppliesSweepInterval(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig)
	f.start(t)
	// Let the watcher register before writing.
	time.Sleep(200 * time.Millisecond)

	updated := `{
  "logging": {"level": "error"},
  "engine": {"match_window": "60s", "tick_interval": "2s", "tick_timeout": "10s", "timezone": "UTC"},
  "storage": {"driver": "memory"}
}`
	if err := os.WriteFile(f.path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		s := f.app.Status().Scheduler
		return s.TickInterval == 2*time.Second && s.TickTimeout == 10*time.Second
	})
	if got := f.app.Status().Scheduler.Timezone; got != "UTC" {
		t.Fatalf("timezone changed on reload: %s", got)
	}
}

func TestAppHotReloadClampsIntervalToRunningWindow(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig)
	f.start(t)
	time.Sleep(200 * time.Millisecond)

	// Both values grow, but match_window needs a restart.
	updated := `{
  "logging": {"level": "error"},
  "engine": {"match_window": "120s", "tick_interval": "90s", "timezone": "UTC"},
  "storage": {"driver": "memory"}
}`
	if err := os.WriteFile(f.path, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		return f.app.Status().Scheduler.TickInterval != time.Second
	})
	window := f.app.Coordinator().MatchWindow()
	if window != time.Minute {
		t.Fatalf("match_window changed live: %s", window)
	}
	if got := f.app.Status().Scheduler.TickInterval; got != window {
		t.Fatalf("tick_interval=%s, want clamped to %s", got, window)
	}
}

func TestNewRejectsBadStorage(t *testing.T) {
	t.Parallel()
	cfgm := config.NewConfigManager(newConfigFile(t, `{"storage":{"driver":"sqlite","path":"`+t.TempDir()+`"}}`))
	cfgm.SetEnv(nil)
	_, err := New(cfgm)
	if !errors.Is(err, feeding.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfgm := config.NewConfigManager(newConfigFile(t, `{"engine":{"match_window":"10s","tick_interval":"30s"}}`))
	cfgm.SetEnv(nil)
	if _, err := New(cfgm); !errors.Is(err, feeding.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestMapTaskEngineConfigDefaults(t *testing.T) {
	t.Parallel()
	es, err := config.EngineConfig{}.Settings()
	if err != nil {
		t.Fatalf("Settings: %v", err)
	}
	got, err := mapTaskEngineConfig(&config.Config{}, es)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if got.Workers != 4 || got.QueueSize != 256 || got.HistorySize != 200 {
		t.Fatalf("unexpected defaults: %+v", got)
	}
	if got.MaxQueueDelay != es.MatchWindow || got.DefaultTimeout != es.TickTimeout {
		t.Fatalf("timing not derived from engine: %+v", got)
	}

	got, err = mapTaskEngineConfig(&config.Config{TaskEngine: config.TaskEngineConfig{MaxQueueDelay: "0s"}}, es)
	if err != nil || got.MaxQueueDelay != 0 {
		t.Fatalf("explicit 0s must disable dropping: %+v %v", got, err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in     config.StorageConfig
		driver string
		path   string
	}{
		{config.StorageConfig{}, "sqlite", "./data/feeder.db"},
		{config.StorageConfig{Driver: "SQLite3", Path: "/var/lib/feeder.db"}, "sqlite", "/var/lib/feeder.db"},
		{config.StorageConfig{Driver: "postgres", DSN: " postgres://x "}, "postgres", ""},
		{config.StorageConfig{Driver: "memory"}, "memory", ""},
	}
	for _, tc := range cases {
		got, err := mapStorageConfig(&config.Config{Storage: tc.in})
		if err != nil {
			t.Fatalf("%+v: %v", tc.in, err)
		}
		if got.Driver != tc.driver || got.Path != tc.path {
			t.Fatalf("%+v: got %+v", tc.in, got)
		}
	}
}

func TestMapOpsAndAlertDefaults(t *testing.T) {
	t.Parallel()
	oc, err := mapOpsConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapOpsConfig: %v", err)
	}
	if oc.Addr != opsserver.DefaultAddr || oc.Enabled || oc.ReadTimeout != 10*time.Second {
		t.Fatalf("unexpected ops config: %+v", oc)
	}

	ac, err := mapAlertConfig(&config.Config{})
	if err != nil {
		t.Fatalf("mapAlertConfig: %v", err)
	}
	if !ac.Enabled || ac.DedupWindow != 10*time.Minute || ac.Telegram.Token != "" {
		t.Fatalf("unexpected alert config: %+v", ac)
	}
}
