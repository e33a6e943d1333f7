package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"petfeeder/internal/eventbus"
	"petfeeder/internal/feeding"
	logx "petfeeder/pkg/logx"
)

type recordSink struct {
	mu   sync.Mutex
	got  []Alert
	fail int
}

func (r *recordSink) Name() string { return "record" }

func (r *recordSink) Send(_ context.Context, a Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("sink down")
	}
	r.got = append(r.got, a)
	return nil
}

func (r *recordSink) alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.got...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startService(t *testing.T, cfg Config, bus eventbus.Bus, sinks ...Sink) *Service {
	t.Helper()
	cfg.Enabled = true
	if cfg.RatePerSec == 0 {
		cfg.RatePerSec = 100
	}
	s := New(cfg, sinks, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyDeliversToEverySink(t *testing.T) {
	t.Parallel()
	a, b := &recordSink{}, &recordSink{}
	s := startService(t, Config{}, nil, a, b)

	if err := s.Notify(context.Background(), Alert{Severity: SeverityWarning, Text: "hello"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(a.alerts()) == 1 && len(b.alerts()) == 1 })
	if h := s.Snapshot(); len(h) != 2 || h[0].Severity != "warning" {
		t.Fatalf("unexpected history: %+v", h)
	}
}

func TestNotifyDedupWindow(t *testing.T) {
	t.Parallel()
	sink := &recordSink{}
	s := startService(t, Config{DedupWindow: time.Minute}, nil, sink)

	for i := 0; i < 3; i++ {
		if err := s.Notify(context.Background(), Alert{Severity: SeverityCritical, Key: "k", Owner: "o1", Text: "same"}); err != nil {
			t.Fatalf("Notify: %v", err)
		}
	}
	// A different owner is a different alert.
	if err := s.Notify(context.Background(), Alert{Severity: SeverityCritical, Key: "k", Owner: "o2", Text: "same"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(sink.alerts()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(sink.alerts()); n != 2 {
		t.Fatalf("expected 2 deliveries, got %d", n)
	}
}

func TestNotifyRetriesFailingSink(t *testing.T) {
	t.Parallel()
	sink := &recordSink{fail: 2}
	s := startService(t, Config{RetryMax: 2, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, nil, sink)

	if err := s.Notify(context.Background(), Alert{Text: "x"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(sink.alerts()) == 1 })
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	off := New(Config{}, nil, logx.Nop(), nil)
	if err := off.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}

	s := New(Config{Enabled: true}, []Sink{&recordSink{}}, logx.Nop(), nil)
	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped before Start, got %v", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify(context.Background(), Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped after Stop, got %v", err)
	}
}

func TestWatchRaisesAlertsFromBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &recordSink{}
	startService(t, Config{FailedDispatches: true}, bus, sink)

	now := time.Now()
	bus.Publish(eventbus.Event{Type: eventbus.DispatchSucceeded, Time: now, Data: eventbus.Dispatch{Owner: "o1", ScheduleID: "s1", Trigger: "scheduled"}})
	bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Time: now, Data: eventbus.Dispatch{Owner: "o1", ScheduleID: "s1", Trigger: string(feeding.TriggerManual), Error: "x"}})
	bus.Publish(eventbus.Event{Type: eventbus.DispatchUnrecorded, Time: now, Data: eventbus.Dispatch{Owner: "o1", ScheduleID: "s1", Portion: 1.5, Error: "disk full"}})
	bus.Publish(eventbus.Event{Type: eventbus.DispatchFailed, Time: now, Data: eventbus.Dispatch{Owner: "o1", ScheduleID: "s2", Trigger: string(feeding.TriggerScheduled), ErrorKind: "unreachable", Error: "timeout"}})
	bus.Publish(eventbus.Event{Type: eventbus.TickAborted, Time: now, Data: eventbus.Tick{Owner: "o2", Error: "store unavailable"}})
	bus.Publish(eventbus.Event{Type: eventbus.SweepCompleted, Time: now, Data: eventbus.Sweep{Owners: 3}})

	waitFor(t, func() bool { return len(sink.alerts()) == 3 })
	got := sink.alerts()
	if got[0].Severity != SeverityCritical || !strings.Contains(got[0].Text, "not recorded") {
		t.Fatalf("unexpected first alert: %+v", got[0])
	}
	if got[1].Owner != "o1" || !strings.Contains(got[1].Text, "s2") {
		t.Fatalf("unexpected second alert: %+v", got[1])
	}
	if got[2].Owner != "o2" || got[2].Severity != SeverityWarning {
		t.Fatalf("unexpected third alert: %+v", got[2])
	}
}

func TestUnrecordedManualDispatchesAlertSeparately(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &recordSink{}
	startService(t, Config{DedupWindow: 10 * time.Minute}, bus, sink)

	at := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)
	for _, id := range []string{"ev-1", "ev-2"} {
		bus.Publish(eventbus.Event{Type: eventbus.DispatchUnrecorded, Time: at, Data: eventbus.Dispatch{
			EventID: id, Owner: "o1", Trigger: string(feeding.TriggerManual), Portion: 1, OccurredAt: at, Error: "disk full",
		}})
	}
	waitFor(t, func() bool { return len(sink.alerts()) == 2 })

	a, _ := New(Config{}, nil, logx.Nop(), nil).fromEvent(eventbus.Event{Type: eventbus.DispatchUnrecorded,
		Data: eventbus.Dispatch{Owner: "o1", OccurredAt: at}})
	b, _ := New(Config{}, nil, logx.Nop(), nil).fromEvent(eventbus.Event{Type: eventbus.DispatchUnrecorded,
		Data: eventbus.Dispatch{Owner: "o1", OccurredAt: at.Add(time.Second)}})
	if a.Key == b.Key {
		t.Fatalf("keys collide without event id: %q", a.Key)
	}
}

func TestFromEventIgnoresFailedDispatchesWhenOff(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, nil, logx.Nop(), nil)
	_, ok := s.fromEvent(eventbus.Event{Type: eventbus.DispatchFailed, Data: eventbus.Dispatch{Trigger: "scheduled"}})
	if ok {
		t.Fatalf("failed dispatch should not alert when disabled")
	}
	a, ok := s.fromEvent(eventbus.Event{Type: eventbus.SweepCompleted, Data: eventbus.Sweep{Error: "db down"}})
	if !ok || a.Key != "sweep-aborted" {
		t.Fatalf("sweep error should alert: %+v ok=%v", a, ok)
	}
}

func TestLogSink(t *testing.T) {
	t.Parallel()
	var buf strings.Builder
	sink := LogSink{Log: logx.NewWriter(&buf, "info")}
	if err := sink.Send(context.Background(), Alert{Severity: SeverityCritical, Key: "k", Owner: "o1", Text: "boom"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, "ALERT: boom") || !strings.Contains(out, `"owner":"o1"`) {
		t.Fatalf("unexpected log line: %s", out)
	}
}

func TestTelegramSinkSendsMessage(t *testing.T) {
	t.Parallel()
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.HasSuffix(r.URL.Path, "/sendMessage") {
			select {
			case got <- string(body):
			default:
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"private"},"text":"ok"}}`)
	}))
	defer srv.Close()

	sink, err := NewTelegramSink(TelegramConfig{Token: "123:abc", ChatID: 42, URL: srv.URL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewTelegramSink: %v", err)
	}
	if err := sink.Send(context.Background(), Alert{Severity: SeverityCritical, Text: "feeder offline"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case body := <-got:
		if !strings.Contains(body, "42") || !strings.Contains(body, "feeder offline") {
			t.Fatalf("unexpected body: %s", body)
		}
	case <-time.After(time.Second):
		t.Fatalf("no sendMessage request")
	}
}

func TestTelegramSinkConfig(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegramSink(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatalf("expected token error")
	}
	if _, err := NewTelegramSink(TelegramConfig{Token: "1:a"}); err == nil {
		t.Fatalf("expected chat id error")
	}
}

func TestTruncateText(t *testing.T) {
	t.Parallel()
	if got := truncateText("héllo", 10); got != "héllo" {
		t.Fatalf("got %q", got)
	}
	if got := truncateText("héllo", 4); got != "hél…" {
		t.Fatalf("got %q", got)
	}
}

func TestDeduperPrunesAndCaps(t *testing.T) {
	t.Parallel()
	var d deduper
	now := time.Now()
	if !d.admit("a", now, time.Minute, 2) || d.admit("a", now.Add(time.Second), time.Minute, 2) {
		t.Fatalf("repeat inside window must be suppressed")
	}
	d.admit("b", now, time.Minute, 2)
	d.admit("c", now, time.Minute, 2)
	if d.size() != 2 {
		t.Fatalf("cap not enforced: %d entries", d.size())
	}
	// "a" was evicted as the oldest entry and is admitted again.
	if !d.admit("a", now.Add(2*time.Second), time.Minute, 2) {
		t.Fatalf("evicted key must be admitted")
	}
	if !d.admit("b", now.Add(2*time.Minute), time.Minute, 2) {
		t.Fatalf("key must be admitted after its window")
	}
	if !d.admit("x", now, 0, 2) || !d.admit("x", now, 0, 2) {
		t.Fatalf("zero window disables dedup")
	}
}

func TestBackoffBounds(t *testing.T) {
	t.Parallel()
	for attempt := 1; attempt <= 8; attempt++ {
		d := backoff(100*time.Millisecond, time.Second, attempt)
		if d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: %s out of range", attempt, d)
		}
	}
	if d := backoff(100*time.Millisecond, time.Second, 10); d < 500*time.Millisecond {
		t.Fatalf("late attempts should sit near the ceiling, got %s", d)
	}
}
