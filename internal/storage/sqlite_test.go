package storage

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"petfeeder/internal/feeding"
	logx "petfeeder/pkg/logx"
)

func openTestSQLite(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "feeder.db"),
		BusyTimeout: time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSQLiteSchedules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	put := func(s feeding.Schedule, pos int) {
		t.Helper()
		if err := st.PutSchedule(ctx, s, pos); err != nil {
			t.Fatalf("PutSchedule(%s): %v", s.ID, err)
		}
	}
	put(feeding.Schedule{ID: "b", OwnerID: "o1", TimeOfDay: feeding.TimeOfDay{Hour: 18}, Portion: 1.5,
		Days: feeding.NewDaySet(time.Monday, time.Friday), Enabled: true}, 2)
	put(feeding.Schedule{ID: "a", OwnerID: "o1", TimeOfDay: feeding.TimeOfDay{Hour: 8}, Portion: 1,
		Days: feeding.AllDays, Enabled: true}, 1)
	put(feeding.Schedule{ID: "off", OwnerID: "o1", TimeOfDay: feeding.TimeOfDay{Hour: 12}, Portion: 1,
		Days: feeding.AllDays, Enabled: false}, 3)
	put(feeding.Schedule{ID: "c", OwnerID: "o2", TimeOfDay: feeding.TimeOfDay{Hour: 7, Minute: 30}, Portion: 2,
		Days: feeding.NewDaySet(time.Sunday), Enabled: true}, 1)

	got, err := st.ListEnabledSchedules(ctx, "o1")
	if err != nil {
		t.Fatalf("ListEnabledSchedules: %v", err)
	}
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
		t.Fatalf("unexpected schedules: %+v", got)
	}
	if got[1].TimeOfDay != (feeding.TimeOfDay{Hour: 18}) || got[1].Portion != 1.5 {
		t.Fatalf("unexpected fields: %+v", got[1])
	}
	if !got[1].Days.Has(time.Friday) || got[1].Days.Has(time.Tuesday) {
		t.Fatalf("days not round-tripped: %s", got[1].Days)
	}

	all, err := st.ListEnabledSchedulesAll(ctx)
	if err != nil {
		t.Fatalf("ListEnabledSchedulesAll: %v", err)
	}
	if len(all) != 2 || len(all["o1"]) != 2 || len(all["o2"]) != 1 {
		t.Fatalf("unexpected grouping: %+v", all)
	}

	// Upsert disables a schedule.
	put(feeding.Schedule{ID: "a", OwnerID: "o1", TimeOfDay: feeding.TimeOfDay{Hour: 8}, Portion: 1,
		Days: feeding.AllDays, Enabled: false}, 1)
	got, _ = st.ListEnabledSchedules(ctx, "o1")
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("after disable: %+v", got)
	}
}

func TestSQLiteSkipsMalformedSchedule(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	if err := st.PutSchedule(ctx, feeding.Schedule{ID: "good", OwnerID: "o1", TimeOfDay: feeding.TimeOfDay{Hour: 8},
		Portion: 1, Days: feeding.AllDays, Enabled: true}, 0); err != nil {
		t.Fatalf("PutSchedule: %v", err)
	}
	db := st.(*sqlStore).db
	if _, err := db.ExecContext(ctx,
		`INSERT INTO feed_schedules(id, owner_id, time_of_day, portion, days, enabled, position)
		 VALUES('bad','o2','8am',1,'Monday',1,0), ('bad2','o1','25:00',1,'Monday',1,1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	all, err := st.ListEnabledSchedulesAll(ctx)
	if err != nil {
		t.Fatalf("ListEnabledSchedulesAll: %v", err)
	}
	if len(all) != 1 || len(all["o1"]) != 1 || all["o1"][0].ID != "good" {
		t.Fatalf("unexpected schedules: %+v", all)
	}

	one, err := st.ListEnabledSchedules(ctx, "o1")
	if err != nil {
		t.Fatalf("ListEnabledSchedules: %v", err)
	}
	if len(one) != 1 || one[0].ID != "good" {
		t.Fatalf("unexpected owner schedules: %+v", one)
	}
}

func TestSQLiteEventsRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	base := time.Date(2024, 3, 4, 8, 0, 15, 0, time.UTC)
	evs := []feeding.DispatchEvent{
		{OwnerID: "o1", ScheduleID: feeding.StringPtr("s1"), Portion: 1, OccurredAt: base.Add(-24 * time.Hour),
			Outcome: feeding.OutcomeSucceeded, TriggerKind: feeding.TriggerScheduled},
		{OwnerID: "o1", ScheduleID: feeding.StringPtr("s1"), Portion: 1, OccurredAt: base,
			Outcome: feeding.OutcomeFailed, TriggerKind: feeding.TriggerScheduled, Error: "actuator unreachable",
			Latency: 1500 * time.Millisecond},
		{OwnerID: "o1", Portion: 2, OccurredAt: base.Add(30 * time.Second),
			Outcome: feeding.OutcomeSucceeded, TriggerKind: feeding.TriggerManual, PetName: "Rex", PetType: "dog"},
		{OwnerID: "o2", ScheduleID: feeding.StringPtr("s9"), Portion: 1, OccurredAt: base,
			Outcome: feeding.OutcomeSucceeded, TriggerKind: feeding.TriggerScheduled},
	}
	for _, ev := range evs {
		if err := st.Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	since := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	got, err := st.Recent(ctx, "o1", since)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events since midnight, got %d", len(got))
	}
	if got[0].TriggerKind != feeding.TriggerManual || got[0].ScheduleID != nil {
		t.Fatalf("newest first expected manual event, got %+v", got[0])
	}
	if got[0].PetName != "Rex" || got[0].PetType != "dog" {
		t.Fatalf("pet not stored: %+v", got[0])
	}
	if got[1].ScheduleRef() != "s1" || got[1].Outcome != feeding.OutcomeFailed {
		t.Fatalf("unexpected second event: %+v", got[1])
	}
	if got[1].Latency != 1500*time.Millisecond || got[1].Error == "" {
		t.Fatalf("latency/error not stored: %+v", got[1])
	}
	if !got[1].OccurredAt.Equal(base) {
		t.Fatalf("occurred_at=%s want %s", got[1].OccurredAt, base)
	}
	if got[0].ID == "" {
		t.Fatalf("expected generated event id")
	}
}

func TestSQLitePets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestSQLite(t)

	if _, ok, err := st.Pet(ctx, "o1"); err != nil || ok {
		t.Fatalf("missing pet: ok=%v err=%v", ok, err)
	}
	if err := st.PutPet(ctx, feeding.PetProfile{OwnerID: "o1", Name: "Mochi", Type: "cat"}); err != nil {
		t.Fatalf("PutPet: %v", err)
	}
	p, ok, err := st.Pet(ctx, "o1")
	if err != nil || !ok || p.Name != "Mochi" || p.Type != "cat" {
		t.Fatalf("Pet: %+v ok=%v err=%v", p, ok, err)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); err == nil {
		t.Fatalf("expected missing path error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestSQLiteDSNCarriesPragmas(t *testing.T) {
	t.Parallel()
	dsn := sqliteDSN("/var/lib/feeder.db", 0)
	for _, want := range []string{"file:/var/lib/feeder.db?", "busy_timeout%281000%29", "journal_mode%28WAL%29", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Fatalf("dsn %q missing %q", dsn, want)
		}
	}
	if _, err := Open(Config{Driver: "sqlite3", Path: t.TempDir()}, logx.Nop()); err == nil {
		t.Fatalf("expected error for a directory path")
	}
	if d, ok := CanonicalDriver(" PostgreSQL "); !ok || d != "postgres" {
		t.Fatalf("CanonicalDriver=%q,%v", d, ok)
	}
}
