package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"petfeeder/internal/feeding"
	logx "petfeeder/pkg/logx"
)

//go:embed schema_sqlite.sql schema_postgres.sql
var schemaFS embed.FS

// dialect captures the few differences between the SQL backends.
type dialect struct {
	name   string
	schema string
	// dollar switches "?" placeholders to "$1, $2, ...".
	dollar bool
}

var (
	dialectSQLite   = dialect{name: "sqlite", schema: "schema_sqlite.sql"}
	dialectPostgres = dialect{name: "postgres", schema: "schema_postgres.sql", dollar: true}
)

// rebind rewrites "?" placeholders for the dialect. Queries here never
// contain literal question marks.
func (d dialect) rebind(q string) string {
	if !d.dollar {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// sqlStore implements Store over database/sql for every SQL dialect.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := schemaFS.ReadFile(s.d.schema)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const scheduleColumns = `id, owner_id, time_of_day, portion, days, enabled`

func (s *sqlStore) ListEnabledSchedules(ctx context.Context, owner string) ([]feeding.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT `+scheduleColumns+`
		 FROM feed_schedules
		 WHERE owner_id = ? AND enabled
		 ORDER BY position, id`), owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feeding.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if errors.Is(err, errMalformedSchedule) {
			s.log.Warn("skipping malformed schedule", logx.Err(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqlStore) ListEnabledSchedulesAll(ctx context.Context) (map[string][]feeding.Schedule, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+`
		 FROM feed_schedules
		 WHERE enabled
		 ORDER BY owner_id, position, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string][]feeding.Schedule)
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if errors.Is(err, errMalformedSchedule) {
			s.log.Warn("skipping malformed schedule", logx.Err(err))
			continue
		}
		if err != nil {
			return nil, err
		}
		out[sc.OwnerID] = append(out[sc.OwnerID], sc)
	}
	return out, rows.Err()
}

// errMalformedSchedule marks a row that scanned but cannot be interpreted.
// Such rows are skipped so one bad schedule never hides the others.
var errMalformedSchedule = errors.New("malformed schedule")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (feeding.Schedule, error) {
	var (
		sc   feeding.Schedule
		tod  string
		days string
	)
	if err := r.Scan(&sc.ID, &sc.OwnerID, &tod, &sc.Portion, &days, &sc.Enabled); err != nil {
		return feeding.Schedule{}, err
	}
	t, err := feeding.ParseTimeOfDay(tod)
	if err != nil {
		return feeding.Schedule{}, fmt.Errorf("%w %s (owner %s): %v", errMalformedSchedule, sc.ID, sc.OwnerID, err)
	}
	sc.TimeOfDay = t
	// Unknown labels leave the set empty, which the matcher treats as never due.
	ds, err := feeding.ParseDaySet(days)
	if err == nil {
		sc.Days = ds
	}
	return sc, nil
}

func (s *sqlStore) PutSchedule(ctx context.Context, sc feeding.Schedule, position int) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(sc.ID) == "" || strings.TrimSpace(sc.OwnerID) == "" {
		return errors.New("schedule id and owner are required")
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO feed_schedules(id, owner_id, time_of_day, portion, days, enabled, position)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   owner_id=excluded.owner_id, time_of_day=excluded.time_of_day, portion=excluded.portion,
		   days=excluded.days, enabled=excluded.enabled, position=excluded.position`),
		sc.ID, sc.OwnerID, sc.TimeOfDay.String(), sc.Portion, sc.Days.String(), sc.Enabled, position,
	)
	return err
}

func (s *sqlStore) Append(ctx context.Context, ev feeding.DispatchEvent) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if ev.ID == "" {
		ev.ID = feeding.NewEventID()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO feed_history(id, owner_id, schedule_id, portion, occurred_at, outcome, trigger_kind, latency_ms, error, pet_name, pet_type)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		ev.ID, ev.OwnerID, nullStrPtr(ev.ScheduleID), ev.Portion, ev.OccurredAt.Unix(),
		string(ev.Outcome), string(ev.TriggerKind), ev.Latency.Milliseconds(), ev.Error, ev.PetName, ev.PetType,
	)
	return err
}

func (s *sqlStore) Recent(ctx context.Context, owner string, since time.Time) ([]feeding.DispatchEvent, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, s.d.rebind(
		`SELECT id, owner_id, schedule_id, portion, occurred_at, outcome, trigger_kind, latency_ms, error, pet_name, pet_type
		 FROM feed_history
		 WHERE owner_id = ? AND occurred_at >= ?
		 ORDER BY occurred_at DESC, id DESC`), owner, since.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feeding.DispatchEvent
	for rows.Next() {
		var (
			ev        feeding.DispatchEvent
			sched     sql.NullString
			at        int64
			outcome   string
			trigger   string
			latencyMS int64
		)
		if err := rows.Scan(&ev.ID, &ev.OwnerID, &sched, &ev.Portion, &at, &outcome, &trigger,
			&latencyMS, &ev.Error, &ev.PetName, &ev.PetType); err != nil {
			return nil, err
		}
		if sched.Valid {
			ev.ScheduleID = feeding.StringPtr(sched.String)
		}
		ev.OccurredAt = time.Unix(at, 0)
		ev.Outcome = feeding.Outcome(outcome)
		ev.TriggerKind = feeding.TriggerKind(trigger)
		ev.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *sqlStore) Pet(ctx context.Context, owner string) (feeding.PetProfile, bool, error) {
	if s == nil || s.db == nil {
		return feeding.PetProfile{}, false, ErrClosed
	}
	p := feeding.PetProfile{OwnerID: owner}
	err := s.db.QueryRowContext(ctx, s.d.rebind(`SELECT name, type FROM pets WHERE owner_id = ?`), owner).
		Scan(&p.Name, &p.Type)
	if errors.Is(err, sql.ErrNoRows) {
		return feeding.PetProfile{}, false, nil
	}
	if err != nil {
		return feeding.PetProfile{}, false, err
	}
	return p, true, nil
}

func (s *sqlStore) PutPet(ctx context.Context, p feeding.PetProfile) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if strings.TrimSpace(p.OwnerID) == "" {
		return errors.New("pet owner is required")
	}
	_, err := s.db.ExecContext(ctx, s.d.rebind(
		`INSERT INTO pets(owner_id, name, type) VALUES(?,?,?)
		 ON CONFLICT(owner_id) DO UPDATE SET name=excluded.name, type=excluded.type`),
		p.OwnerID, p.Name, p.Type,
	)
	return err
}

func nullStrPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
