package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/observability"
	"example.com/attendance/internal/persistence"
)

const recordColumns = `record_id, user_id, work_date, status, clock_in_ns, clock_out_ns, last_active_at_ns,
  active_seconds, sessions, breaks, daily_report, version, created_at_ns, updated_at_ns`

// Store keeps attendance records in SQLite. Reads use the connection directly;
// writes are serialised through the Worker.
type Store struct {
	db     *sql.DB
	writer *Worker
	loc    *time.Location
}

// NewStore constructs a Store. loc is the zone work dates are interpreted in.
func NewStore(db *sql.DB, writer *Worker, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{db: db, writer: writer, loc: loc}
}

// FindActive implements domain.Store.
func (s *Store) FindActive(ctx context.Context, userID string) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM attendance_records
WHERE user_id = ? AND status IN ('clocked-in', 'away')
LIMIT 1;
`, userID)

	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindActive query: %w", err)
	}
	return rec, nil
}

// FindByDate implements domain.Store.
func (s *Store) FindByDate(ctx context.Context, userID string, date time.Time) (*domain.Record, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+recordColumns+`
FROM attendance_records
WHERE user_id = ? AND work_date = ?;
`, userID, persistence.DateKey(date))

	rec, err := s.scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("FindByDate query: %w", err)
	}
	return rec, nil
}

// Create implements domain.Store.
func (s *Store) Create(ctx context.Context, rec domain.Record, transition domain.Transition) error {
	sessions, breaks, err := persistence.EncodeLogs(rec)
	if err != nil {
		return err
	}

	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO attendance_records(
  record_id, user_id, work_date, status, clock_in_ns, clock_out_ns, last_active_at_ns,
  active_seconds, sessions, breaks, daily_report, version, created_at_ns, updated_at_ns
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
			rec.ID, rec.UserID, persistence.DateKey(rec.Date), string(rec.Status),
			nullableNanos(rec.ClockIn), nullableNanos(rec.ClockOut), nullableNanos(rec.LastActiveAt),
			rec.ActiveSeconds, string(sessions), string(breaks), rec.DailyReport, rec.Version,
			rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
		); err != nil {
			return fmt.Errorf("Create insert record: %w", mapWriteError(err))
		}
		return insertTransition(ctx, tx, transition)
	})
	if err != nil {
		return err
	}
	observability.RecordPersisted("sqlite", rec.UpdatedAt)
	return nil
}

// Update implements domain.Store.
func (s *Store) Update(ctx context.Context, rec domain.Record, expected domain.Status, transition domain.Transition) error {
	sessions, breaks, err := persistence.EncodeLogs(rec)
	if err != nil {
		return err
	}

	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE attendance_records
SET status            = ?,
    clock_in_ns       = ?,
    clock_out_ns      = ?,
    last_active_at_ns = ?,
    active_seconds    = ?,
    sessions          = ?,
    breaks            = ?,
    daily_report      = ?,
    updated_at_ns     = ?,
    version           = version + 1
WHERE record_id = ? AND version = ? AND status = ?;
`,
			string(rec.Status),
			nullableNanos(rec.ClockIn), nullableNanos(rec.ClockOut), nullableNanos(rec.LastActiveAt),
			rec.ActiveSeconds, string(sessions), string(breaks), rec.DailyReport, rec.UpdatedAt.UnixNano(),
			rec.ID, rec.Version, string(expected),
		)
		if err != nil {
			return fmt.Errorf("Update record: %w", mapWriteError(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("Update rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: record %s no longer at version %d (%s)", domain.ErrStaleRecord, rec.ID, rec.Version, expected)
		}
		return insertTransition(ctx, tx, transition)
	})
	if err != nil {
		return err
	}
	observability.RecordPersisted("sqlite", rec.UpdatedAt)
	return nil
}

// ListRange implements domain.Store.
func (s *Store) ListRange(ctx context.Context, userID string, from, to time.Time) ([]domain.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+recordColumns+`
FROM attendance_records
WHERE user_id = ? AND work_date BETWEEN ? AND ?
ORDER BY work_date;
`, userID, persistence.DateKey(from), persistence.DateKey(to))
	if err != nil {
		return nil, fmt.Errorf("ListRange query: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Record, 0)
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ListRange scan: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ListRange rows: %w", err)
	}
	return out, nil
}

// Transitions returns the transition log of a record, oldest first.
func (s *Store) Transitions(ctx context.Context, recordID string) ([]domain.Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT record_id, user_id, work_date, action, from_status, to_status, occurred_at_ns, active_seconds
FROM attendance_transitions
WHERE record_id = ?
ORDER BY transition_id;
`, recordID)
	if err != nil {
		return nil, fmt.Errorf("Transitions query: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Transition, 0)
	for rows.Next() {
		var (
			t          domain.Transition
			workDate   string
			action     string
			from, to   string
			occurredNs int64
		)
		if err := rows.Scan(&t.RecordID, &t.UserID, &workDate, &action, &from, &to, &occurredNs, &t.ActiveSeconds); err != nil {
			return nil, fmt.Errorf("Transitions scan: %w", err)
		}
		day, err := persistence.ParseDateKey(workDate, s.loc)
		if err != nil {
			return nil, err
		}
		t.Date = day
		t.Action = domain.Action(action)
		t.From = domain.Status(from)
		t.To = domain.Status(to)
		t.OccurredAt = time.Unix(0, occurredNs).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRecord(row rowScanner) (*domain.Record, error) {
	var (
		rec                           domain.Record
		workDate, status              string
		clockIn, clockOut, lastActive sql.NullInt64
		sessions, breaks              string
		createdNs, updatedNs          int64
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &workDate, &status, &clockIn, &clockOut, &lastActive,
		&rec.ActiveSeconds, &sessions, &breaks, &rec.DailyReport, &rec.Version, &createdNs, &updatedNs); err != nil {
		return nil, err
	}

	day, err := persistence.ParseDateKey(workDate, s.loc)
	if err != nil {
		return nil, err
	}
	rec.Date = day
	rec.Status = domain.Status(status)
	rec.ClockIn = timeFromNanos(clockIn)
	rec.ClockOut = timeFromNanos(clockOut)
	rec.LastActiveAt = timeFromNanos(lastActive)
	rec.CreatedAt = time.Unix(0, createdNs).UTC()
	rec.UpdatedAt = time.Unix(0, updatedNs).UTC()
	if err := persistence.DecodeLogs(&rec, []byte(sessions), []byte(breaks)); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func insertTransition(ctx context.Context, tx *sql.Tx, t domain.Transition) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO attendance_transitions(
  record_id, user_id, work_date, action, from_status, to_status, occurred_at_ns, active_seconds
) VALUES (?, ?, ?, ?, ?, ?, ?, ?);
`, t.RecordID, t.UserID, persistence.DateKey(t.Date), string(t.Action), string(t.From), string(t.To),
		t.OccurredAt.UnixNano(), t.ActiveSeconds); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// mapWriteError reports unique-index conflicts on (user, day) and on the
// active-session index as stale records.
func mapWriteError(err error) error {
	var sqliteErr *sqlitedriver.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", domain.ErrStaleRecord, err)
		}
	}
	return err
}

func nullableNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func timeFromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
