// Package postgres persists attendance records and their outbox events in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/observability"
	"example.com/attendance/internal/persistence"
	platformevents "example.com/attendance/pkg/platform/events"
)

const uniqueViolation = "23505"

const recordColumns = `record_id, user_id, to_char(work_date, 'YYYY-MM-DD'), status, clock_in, clock_out, last_active_at,
        active_seconds, sessions, breaks, daily_report, version, created_at, updated_at`

// Repository provides Postgres-backed persistence for attendance records and outbox events.
type Repository struct {
	pool *pgxpool.Pool
	loc  *time.Location
}

// NewRepository constructs a Repository. loc is the zone work dates are interpreted in.
func NewRepository(pool *pgxpool.Pool, loc *time.Location) *Repository {
	if loc == nil {
		loc = time.UTC
	}
	return &Repository{pool: pool, loc: loc}
}

// FindActive returns the user's clocked-in or away record on any day.
func (r *Repository) FindActive(ctx context.Context, userID string) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + `
        FROM attendance_records
        WHERE user_id=$1 AND status IN ('clocked-in', 'away')
        LIMIT 1`

	rec, err := r.scanRecord(r.pool.QueryRow(ctx, query, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// FindByDate returns the user's record for a calendar day.
func (r *Repository) FindByDate(ctx context.Context, userID string, date time.Time) (*domain.Record, error) {
	query := `SELECT ` + recordColumns + `
        FROM attendance_records
        WHERE user_id=$1 AND work_date=$2::date`

	rec, err := r.scanRecord(r.pool.QueryRow(ctx, query, userID, persistence.DateKey(date)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return rec, nil
}

// Create inserts a new record and its outbox events inside a single transaction.
func (r *Repository) Create(ctx context.Context, rec domain.Record, transition domain.Transition) error {
	sessions, breaks, err := persistence.EncodeLogs(rec)
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const insertRecord = `INSERT INTO attendance_records (record_id, user_id, work_date, status, clock_in, clock_out, last_active_at,
        active_seconds, sessions, breaks, daily_report, version, created_at, updated_at)
        VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

	_, err = tx.Exec(ctx, insertRecord,
		rec.ID,
		rec.UserID,
		persistence.DateKey(rec.Date),
		string(rec.Status),
		rec.ClockIn,
		rec.ClockOut,
		rec.LastActiveAt,
		rec.ActiveSeconds,
		sessions,
		breaks,
		rec.DailyReport,
		rec.Version,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		err = mapWriteError(err)
		return err
	}

	if err = r.insertEvents(ctx, tx, rec, rec.Version, transition); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordPersisted("postgres", rec.UpdatedAt)
	return nil
}

// Update applies rec only when the stored row still carries rec.Version and the
// expected status. The version is bumped in the same statement.
func (r *Repository) Update(ctx context.Context, rec domain.Record, expected domain.Status, transition domain.Transition) error {
	sessions, breaks, err := persistence.EncodeLogs(rec)
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const updateRecord = `UPDATE attendance_records
        SET status=$4, clock_in=$5, clock_out=$6, last_active_at=$7, active_seconds=$8,
            sessions=$9, breaks=$10, daily_report=$11, updated_at=$12, version=version+1
        WHERE record_id=$1 AND version=$2 AND status=$3`

	tag, err := tx.Exec(ctx, updateRecord,
		rec.ID,
		rec.Version,
		string(expected),
		string(rec.Status),
		rec.ClockIn,
		rec.ClockOut,
		rec.LastActiveAt,
		rec.ActiveSeconds,
		sessions,
		breaks,
		rec.DailyReport,
		rec.UpdatedAt,
	)
	if err != nil {
		err = mapWriteError(err)
		return err
	}
	if tag.RowsAffected() == 0 {
		err = fmt.Errorf("%w: record %s no longer at version %d (%s)", domain.ErrStaleRecord, rec.ID, rec.Version, expected)
		return err
	}

	if err = r.insertEvents(ctx, tx, rec, rec.Version+1, transition); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordPersisted("postgres", rec.UpdatedAt)
	return nil
}

// ListRange returns the user's records whose work date falls in [from, to], oldest first.
func (r *Repository) ListRange(ctx context.Context, userID string, from, to time.Time) ([]domain.Record, error) {
	query := `SELECT ` + recordColumns + `
        FROM attendance_records
        WHERE user_id=$1 AND work_date BETWEEN $2::date AND $3::date
        ORDER BY work_date`

	rows, err := r.pool.Query(ctx, query, userID, persistence.DateKey(from), persistence.DateKey(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := make([]domain.Record, 0)
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (r *Repository) scanRecord(row pgx.Row) (*domain.Record, error) {
	var (
		rec      domain.Record
		dateKey  string
		status   string
		sessions []byte
		breaks   []byte
	)
	if err := row.Scan(&rec.ID, &rec.UserID, &dateKey, &status, &rec.ClockIn, &rec.ClockOut, &rec.LastActiveAt,
		&rec.ActiveSeconds, &sessions, &breaks, &rec.DailyReport, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}

	day, err := persistence.ParseDateKey(dateKey, r.loc)
	if err != nil {
		return nil, err
	}
	rec.Date = day
	rec.Status = domain.Status(status)
	if err := persistence.DecodeLogs(&rec, sessions, breaks); err != nil {
		return nil, fmt.Errorf("record %s: %w", rec.ID, err)
	}
	return &rec, nil
}

func (r *Repository) insertEvents(ctx context.Context, tx pgx.Tx, rec domain.Record, version int64, transition domain.Transition) error {
	workDate := persistence.DateKey(rec.Date)

	if err := r.insertOutbox(ctx, tx, rec, version, platformevents.TypeAttendanceTransitioned, platformevents.AttendanceTransitioned{
		RecordID:      rec.ID,
		UserID:        rec.UserID,
		WorkDate:      workDate,
		Action:        string(transition.Action),
		FromStatus:    string(transition.From),
		ToStatus:      string(transition.To),
		OccurredAt:    transition.OccurredAt,
		ActiveSeconds: transition.ActiveSeconds,
	}); err != nil {
		return err
	}

	if transition.Action != domain.ActionClockOut || rec.ClockOut == nil {
		return nil
	}
	return r.insertOutbox(ctx, tx, rec, version, platformevents.TypeAttendanceDayClosed, platformevents.AttendanceDayClosed{
		RecordID:          rec.ID,
		UserID:            rec.UserID,
		WorkDate:          workDate,
		ClockIn:           rec.ClockIn,
		ClockOut:          *rec.ClockOut,
		ActiveSeconds:     rec.ActiveSeconds,
		TotalBreakSeconds: rec.TotalBreakSeconds(),
		BreaksCount:       len(rec.Breaks),
		DailyReport:       rec.DailyReport,
	})
}

func (r *Repository) insertOutbox(ctx context.Context, tx pgx.Tx, rec domain.Record, version int64, eventType string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	meta := eventCatalog[eventType]
	if meta.Topic == "" {
		return fmt.Errorf("unknown event type: %s", eventType)
	}

	partitionKey := meta.PartitionKeyFn(rec)
	dedupeKey := fmt.Sprintf("%s:%d:%s", rec.ID, version, eventType)

	const stmt = `INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, schema_subject, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

	_, err = tx.Exec(ctx, stmt,
		rec.UserID,
		"attendance_record",
		rec.ID,
		eventType,
		meta.Topic,
		meta.SchemaSubject,
		partitionKey,
		body,
		dedupeKey,
	)
	return err
}

// mapWriteError turns unique-index conflicts into stale-record errors. Both the
// (user, day) key and the one-active-session index surface as 23505.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", domain.ErrStaleRecord, pgErr.ConstraintName)
	}
	return err
}

// EventMetadata describes how to route an outbox event.
type EventMetadata struct {
	Topic          string
	SchemaSubject  string
	PartitionKeyFn func(domain.Record) string
}

var eventCatalog = map[string]EventMetadata{
	platformevents.TypeAttendanceTransitioned: {
		Topic:         "attendance_events",
		SchemaSubject: "attendance_events-value",
		PartitionKeyFn: func(rec domain.Record) string {
			return rec.UserID
		},
	},
	platformevents.TypeAttendanceDayClosed: {
		Topic:         "attendance_day_closed",
		SchemaSubject: "attendance_day_closed-value",
		PartitionKeyFn: func(rec domain.Record) string {
			return rec.ID
		},
	},
}
