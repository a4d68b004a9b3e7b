package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	platformevents "example.com/attendance/pkg/platform/events"
)

// AuditHandler appends every event to attendance_event_log.
type AuditHandler struct {
	pool *pgxpool.Pool
}

// NewAuditHandler constructs an AuditHandler.
func NewAuditHandler(pool *pgxpool.Pool) *AuditHandler {
	return &AuditHandler{pool: pool}
}

// Handle inserts msg. Redelivery of the same topic/partition/offset is a no-op.
func (h *AuditHandler) Handle(ctx context.Context, msg Message) error {
	_, err := h.pool.Exec(ctx,
		`INSERT INTO attendance_event_log (event_type, user_id, schema_id, schema_subject, topic, partition, record_offset, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
         ON CONFLICT (topic, partition, record_offset) DO NOTHING`,
		msg.EventType, msg.UserID, msg.SchemaID, msg.SchemaSubject,
		msg.Topic, msg.Partition, msg.Offset, msg.Payload, msg.Timestamp,
	)
	return err
}

// DaySummaryHandler maintains attendance_day_summaries from day_closed events.
// A day closed again after being reopened replaces the earlier summary.
type DaySummaryHandler struct {
	pool *pgxpool.Pool
}

// NewDaySummaryHandler constructs a DaySummaryHandler.
func NewDaySummaryHandler(pool *pgxpool.Pool) *DaySummaryHandler {
	return &DaySummaryHandler{pool: pool}
}

// Handle upserts the summary unless a later clock-out is already stored.
func (h *DaySummaryHandler) Handle(ctx context.Context, msg Message) error {
	summary, err := decodeDayClosed(msg)
	if err != nil {
		return err
	}

	_, err = h.pool.Exec(ctx,
		`INSERT INTO attendance_day_summaries
             (record_id, user_id, work_date, clock_in, clock_out, active_seconds, total_break_seconds, breaks_count, daily_report)
         VALUES ($1,$2,$3::date,$4,$5,$6,$7,$8,$9)
         ON CONFLICT (record_id) DO UPDATE
            SET clock_in = EXCLUDED.clock_in,
                clock_out = EXCLUDED.clock_out,
                active_seconds = EXCLUDED.active_seconds,
                total_break_seconds = EXCLUDED.total_break_seconds,
                breaks_count = EXCLUDED.breaks_count,
                daily_report = EXCLUDED.daily_report,
                updated_at = NOW()
          WHERE attendance_day_summaries.clock_out < EXCLUDED.clock_out`,
		summary.RecordID, summary.UserID, summary.WorkDate, summary.ClockIn, summary.ClockOut,
		summary.ActiveSeconds, summary.TotalBreakSeconds, summary.BreaksCount, summary.DailyReport,
	)
	return err
}

func decodeDayClosed(msg Message) (platformevents.AttendanceDayClosed, error) {
	var summary platformevents.AttendanceDayClosed
	if msg.EventType != platformevents.TypeAttendanceDayClosed {
		return summary, fmt.Errorf("%w: %s", ErrUnexpectedEvent, msg.EventType)
	}
	if err := json.Unmarshal(msg.Payload, &summary); err != nil {
		return summary, fmt.Errorf("decode %s: %w", msg.EventType, err)
	}
	if summary.RecordID == "" || summary.WorkDate == "" || summary.ClockOut.IsZero() {
		return summary, fmt.Errorf("decode %s: record_id, work_date and clock_out are required", msg.EventType)
	}
	return summary, nil
}
