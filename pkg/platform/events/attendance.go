// Package events defines shared cross-service event payloads.
package events

import "time"

// Event types carried in the outbox and in the event_type Kafka header.
const (
	TypeAttendanceTransitioned = "attendance.transitioned"
	TypeAttendanceDayClosed    = "attendance.day_closed"
)

// AttendanceTransitioned is emitted for every applied clock action.
type AttendanceTransitioned struct {
	RecordID      string    `json:"record_id"`
	UserID        string    `json:"user_id"`
	WorkDate      string    `json:"work_date"`
	Action        string    `json:"action"`
	FromStatus    string    `json:"from_status"`
	ToStatus      string    `json:"to_status"`
	OccurredAt    time.Time `json:"occurred_at"`
	ActiveSeconds int64     `json:"active_seconds"`
}

// AttendanceDayClosed summarises a record when the user clocks out. A day that is
// reopened and closed again emits a new summary that supersedes the previous one.
type AttendanceDayClosed struct {
	RecordID          string     `json:"record_id"`
	UserID            string     `json:"user_id"`
	WorkDate          string     `json:"work_date"`
	ClockIn           *time.Time `json:"clock_in,omitempty"`
	ClockOut          time.Time  `json:"clock_out"`
	ActiveSeconds     int64      `json:"active_seconds"`
	TotalBreakSeconds int64      `json:"total_break_seconds"`
	BreaksCount       int        `json:"breaks_count"`
	DailyReport       string     `json:"daily_report"`
}
