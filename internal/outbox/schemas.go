package outbox

const attendanceTransitionedSchema = `{
  "type": "object",
  "title": "AttendanceTransitioned",
  "properties": {
    "record_id": {"type": "string"},
    "user_id": {"type": "string"},
    "work_date": {"type": "string", "format": "date"},
    "action": {"type": "string", "enum": ["clock_in", "away", "resume", "clock_out"]},
    "from_status": {"type": "string", "enum": ["absent", "clocked-in", "away", "clocked-out"]},
    "to_status": {"type": "string", "enum": ["absent", "clocked-in", "away", "clocked-out"]},
    "occurred_at": {"type": "string", "format": "date-time"},
    "active_seconds": {"type": "integer", "minimum": 0}
  },
  "required": ["record_id", "user_id", "work_date", "action", "from_status", "to_status", "occurred_at", "active_seconds"],
  "additionalProperties": false
}`

const attendanceDayClosedSchema = `{
  "type": "object",
  "title": "AttendanceDayClosed",
  "properties": {
    "record_id": {"type": "string"},
    "user_id": {"type": "string"},
    "work_date": {"type": "string", "format": "date"},
    "clock_in": {"type": "string", "format": "date-time"},
    "clock_out": {"type": "string", "format": "date-time"},
    "active_seconds": {"type": "integer", "minimum": 0},
    "total_break_seconds": {"type": "integer", "minimum": 0},
    "breaks_count": {"type": "integer", "minimum": 0},
    "daily_report": {"type": "string"}
  },
  "required": ["record_id", "user_id", "work_date", "clock_out", "active_seconds", "total_break_seconds", "breaks_count", "daily_report"],
  "additionalProperties": false
}`
