package domain

import (
	"context"
	"time"
)

// Status is the attendance state of a single day's record.
type Status string

const (
	StatusAbsent     Status = "absent"
	StatusClockedIn  Status = "clocked-in"
	StatusAway       Status = "away"
	StatusClockedOut Status = "clocked-out"
)

// Active reports whether the status holds the user's single open session.
func (s Status) Active() bool {
	return s == StatusClockedIn || s == StatusAway
}

// Action names a state machine intent.
type Action string

const (
	ActionClockIn  Action = "clock_in"
	ActionAway     Action = "away"
	ActionResume   Action = "resume"
	ActionClockOut Action = "clock_out"
)

// Session is a closed active segment.
type Session struct {
	Start    time.Time `json:"start"`
	End      time.Time `json:"end"`
	Duration int64     `json:"duration"`
}

// Break is a pause interval. End and Duration stay nil while the break is open.
type Break struct {
	Start    time.Time  `json:"start"`
	End      *time.Time `json:"end,omitempty"`
	Duration *int64     `json:"duration,omitempty"`
}

// Open reports whether the break has not been closed yet.
func (b Break) Open() bool {
	return b.End == nil
}

// Record is the attendance aggregate for one user and one calendar day.
type Record struct {
	ID            string
	UserID        string
	Date          time.Time
	Status        Status
	ClockIn       *time.Time
	ClockOut      *time.Time
	LastActiveAt  *time.Time
	ActiveSeconds int64
	Sessions      []Session
	Breaks        []Break
	DailyReport   string
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (r Record) Clone() Record {
	out := r
	out.ClockIn = cloneTime(r.ClockIn)
	out.ClockOut = cloneTime(r.ClockOut)
	out.LastActiveAt = cloneTime(r.LastActiveAt)
	out.Sessions = append([]Session(nil), r.Sessions...)
	out.Breaks = make([]Break, len(r.Breaks))
	for i, b := range r.Breaks {
		out.Breaks[i] = Break{Start: b.Start, End: cloneTime(b.End)}
		if b.Duration != nil {
			d := *b.Duration
			out.Breaks[i].Duration = &d
		}
	}
	return out
}

// TotalBreakSeconds sums closed break durations; an open break counts as zero.
func (r Record) TotalBreakSeconds() int64 {
	var total int64
	for _, b := range r.Breaks {
		if b.Duration != nil {
			total += *b.Duration
		}
	}
	return total
}

// LiveActiveSeconds returns the stored total plus the open segment, if any.
func (r Record) LiveActiveSeconds(now time.Time) int64 {
	if r.Status != StatusClockedIn || r.LastActiveAt == nil {
		return r.ActiveSeconds
	}
	return r.ActiveSeconds + elapsedSeconds(*r.LastActiveAt, now)
}

// Transition describes one applied state change; stores persist it next to the record.
type Transition struct {
	RecordID   string
	UserID     string
	Date       time.Time
	Action     Action
	From       Status
	To         Status
	OccurredAt time.Time
	// ActiveSeconds is the stored total after the transition.
	ActiveSeconds int64
}

// Snapshot is the read-only projection returned to callers.
type Snapshot struct {
	Status            Status     `json:"status"`
	Date              *time.Time `json:"date,omitempty"`
	ClockIn           *time.Time `json:"clock_in"`
	ClockOut          *time.Time `json:"clock_out"`
	ActiveSeconds     int64      `json:"active_seconds"`
	TotalBreakSeconds int64      `json:"total_break_seconds"`
	BreaksCount       int        `json:"breaks_count"`
	OnBreakSince      *time.Time `json:"on_break_since,omitempty"`
	LastActiveAt      *time.Time `json:"last_active_at"`
	DailyReport       string     `json:"daily_report"`
}

// HistoryEntry is one day in a monthly history.
type HistoryEntry struct {
	Date          time.Time  `json:"date"`
	Status        Status     `json:"status"`
	ClockIn       *time.Time `json:"clock_in"`
	ClockOut      *time.Time `json:"clock_out"`
	ActiveSeconds int64      `json:"active_seconds"`
	DailyReport   string     `json:"daily_report"`
}

// History aggregates a calendar month of records.
type History struct {
	Month             int            `json:"month"`
	Year              int            `json:"year"`
	Records           []HistoryEntry `json:"records"`
	DaysPresent       int            `json:"days_present"`
	TotalWorkingHours float64        `json:"total_working_hours"`
}

// Store is the record store capability consumed by the engine.
//
// Update must apply only when the stored record still has rec.Version and
// expected status; otherwise it returns ErrStaleRecord. Create returns
// ErrStaleRecord when a record for (user, date) or an active record for the
// user already exists.
type Store interface {
	FindActive(ctx context.Context, userID string) (*Record, error)
	FindByDate(ctx context.Context, userID string, date time.Time) (*Record, error)
	Create(ctx context.Context, rec Record, transition Transition) error
	Update(ctx context.Context, rec Record, expected Status, transition Transition) error
	ListRange(ctx context.Context, userID string, from, to time.Time) ([]Record, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

func elapsedSeconds(from, to time.Time) int64 {
	d := to.Sub(from)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
