// Package domain defines the attendance session engine.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"example.com/attendance/internal/observability"
)

// Option configures optional behaviour for the Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		s.clock = clock
	}
}

// WithCalendar overrides the day-boundary policy.
func WithCalendar(calendar Calendar) Option {
	return func(s *Service) {
		s.calendar = calendar
	}
}

// WithLogger overrides the logger used to report rejected transitions.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// Service orchestrates attendance transitions and queries.
type Service struct {
	store    Store
	clock    Clock
	calendar Calendar
	logger   *log.Logger
}

// NewService constructs a Service.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		clock:    SystemClock{},
		calendar: NewCalendar(time.UTC),
		logger:   log.New(log.Writer(), "[attendance] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Calendar exposes the day-boundary policy used by the service.
func (s *Service) Calendar() Calendar {
	return s.calendar
}

// Now reads the service clock.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// Start clocks the user in, creating today's record when needed.
func (s *Service) Start(ctx context.Context, userID string) (Snapshot, error) {
	now := s.clock.Now()

	active, err := s.store.FindActive(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("find active record: %w", err)
	}
	if active != nil {
		return Snapshot{}, s.reject(ActionClockIn, userID, ErrAlreadyClockedIn)
	}

	day := s.calendar.DayOf(now)
	existing, err := s.store.FindByDate(ctx, userID, day)
	if err != nil {
		return Snapshot{}, fmt.Errorf("find record for %s: %w", day.Format(time.DateOnly), err)
	}

	if existing == nil {
		rec := Record{
			ID:           uuid.NewString(),
			UserID:       userID,
			Date:         day,
			Status:       StatusClockedIn,
			ClockIn:      &now,
			LastActiveAt: &now,
			Sessions:     []Session{},
			Breaks:       []Break{},
			Version:      1,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if err := s.store.Create(ctx, rec, newTransition(rec, ActionClockIn, StatusAbsent, now)); err != nil {
			return Snapshot{}, s.storeError(ActionClockIn, userID, err)
		}
		s.applied(ActionClockIn, now)
		return s.snapshot(rec, now), nil
	}

	if err := checkBreaks(*existing); err != nil {
		return Snapshot{}, s.reject(ActionClockIn, userID, err)
	}

	rec := existing.Clone()
	from := rec.Status
	rec.Status = StatusClockedIn
	rec.LastActiveAt = &now
	if rec.ClockIn == nil {
		rec.ClockIn = &now
	}

	if err := s.commit(ctx, &rec, from, ActionClockIn, now); err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(rec, now), nil
}

// Pause closes the running segment and opens a break.
func (s *Service) Pause(ctx context.Context, userID string) (Snapshot, error) {
	now := s.clock.Now()

	active, err := s.store.FindActive(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("find active record: %w", err)
	}
	if active == nil || active.Status != StatusClockedIn {
		return Snapshot{}, s.reject(ActionAway, userID, ErrNotClockedIn)
	}
	if err := checkBreaks(*active); err != nil {
		return Snapshot{}, s.reject(ActionAway, userID, err)
	}

	rec := active.Clone()
	closeSegment(&rec, now)
	rec.Breaks = append(rec.Breaks, Break{Start: now})
	rec.Status = StatusAway

	if err := s.commit(ctx, &rec, StatusClockedIn, ActionAway, now); err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(rec, now), nil
}

// Resume closes the open break and starts a new active segment.
func (s *Service) Resume(ctx context.Context, userID string) (Snapshot, error) {
	now := s.clock.Now()

	active, err := s.store.FindActive(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("find active record: %w", err)
	}
	if active == nil || active.Status != StatusAway {
		return Snapshot{}, s.reject(ActionResume, userID, ErrNotOnBreak)
	}
	if err := checkBreaks(*active); err != nil {
		return Snapshot{}, s.reject(ActionResume, userID, err)
	}

	rec := active.Clone()
	closeBreak(&rec, now)
	rec.Status = StatusClockedIn
	rec.LastActiveAt = &now

	if err := s.commit(ctx, &rec, StatusAway, ActionResume, now); err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(rec, now), nil
}

// Finish clocks the user out and appends the report to the day's log.
func (s *Service) Finish(ctx context.Context, userID, report string) (Snapshot, error) {
	now := s.clock.Now()

	active, err := s.store.FindActive(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("find active record: %w", err)
	}
	if active == nil {
		return Snapshot{}, s.reject(ActionClockOut, userID, ErrNoActiveSession)
	}

	report = strings.TrimSpace(report)
	if report == "" {
		return Snapshot{}, s.reject(ActionClockOut, userID, ErrReportRequired)
	}
	if err := checkBreaks(*active); err != nil {
		return Snapshot{}, s.reject(ActionClockOut, userID, err)
	}

	rec := active.Clone()
	from := rec.Status
	switch from {
	case StatusClockedIn:
		closeSegment(&rec, now)
	case StatusAway:
		closeBreak(&rec, now)
	}
	rec.Status = StatusClockedOut
	rec.ClockOut = &now
	rec.LastActiveAt = nil
	rec.DailyReport = appendReport(rec.DailyReport, report, now.In(s.calendar.Location()))

	if err := s.commit(ctx, &rec, from, ActionClockOut, now); err != nil {
		return Snapshot{}, err
	}
	return s.snapshot(rec, now), nil
}

// Today returns the open session if any, otherwise today's record, otherwise
// an absent snapshot.
func (s *Service) Today(ctx context.Context, userID string) (Snapshot, error) {
	now := s.clock.Now()

	rec, err := s.store.FindActive(ctx, userID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("find active record: %w", err)
	}
	if rec == nil {
		rec, err = s.store.FindByDate(ctx, userID, s.calendar.DayOf(now))
		if err != nil {
			return Snapshot{}, fmt.Errorf("find today's record: %w", err)
		}
	}
	if rec == nil {
		return Snapshot{Status: StatusAbsent}, nil
	}
	return s.snapshot(*rec, now), nil
}

// Day returns the snapshot of a specific calendar day.
func (s *Service) Day(ctx context.Context, userID string, date time.Time) (Snapshot, error) {
	day := s.calendar.DayOf(date)
	rec, err := s.store.FindByDate(ctx, userID, day)
	if err != nil {
		return Snapshot{}, fmt.Errorf("find record for %s: %w", day.Format(time.DateOnly), err)
	}
	if rec == nil {
		return Snapshot{}, fmt.Errorf("%w for %s", ErrRecordNotFound, day.Format(time.DateOnly))
	}
	return s.snapshot(*rec, s.clock.Now()), nil
}

// History aggregates the user's records for a calendar month.
func (s *Service) History(ctx context.Context, userID string, month, year int) (History, error) {
	from, to, err := s.calendar.MonthRange(year, month)
	if err != nil {
		return History{}, err
	}

	records, err := s.store.ListRange(ctx, userID, from, to)
	if err != nil {
		return History{}, fmt.Errorf("list records: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })

	history := History{
		Month:   month,
		Year:    year,
		Records: make([]HistoryEntry, 0, len(records)),
	}
	var totalSeconds int64
	for _, rec := range records {
		if rec.Status != StatusAbsent {
			history.DaysPresent++
		}
		totalSeconds += rec.ActiveSeconds
		history.Records = append(history.Records, HistoryEntry{
			Date:          rec.Date,
			Status:        rec.Status,
			ClockIn:       rec.ClockIn,
			ClockOut:      rec.ClockOut,
			ActiveSeconds: rec.ActiveSeconds,
			DailyReport:   rec.DailyReport,
		})
	}
	history.TotalWorkingHours = math.Round(float64(totalSeconds)/3600*10) / 10
	return history, nil
}

func (s *Service) commit(ctx context.Context, rec *Record, from Status, action Action, now time.Time) error {
	rec.UpdatedAt = now
	if err := s.store.Update(ctx, *rec, from, newTransition(*rec, action, from, now)); err != nil {
		return s.storeError(action, rec.UserID, err)
	}
	rec.Version++
	s.applied(action, now)
	return nil
}

func (s *Service) storeError(action Action, userID string, err error) error {
	if errors.Is(err, ErrStaleRecord) {
		return s.reject(action, userID, ErrConcurrentTransition)
	}
	return fmt.Errorf("persist %s: %w", action, err)
}

func (s *Service) reject(action Action, userID string, err error) error {
	if errors.Is(err, ErrInconsistentRecord) {
		s.logger.Printf("integrity fault (action=%s, user=%s): %v", action, userID, err)
	}
	observability.RecordRejection(string(action), rejectionReason(err))
	return err
}

func (s *Service) applied(action Action, now time.Time) {
	observability.RecordTransition(string(action), now)
}

func (s *Service) snapshot(rec Record, now time.Time) Snapshot {
	date := rec.Date
	snap := Snapshot{
		Status:            rec.Status,
		Date:              &date,
		ClockIn:           cloneTime(rec.ClockIn),
		ClockOut:          cloneTime(rec.ClockOut),
		ActiveSeconds:     rec.LiveActiveSeconds(now),
		TotalBreakSeconds: rec.TotalBreakSeconds(),
		BreaksCount:       len(rec.Breaks),
		LastActiveAt:      cloneTime(rec.LastActiveAt),
		DailyReport:       rec.DailyReport,
	}
	if rec.Status == StatusAway && len(rec.Breaks) > 0 {
		last := rec.Breaks[len(rec.Breaks)-1]
		if last.Open() {
			start := last.Start
			snap.OnBreakSince = &start
		}
	}
	return snap
}

// checkBreaks asserts that a record has at most one open break, that it is the
// last entry, and that it is open exactly when the record is away.
func checkBreaks(rec Record) error {
	open := -1
	for i, b := range rec.Breaks {
		if !b.Open() {
			continue
		}
		if open >= 0 {
			return fmt.Errorf("%w: record %s has more than one open break", ErrInconsistentRecord, rec.ID)
		}
		open = i
	}
	switch {
	case rec.Status == StatusAway && open < 0:
		return fmt.Errorf("%w: record %s is away without an open break", ErrInconsistentRecord, rec.ID)
	case rec.Status == StatusAway && open != len(rec.Breaks)-1:
		return fmt.Errorf("%w: record %s has an open break before a closed one", ErrInconsistentRecord, rec.ID)
	case rec.Status != StatusAway && open >= 0:
		return fmt.Errorf("%w: record %s is %s with an open break", ErrInconsistentRecord, rec.ID, rec.Status)
	}
	return nil
}

func closeSegment(rec *Record, now time.Time) {
	if rec.LastActiveAt == nil {
		return
	}
	start := *rec.LastActiveAt
	seconds := elapsedSeconds(start, now)
	rec.ActiveSeconds += seconds
	rec.Sessions = append(rec.Sessions, Session{Start: start, End: now, Duration: seconds})
	rec.LastActiveAt = nil
}

func closeBreak(rec *Record, now time.Time) {
	if len(rec.Breaks) == 0 {
		return
	}
	last := &rec.Breaks[len(rec.Breaks)-1]
	if !last.Open() {
		return
	}
	end := now
	duration := elapsedSeconds(last.Start, now)
	last.End = &end
	last.Duration = &duration
}

func appendReport(existing, report string, at time.Time) string {
	if existing == "" {
		return report
	}
	return fmt.Sprintf("%s\n[%s]: %s", existing, at.Format("15:04:05"), report)
}

func newTransition(rec Record, action Action, from Status, now time.Time) Transition {
	return Transition{
		RecordID:      rec.ID,
		UserID:        rec.UserID,
		Date:          rec.Date,
		Action:        action,
		From:          from,
		To:            rec.Status,
		OccurredAt:    now,
		ActiveSeconds: rec.ActiveSeconds,
	}
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrAlreadyClockedIn):
		return "already_clocked_in"
	case errors.Is(err, ErrNotClockedIn):
		return "not_clocked_in"
	case errors.Is(err, ErrNotOnBreak):
		return "not_on_break"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrConcurrentTransition):
		return "concurrent_transition"
	case errors.Is(err, ErrReportRequired):
		return "report_required"
	case errors.Is(err, ErrInconsistentRecord):
		return "inconsistent_record"
	default:
		return "other"
	}
}
