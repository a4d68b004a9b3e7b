package domain

import (
	"fmt"
	"time"
)

// Calendar pins day boundaries to a single time zone so that bucketing does
// not depend on the host locale.
type Calendar struct {
	loc *time.Location
}

// NewCalendar constructs a Calendar; a nil location means UTC.
func NewCalendar(loc *time.Location) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	return Calendar{loc: loc}
}

// Location returns the configured zone.
func (c Calendar) Location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}

// DayOf returns local midnight of the calendar day containing t.
func (c Calendar) DayOf(t time.Time) time.Time {
	local := t.In(c.Location())
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.Location())
}

// MonthRange returns the first and last calendar day (both at local midnight)
// of the given month.
func (c Calendar) MonthRange(year, month int) (time.Time, time.Time, error) {
	if month < 1 || month > 12 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: month %d", ErrInvalidPeriod, month)
	}
	if year < 1 || year > 9999 {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: year %d", ErrInvalidPeriod, year)
	}
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, c.Location())
	last := time.Date(year, time.Month(month)+1, 0, 0, 0, 0, 0, c.Location())
	return first, last, nil
}
