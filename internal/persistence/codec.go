// Package persistence contains helpers shared by record store implementations.
package persistence

import (
	"encoding/json"
	"fmt"
	"time"

	"example.com/attendance/internal/domain"
)

// DateKey renders the calendar day of a record as YYYY-MM-DD.
func DateKey(day time.Time) string {
	return day.Format(time.DateOnly)
}

// ParseDateKey restores local midnight of a YYYY-MM-DD key in loc.
func ParseDateKey(key string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	day, err := time.ParseInLocation(time.DateOnly, key, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date key %q: %w", key, err)
	}
	return day, nil
}

// EncodeLogs serialises the session and break logs of a record.
func EncodeLogs(rec domain.Record) (sessions, breaks []byte, err error) {
	if rec.Sessions == nil {
		rec.Sessions = []domain.Session{}
	}
	if rec.Breaks == nil {
		rec.Breaks = []domain.Break{}
	}
	sessions, err = json.Marshal(rec.Sessions)
	if err != nil {
		return nil, nil, fmt.Errorf("encode sessions: %w", err)
	}
	breaks, err = json.Marshal(rec.Breaks)
	if err != nil {
		return nil, nil, fmt.Errorf("encode breaks: %w", err)
	}
	return sessions, breaks, nil
}

// DecodeLogs restores the session and break logs onto rec.
func DecodeLogs(rec *domain.Record, sessions, breaks []byte) error {
	rec.Sessions = []domain.Session{}
	rec.Breaks = []domain.Break{}
	if len(sessions) > 0 {
		if err := json.Unmarshal(sessions, &rec.Sessions); err != nil {
			return fmt.Errorf("decode sessions: %w", err)
		}
	}
	if len(breaks) > 0 {
		if err := json.Unmarshal(breaks, &rec.Breaks); err != nil {
			return fmt.Errorf("decode breaks: %w", err)
		}
	}
	return nil
}
