// Package memory provides an in-process record store for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/persistence"
)

type dayKey struct {
	userID string
	date   string
}

// Store keeps attendance records in memory. The (user, date) index and the
// active-session index are maintained under the same lock as the records.
type Store struct {
	mu           sync.RWMutex
	records      map[string]domain.Record
	byDay        map[dayKey]string
	activeByUser map[string]string
	transitions  []domain.Transition
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		records:      make(map[string]domain.Record),
		byDay:        make(map[dayKey]string),
		activeByUser: make(map[string]string),
	}
}

// FindActive implements domain.Store.
func (s *Store) FindActive(_ context.Context, userID string) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.activeByUser[userID]
	if !ok {
		return nil, nil
	}
	rec := s.records[id].Clone()
	return &rec, nil
}

// FindByDate implements domain.Store.
func (s *Store) FindByDate(_ context.Context, userID string, date time.Time) (*domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDay[dayKey{userID: userID, date: persistence.DateKey(date)}]
	if !ok {
		return nil, nil
	}
	rec := s.records[id].Clone()
	return &rec, nil
}

// Create implements domain.Store.
func (s *Store) Create(_ context.Context, rec domain.Record, transition domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := dayKey{userID: rec.UserID, date: persistence.DateKey(rec.Date)}
	if _, exists := s.byDay[key]; exists {
		return fmt.Errorf("%w: record for %s already exists", domain.ErrStaleRecord, key.date)
	}
	if _, busy := s.activeByUser[rec.UserID]; busy && rec.Status.Active() {
		return fmt.Errorf("%w: user already has an active session", domain.ErrStaleRecord)
	}

	s.records[rec.ID] = rec.Clone()
	s.byDay[key] = rec.ID
	if rec.Status.Active() {
		s.activeByUser[rec.UserID] = rec.ID
	}
	s.transitions = append(s.transitions, transition)
	return nil
}

// Update implements domain.Store.
func (s *Store) Update(_ context.Context, rec domain.Record, expected domain.Status, transition domain.Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[rec.ID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrRecordNotFound, rec.ID)
	}
	if current.Version != rec.Version || current.Status != expected {
		return fmt.Errorf("%w: record %s moved to version %d (%s)", domain.ErrStaleRecord, rec.ID, current.Version, current.Status)
	}
	if id, busy := s.activeByUser[rec.UserID]; busy && id != rec.ID && rec.Status.Active() {
		return fmt.Errorf("%w: user already has an active session", domain.ErrStaleRecord)
	}

	stored := rec.Clone()
	stored.Version = rec.Version + 1
	s.records[rec.ID] = stored

	if rec.Status.Active() {
		s.activeByUser[rec.UserID] = rec.ID
	} else if s.activeByUser[rec.UserID] == rec.ID {
		delete(s.activeByUser, rec.UserID)
	}
	s.transitions = append(s.transitions, transition)
	return nil
}

// ListRange implements domain.Store.
func (s *Store) ListRange(_ context.Context, userID string, from, to time.Time) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lo, hi := persistence.DateKey(from), persistence.DateKey(to)
	out := make([]domain.Record, 0)
	for key, id := range s.byDay {
		if key.userID != userID || key.date < lo || key.date > hi {
			continue
		}
		out = append(out, s.records[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Transitions returns a copy of every transition recorded so far.
func (s *Store) Transitions() []domain.Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Transition, len(s.transitions))
	copy(out, s.transitions)
	return out
}

// Put stores rec verbatim, replacing indexes. It exists for seeding fixtures.
func (s *Store) Put(rec domain.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[rec.ID] = rec.Clone()
	s.byDay[dayKey{userID: rec.UserID, date: persistence.DateKey(rec.Date)}] = rec.ID
	if rec.Status.Active() {
		s.activeByUser[rec.UserID] = rec.ID
	} else if s.activeByUser[rec.UserID] == rec.ID {
		delete(s.activeByUser, rec.UserID)
	}
}
