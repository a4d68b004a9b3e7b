package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrGuardViolation groups transitions that are not valid from the current state.
	ErrGuardViolation = errors.New("transition not allowed")
	// ErrValidation groups malformed caller input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound groups lookups of records that were expected to exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyClockedIn is returned when a session is already open on any day.
	ErrAlreadyClockedIn = fmt.Errorf("%w: already clocked in, clock out first", ErrGuardViolation)
	// ErrNotClockedIn is returned when pausing without a running segment.
	ErrNotClockedIn = fmt.Errorf("%w: must be clocked in to go away", ErrGuardViolation)
	// ErrNotOnBreak is returned when resuming without an open break.
	ErrNotOnBreak = fmt.Errorf("%w: not on a break", ErrGuardViolation)
	// ErrNoActiveSession is returned when clocking out with nothing open.
	ErrNoActiveSession = fmt.Errorf("%w: not clocked in, clock in first", ErrGuardViolation)
	// ErrConcurrentTransition is returned when another request changed the record first.
	ErrConcurrentTransition = fmt.Errorf("%w: attendance changed by a concurrent request", ErrGuardViolation)

	// ErrReportRequired is returned when clocking out with a blank report.
	ErrReportRequired = fmt.Errorf("%w: daily report is required when clocking out", ErrValidation)
	// ErrInvalidPeriod is returned for out-of-range history queries.
	ErrInvalidPeriod = fmt.Errorf("%w: invalid history period", ErrValidation)

	// ErrRecordNotFound is returned when a referenced record does not exist.
	ErrRecordNotFound = fmt.Errorf("%w: attendance record", ErrNotFound)

	// ErrInconsistentRecord is returned when a stored break log violates the single-open-break rule.
	ErrInconsistentRecord = errors.New("attendance record is inconsistent")

	// ErrStaleRecord is returned by stores when a conditional write loses a race.
	ErrStaleRecord = errors.New("attendance record is stale")
)
