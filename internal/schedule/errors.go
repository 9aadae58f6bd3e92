package schedule

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrStoreRead        = errors.New("schedule store read failed")
	ErrStoreWrite       = errors.New("schedule store write failed")
	ErrPastSchedule     = errors.New("schedule target is in the past")
	ErrActionFailed     = errors.New("scheduled action failed")
	ErrInvalidRecord    = errors.New("invalid schedule")
	ErrAlreadyRecovered = errors.New("schedule already recovered")
	ErrStopped          = errors.New("scheduler stopped")
)

// StoreReadError wraps a failed load. Recovery treats the slot as absent.
type StoreReadError struct {
	Err error
}

func (e *StoreReadError) Error() string { return fmt.Sprintf("%v: %v", ErrStoreRead, e.Err) }
func (e *StoreReadError) Unwrap() []error {
	return []error{ErrStoreRead, e.Err}
}

// StoreWriteError wraps a failed save or clear.
type StoreWriteError struct {
	Op  string // "save" or "clear"
	Err error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%v (%s): %v", ErrStoreWrite, e.Op, e.Err)
}
func (e *StoreWriteError) Unwrap() []error {
	return []error{ErrStoreWrite, e.Err}
}

// PastScheduleError rejects a target moment earlier than now.
type PastScheduleError struct {
	Target time.Time
	Now    time.Time
}

func (e *PastScheduleError) Error() string {
	return fmt.Sprintf("%v: %s is %s before now", ErrPastSchedule,
		e.Target.UTC().Format(time.RFC3339), e.Now.Sub(e.Target).Round(time.Second))
}
func (e *PastScheduleError) Unwrap() error { return ErrPastSchedule }

// ActionExecutionError wraps an executor failure for a fired schedule.
type ActionExecutionError struct {
	RecordID string
	Err      error
}

func (e *ActionExecutionError) Error() string {
	return fmt.Sprintf("%v (id=%s): %v", ErrActionFailed, e.RecordID, e.Err)
}
func (e *ActionExecutionError) Unwrap() []error {
	return []error{ErrActionFailed, e.Err}
}
