package schedule

import "time"

// Timer is the part of *time.Timer the scheduler uses.
type Timer interface {
	Stop() bool
}

// Clock abstracts wall time so tests can drive virtual time.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
