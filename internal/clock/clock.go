// Package clock provides an injectable time source so day-boundary and
// retry-scheduling logic can be tested deterministically.
package clock

import "time"

// Clock yields the current time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fixed always returns the same instant. Useful in tests.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time { return f.T }
