// Package clock abstracts wall time so rolling windows and tick loops can be
// driven deterministically in tests.
//
// Production code injects Real(); tests inject testutil.FakeClock.
package clock

import "time"

// Clock reports the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Real returns a Clock backed by time.Now.
func Real() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}
