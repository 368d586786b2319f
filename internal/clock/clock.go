// Package clock abstracts wall-clock time and deferred callbacks so timer
// driven state machines can run against a simulated clock in tests.
package clock

import "time"

// Clock is injected wherever code would call time.Now or time.AfterFunc.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// AfterFunc calls f after duration d elapses. If d <= 0, f is called
	// immediately (in a new goroutine for Real, synchronously for Fake).
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call. It returns false if the timer already fired
	// or was already stopped.
	Stop() bool
}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
