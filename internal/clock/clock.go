package clock

import "time"

// Clock is the time source and timer scheduler behind every lease, queue,
// cooldown and poll deadline.
type Clock interface {
	Now() time.Time
	// AfterFunc runs f once d has elapsed. The returned Timer cancels the
	// call if it has not started yet.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the callback from running. It reports false when the
	// callback already ran or the timer was already stopped.
	Stop() bool
}

// Real is the wall clock. Callbacks run on their own goroutine.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// AfterFunc mirrors time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// StopAll stops every non-nil timer in timers.
func StopAll(timers ...Timer) {
	for _, t := range timers {
		if t != nil {
			t.Stop()
		}
	}
}
