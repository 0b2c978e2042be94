package app

import "time"

// Timer is a cancellable one-shot timer.
type Timer interface {
	// Stop reports whether the call prevented the timer from firing.
	Stop() bool
}

// Clock abstracts the time source and timer facility of the scheduler.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock fires each callback on its own goroutine via time.AfterFunc.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
