package alert

import "time"

// Timer is a scheduled one-shot callback.
type Timer interface {
	Stop() bool
}

// Clock abstracts time for the extractor so tests can drive the future timer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// SystemClock is the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

func (SystemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
