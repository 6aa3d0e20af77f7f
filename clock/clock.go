// Package clock abstracts time and cancellable scheduled tasks so that
// components depending on timers (debouncing, retry backoff, periodic
// reconciliation) can be driven by a simulated clock in tests.
package clock

import "time"

// TimeProvider abstracts time reads for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Task is a cancellable scheduled callback.
type Task interface {
	// Cancel stops the task. It reports whether the cancellation
	// prevented the callback from firing.
	Cancel() bool

	// Reset reschedules the task to fire after d from now. It reports
	// whether the task was still pending when reset.
	Reset(d time.Duration) bool
}

// Scheduler combines time reads with one-shot task scheduling.
// Periodic behavior is built by rescheduling from within the callback,
// which keeps the abstraction down to a single primitive.
type Scheduler interface {
	TimeProvider

	// AfterFunc schedules fn to run after d. The returned Task can be
	// cancelled or reset before it fires.
	AfterFunc(d time.Duration, fn func()) Task
}

// Real is a Scheduler backed by the standard library time package.
type Real struct{}

// NewReal creates a real-time scheduler.
func NewReal() *Real { return &Real{} }

// Now returns the current wall-clock time.
func (*Real) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (*Real) Since(t time.Time) time.Duration { return time.Since(t) }

// AfterFunc schedules fn on a standard library timer.
func (*Real) AfterFunc(d time.Duration, fn func()) Task {
	return &realTask{timer: time.AfterFunc(d, fn)}
}

type realTask struct {
	timer *time.Timer
}

func (t *realTask) Cancel() bool { return t.timer.Stop() }

func (t *realTask) Reset(d time.Duration) bool { return t.timer.Reset(d) }
