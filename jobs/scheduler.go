package jobs

import (
	"time"
)

// TimerScheduler schedules delayed functions on process-local timers. It
// satisfies the session manager's scheduler dependency without keeping a
// worker goroutine parked per pending task.
type TimerScheduler struct{}

// NewTimerScheduler creates a timer-backed scheduler.
func NewTimerScheduler() TimerScheduler {
	return TimerScheduler{}
}

// AfterFunc runs fn after d. The returned cancel stops a pending run.
func (TimerScheduler) AfterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}
