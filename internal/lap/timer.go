package lap

import "time"

// Clock is the time source for active-time accounting.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// ActiveTimer measures elapsed time excluding paused intervals. Not safe for
// concurrent use; the activity window owns it.
type ActiveTimer struct {
	clock    Clock
	start    time.Time
	paused   time.Duration
	pausedAt time.Time
	isPaused bool
}

// NewActiveTimer starts running immediately.
func NewActiveTimer(clock Clock) *ActiveTimer {
	if clock == nil {
		clock = SystemClock
	}
	return &ActiveTimer{clock: clock, start: clock.Now()}
}

func (t *ActiveTimer) Pause() {
	if t.isPaused {
		return
	}
	t.isPaused = true
	t.pausedAt = t.clock.Now()
}

func (t *ActiveTimer) Resume() {
	if !t.isPaused {
		return
	}
	t.paused += t.clock.Now().Sub(t.pausedAt)
	t.isPaused = false
}

func (t *ActiveTimer) Paused() bool { return t.isPaused }

// Elapsed is wall time since start minus every paused interval, including a
// pause still in progress.
func (t *ActiveTimer) Elapsed() time.Duration {
	now := t.clock.Now()
	paused := t.paused
	if t.isPaused {
		paused += now.Sub(t.pausedAt)
	}
	return now.Sub(t.start) - paused
}

// PausedTotal is the accumulated paused time.
func (t *ActiveTimer) PausedTotal() time.Duration {
	if t.isPaused {
		return t.paused + t.clock.Now().Sub(t.pausedAt)
	}
	return t.paused
}
