package timebase

import (
	"time"
)

// Clock is a monotonic time source.
type Clock interface {
	Now() time.Time
}

// LocalClock is a Clock that can also block the calling goroutine.
type LocalClock interface {
	Clock
	Sleep(duration time.Duration)
	SleepUntil(deadline time.Time)
}
