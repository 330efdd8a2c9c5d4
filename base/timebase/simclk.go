package timebase

import (
	"sync"
	"time"
)

// SimClock is a deterministic LocalClock. Sleeping advances simulated time
// instantly, optionally overshooting every wake-up by Latency.
type SimClock struct {
	mu      sync.Mutex
	now     time.Time
	latency time.Duration
	sleeps  uint64
}

var _ LocalClock = (*SimClock)(nil)

func NewSimClock(start time.Time) *SimClock {
	return &SimClock{now: start}
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimClock) Advance(d time.Duration) {
	if d < 0 {
		panic("unexpected negative duration")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *SimClock) SetLatency(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.latency = d
}

func (c *SimClock) Sleep(duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps++
	if duration > 0 {
		c.now = c.now.Add(duration)
	}
	c.now = c.now.Add(c.latency)
}

func (c *SimClock) SleepUntil(deadline time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleeps++
	if deadline.After(c.now) {
		c.now = deadline
	}
	c.now = c.now.Add(c.latency)
}

// Sleeps returns the number of Sleep and SleepUntil calls so far.
func (c *SimClock) Sleeps() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeps
}
