package fmea

import (
	"math"
	"time"

	"example.com/ffb-rt/base/floats"
)

const DefaultSoftStopDuration = 50 * time.Millisecond

// SoftStopController ramps torque linearly from a start value to a target
// over a fixed duration. The ramp is driven by the caller through Update.
type SoftStopController struct {
	duration time.Duration
	elapsed  time.Duration
	start    float32
	target   float32
	current  float32
	active   bool
	done     bool
}

// NewSoftStopController returns an idle controller. A non-positive duration
// makes every ramp complete immediately.
func NewSoftStopController(duration time.Duration) *SoftStopController {
	if duration < 0 {
		duration = 0
	}
	return &SoftStopController{duration: duration}
}

func sanitizeTorque(t float32) float32 {
	if !finite32(t) {
		return 0
	}
	return t
}

// Start ramps from torque down to zero.
func (c *SoftStopController) Start(torque float32) {
	c.StartRampTo(torque, 0)
}

func (c *SoftStopController) StartRampTo(start, target float32) {
	c.start = sanitizeTorque(start)
	c.target = sanitizeTorque(target)
	c.current = c.start
	c.elapsed = 0
	c.active = true
	c.done = false
	if c.duration == 0 || c.start == c.target {
		c.current = c.target
		c.active = false
		c.done = true
	}
}

// Update advances the ramp by delta and returns the current torque.
func (c *SoftStopController) Update(delta time.Duration) float32 {
	if !c.active {
		return c.current
	}
	if delta > 0 {
		c.elapsed += delta
	}
	if c.elapsed >= c.duration {
		c.elapsed = c.duration
		c.current = c.target
		c.active = false
		c.done = true
		return c.current
	}
	f := float64(c.elapsed) / float64(c.duration)
	c.current = float32(floats.Lerp(float64(c.start), float64(c.target), f))
	return c.current
}

// ForceStop ends the ramp with zero torque.
func (c *SoftStopController) ForceStop() {
	c.current = 0
	c.target = 0
	c.active = false
	c.done = true
}

// Cancel abandons the ramp, keeping the current torque.
func (c *SoftStopController) Cancel() {
	c.active = false
}

func (c *SoftStopController) Reset() {
	*c = SoftStopController{duration: c.duration}
}

func (c *SoftStopController) IsActive() bool { return c.active }

// IsComplete reports whether the last ramp reached its target or was forced
// to stop.
func (c *SoftStopController) IsComplete() bool { return c.done }

func (c *SoftStopController) CurrentTorque() float32 { return c.current }

func (c *SoftStopController) StartTorque() float32 { return c.start }

func (c *SoftStopController) Duration() time.Duration { return c.duration }

func (c *SoftStopController) Elapsed() time.Duration { return c.elapsed }

func (c *SoftStopController) RemainingTime() time.Duration {
	if !c.active {
		return 0
	}
	return c.duration - c.elapsed
}

// Progress is the completed fraction of the current ramp in [0, 1].
func (c *SoftStopController) Progress() float64 {
	switch {
	case c.active:
		return float64(c.elapsed) / float64(c.duration)
	case c.done:
		return 1
	default:
		return 0
	}
}

// CurrentMultiplier is |current/start| in [0, 1], or 0 for a ramp that
// started at zero torque.
func (c *SoftStopController) CurrentMultiplier() float32 {
	if math.Abs(float64(c.start)) < 1e-6 {
		return 0
	}
	m := math.Abs(float64(c.current) / float64(c.start))
	return float32(math.Min(1, m))
}
