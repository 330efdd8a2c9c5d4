// Package sched implements the absolute-deadline tick scheduler of the
// force-feedback control loop.
package sched

import (
	"fmt"
	"math"
	"time"

	"example.com/ffb-rt/base/rtsetup"
	"example.com/ffb-rt/base/timebase"
	"example.com/ffb-rt/base/timemath"
	"example.com/ffb-rt/core/rterr"
)

const (
	Period1kHz = time.Millisecond

	// A tick that arrives more than this many periods late is reported as a
	// timing violation.
	DefaultViolationPeriods = 2.0
)

// RTPlatform is implemented by clocks that can configure the calling thread
// for real-time operation.
type RTPlatform interface {
	ApplyRTSetup(setup rtsetup.Setup) error
}

type Options struct {
	PLL              PLLConfig
	JitterCapacity   int
	ViolationPeriods float64
}

func DefaultOptions() Options {
	return Options{
		PLL:              DefaultPLLConfig(),
		JitterCapacity:   DefaultJitterCapacity,
		ViolationPeriods: DefaultViolationPeriods,
	}
}

// AbsoluteScheduler produces a tick stream locked to absolute deadlines.
// Its methods must be called from a single goroutine.
type AbsoluteScheduler struct {
	clk     timebase.LocalClock
	period  time.Duration
	opts    Options
	pll     *PLL
	metrics *JitterMetrics

	adaptive   AdaptiveSchedulingConfig
	target     time.Duration
	ema        float64
	emaValid   bool
	lastJitter time.Duration

	tickCount  uint64
	started    bool
	ideal      time.Time
	correction time.Duration

	rtSetupDone bool
}

func New1kHz(clk timebase.LocalClock) *AbsoluteScheduler {
	s, err := WithPeriod(clk, Period1kHz)
	if err != nil {
		panic(err)
	}
	return s
}

func WithPeriod(clk timebase.LocalClock, period time.Duration) (*AbsoluteScheduler, error) {
	return NewWithOptions(clk, period, DefaultOptions())
}

func NewWithOptions(clk timebase.LocalClock, period time.Duration, opts Options) (
	*AbsoluteScheduler, error) {
	if clk == nil {
		return nil, fmt.Errorf("%w: nil clock", rterr.InvalidConfig)
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: period must be positive, got %v", rterr.InvalidConfig, period)
	}
	if math.IsNaN(opts.ViolationPeriods) || opts.ViolationPeriods < 1 {
		return nil, fmt.Errorf("%w: violation periods must be at least 1, got %v",
			rterr.InvalidConfig, opts.ViolationPeriods)
	}
	pll, err := NewPLL(opts.PLL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rterr.InvalidConfig, err)
	}
	adaptive := adaptiveConfigFor(period)
	return &AbsoluteScheduler{
		clk:      clk,
		period:   period,
		opts:     opts,
		pll:      pll,
		metrics:  NewJitterMetrics(opts.JitterCapacity),
		adaptive: adaptive,
		target:   adaptive.clamp(period),
	}, nil
}

// ApplyRTSetup configures the calling thread once. A failure leaves the
// scheduler fully usable; callers are expected to log it and continue.
func (s *AbsoluteScheduler) ApplyRTSetup(setup rtsetup.Setup) error {
	if s.rtSetupDone {
		return nil
	}
	s.rtSetupDone = true
	if err := setup.Validate(); err != nil {
		return fmt.Errorf("%w: %v", rterr.InvalidConfig, err)
	}
	if setup.Empty() {
		return nil
	}
	p, ok := s.clk.(RTPlatform)
	if !ok {
		return fmt.Errorf("%w: clock does not support real-time setup", rterr.RTSetupFailed)
	}
	if err := p.ApplyRTSetup(setup); err != nil {
		return fmt.Errorf("%w: %v", rterr.RTSetupFailed, err)
	}
	return nil
}

// WaitForTick blocks until the next absolute deadline and returns the new
// tick count. If the tick arrived grossly late, the tick still counts and
// the returned error is rterr.TimingViolation; the timeline is then rebased
// to avoid a burst of catch-up ticks.
func (s *AbsoluteScheduler) WaitForTick() (uint64, error) {
	now := s.clk.Now()
	if !s.started {
		s.started = true
		s.ideal = now.Add(s.target)
	}
	deadline := s.ideal.Add(-s.correction)
	late := !now.Before(deadline)
	if !late {
		s.clk.SleepUntil(deadline)
	}
	actual := s.clk.Now()
	drift := actual.Sub(s.ideal)
	missed := late || drift >= s.target

	s.metrics.Record(drift, missed)
	s.updateAdaptiveTarget(drift, missed)
	s.correction = s.pll.Update(drift, s.target)
	s.tickCount++

	if float64(drift) > s.opts.ViolationPeriods*float64(s.target) {
		s.ideal = actual.Add(s.target)
		s.pll.Reset()
		s.correction = 0
		return s.tickCount, rterr.TimingViolation
	}
	s.ideal = s.ideal.Add(s.target)
	return s.tickCount, nil
}

func (s *AbsoluteScheduler) updateAdaptiveTarget(drift time.Duration, missed bool) {
	s.lastJitter = drift
	c := &s.adaptive
	if !c.Enabled {
		return
	}
	jitter := timemath.Abs(drift)
	overloaded := missed ||
		jitter >= c.JitterRelaxThreshold ||
		(s.emaValid && s.ema >= c.ProcessingRelaxThresholdUs)
	healthy := jitter <= c.JitterTightenThreshold &&
		(!s.emaValid || s.ema <= c.ProcessingTightenThresholdUs)
	switch {
	case overloaded:
		s.target = c.clamp(s.target + c.IncreaseStep)
	case healthy:
		s.target = c.clamp(s.target - c.DecreaseStep)
	}
}

// RecordProcessingTimeUs feeds the per-tick processing time into the
// adaptive controller. Non-finite and negative values are ignored.
func (s *AbsoluteScheduler) RecordProcessingTimeUs(us float64) {
	if math.IsNaN(us) || math.IsInf(us, 0) || us < 0 {
		return
	}
	if !s.emaValid {
		s.ema = us
		s.emaValid = true
		return
	}
	a := s.adaptive.EMAAlpha
	s.ema = (1-a)*s.ema + a*us
}

// SetAdaptiveScheduling normalizes and installs cfg. The target period is
// clamped into the new bounds; disabling resets it to the base period.
func (s *AbsoluteScheduler) SetAdaptiveScheduling(cfg AdaptiveSchedulingConfig) {
	cfg = cfg.Normalize()
	s.adaptive = cfg
	if cfg.Enabled {
		s.target = cfg.clamp(s.target)
	} else {
		s.target = cfg.clamp(s.period)
	}
}

func (s *AbsoluteScheduler) AdaptiveScheduling() AdaptiveSchedulingConfig { return s.adaptive }

func (s *AbsoluteScheduler) AdaptiveState() AdaptiveSchedulingState {
	return AdaptiveSchedulingState{
		Enabled:          s.adaptive.Enabled,
		TargetPeriod:     s.target,
		MinPeriod:        s.adaptive.MinPeriod,
		MaxPeriod:        s.adaptive.MaxPeriod,
		LastJitter:       s.lastJitter,
		ProcessingEMAUs:  s.ema,
		HasProcessingEMA: s.emaValid,
	}
}

func (s *AbsoluteScheduler) TickCount() uint64 { return s.tickCount }

func (s *AbsoluteScheduler) Period() time.Duration { return s.period }

func (s *AbsoluteScheduler) TargetPeriod() time.Duration { return s.target }

func (s *AbsoluteScheduler) PLL() *PLL { return s.pll }

// Metrics returns an owned snapshot of the timing statistics.
func (s *AbsoluteScheduler) Metrics() JitterSnapshot { return s.metrics.Snapshot() }

func (s *AbsoluteScheduler) MetricsMut() *JitterMetrics { return s.metrics }

// Reset zeroes the tick count, timing statistics, PLL and processing EMA.
// The next WaitForTick starts a fresh timeline.
func (s *AbsoluteScheduler) Reset() {
	s.tickCount = 0
	s.metrics.Reset()
	s.pll.Reset()
	s.ema = 0
	s.emaValid = false
	s.lastJitter = 0
	s.started = false
	s.correction = 0
	if s.adaptive.Enabled {
		s.target = s.adaptive.clamp(s.target)
	} else {
		s.target = s.adaptive.clamp(s.period)
	}
}
