package sched

import (
	"math"
	"time"

	"example.com/ffb-rt/base/floats"
	"example.com/ffb-rt/base/timemath"
)

const (
	minEMAAlpha = 0.01
	maxEMAAlpha = 1.0
)

// AdaptiveSchedulingConfig controls how the target period follows load.
// Crossing a relax threshold lengthens the period; staying under both
// tighten thresholds shortens it.
type AdaptiveSchedulingConfig struct {
	Enabled bool

	MinPeriod time.Duration
	MaxPeriod time.Duration

	IncreaseStep time.Duration
	DecreaseStep time.Duration

	JitterRelaxThreshold   time.Duration
	JitterTightenThreshold time.Duration

	ProcessingRelaxThresholdUs   float64
	ProcessingTightenThresholdUs float64

	EMAAlpha float64
}

func DefaultAdaptiveSchedulingConfig() AdaptiveSchedulingConfig {
	return AdaptiveSchedulingConfig{
		Enabled:                      false,
		MinPeriod:                    900 * time.Microsecond,
		MaxPeriod:                    1100 * time.Microsecond,
		IncreaseStep:                 5 * time.Microsecond,
		DecreaseStep:                 2 * time.Microsecond,
		JitterRelaxThreshold:         200 * time.Microsecond,
		JitterTightenThreshold:       50 * time.Microsecond,
		ProcessingRelaxThresholdUs:   180,
		ProcessingTightenThresholdUs: 80,
		EMAAlpha:                     0.2,
	}
}

// adaptiveConfigFor scales the default bounds to ±10% of period.
func adaptiveConfigFor(period time.Duration) AdaptiveSchedulingConfig {
	cfg := DefaultAdaptiveSchedulingConfig()
	cfg.MinPeriod = period - period/10
	cfg.MaxPeriod = period + period/10
	return cfg.Normalize()
}

// Normalize returns a copy of c that satisfies IsValid.
func (c AdaptiveSchedulingConfig) Normalize() AdaptiveSchedulingConfig {
	if c.MinPeriod > c.MaxPeriod {
		c.MinPeriod, c.MaxPeriod = c.MaxPeriod, c.MinPeriod
	}
	if c.MinPeriod < 1 {
		c.MinPeriod = 1
	}
	if c.MaxPeriod < c.MinPeriod {
		c.MaxPeriod = c.MinPeriod
	}
	if c.IncreaseStep < 1 {
		c.IncreaseStep = 1
	}
	if c.DecreaseStep < 1 {
		c.DecreaseStep = 1
	}
	if c.JitterRelaxThreshold < 1 {
		c.JitterRelaxThreshold = 1
	}
	if c.JitterTightenThreshold < 0 {
		c.JitterTightenThreshold = 0
	}
	if c.JitterTightenThreshold > c.JitterRelaxThreshold {
		c.JitterTightenThreshold = c.JitterRelaxThreshold
	}
	if math.IsNaN(c.ProcessingRelaxThresholdUs) || c.ProcessingRelaxThresholdUs < 1 {
		c.ProcessingRelaxThresholdUs = 1
	}
	if math.IsNaN(c.ProcessingTightenThresholdUs) || c.ProcessingTightenThresholdUs < 0 {
		c.ProcessingTightenThresholdUs = 0
	}
	if c.ProcessingTightenThresholdUs > c.ProcessingRelaxThresholdUs {
		c.ProcessingTightenThresholdUs = c.ProcessingRelaxThresholdUs
	}
	if math.IsNaN(c.EMAAlpha) {
		c.EMAAlpha = DefaultAdaptiveSchedulingConfig().EMAAlpha
	}
	c.EMAAlpha = floats.Clamp(c.EMAAlpha, minEMAAlpha, maxEMAAlpha)
	return c
}

func (c AdaptiveSchedulingConfig) IsValid() bool {
	return c.MinPeriod >= 1 &&
		c.MinPeriod <= c.MaxPeriod &&
		c.IncreaseStep >= 1 &&
		c.DecreaseStep >= 1 &&
		c.JitterTightenThreshold >= 0 &&
		c.JitterTightenThreshold <= c.JitterRelaxThreshold &&
		c.ProcessingTightenThresholdUs >= 0 &&
		c.ProcessingTightenThresholdUs <= c.ProcessingRelaxThresholdUs &&
		c.EMAAlpha >= minEMAAlpha && c.EMAAlpha <= maxEMAAlpha
}

func (c AdaptiveSchedulingConfig) clamp(period time.Duration) time.Duration {
	return timemath.Clamp(period, c.MinPeriod, c.MaxPeriod)
}

// AdaptiveSchedulingState is an owned snapshot of the adaptive controller.
type AdaptiveSchedulingState struct {
	Enabled          bool
	TargetPeriod     time.Duration
	MinPeriod        time.Duration
	MaxPeriod        time.Duration
	LastJitter       time.Duration
	ProcessingEMAUs  float64
	HasProcessingEMA bool
}

func (s AdaptiveSchedulingState) IsAtMax() bool { return s.TargetPeriod >= s.MaxPeriod }

func (s AdaptiveSchedulingState) IsAtMin() bool { return s.TargetPeriod <= s.MinPeriod }

// PeriodFraction locates the target period within [MinPeriod, MaxPeriod] as
// a value in [0, 1].
func (s AdaptiveSchedulingState) PeriodFraction() float64 {
	span := s.MaxPeriod - s.MinPeriod
	if span <= 0 {
		return 0
	}
	return float64(s.TargetPeriod-s.MinPeriod) / float64(span)
}
