package sched

import (
	"errors"
	"fmt"
	"math"
	"time"

	"example.com/ffb-rt/base/floats"
	"example.com/ffb-rt/base/timemath"
)

var errInvalidPLLConfig = errors.New("invalid PLL configuration")

// PLLConfig holds the loop gains and limits of the drift corrector.
type PLLConfig struct {
	// Kp scales the immediate correction of the next deadline.
	Kp float64
	// Ki scales the accumulated phase error.
	Ki float64
	// Leak is the fraction of accumulated phase error discarded every tick.
	Leak float64
	// MaxSlewFraction bounds a single correction to this fraction of the
	// period.
	MaxSlewFraction float64
	// StableBound and StableTicks define IsStable: |phase error| stayed
	// within StableBound for StableTicks consecutive ticks.
	StableBound time.Duration
	StableTicks uint32
}

func DefaultPLLConfig() PLLConfig {
	return PLLConfig{
		Kp:              0.2,
		Ki:              0.05,
		Leak:            0.01,
		MaxSlewFraction: 0.1,
		StableBound:     100 * time.Microsecond,
		StableTicks:     100,
	}
}

func (c PLLConfig) Validate() error {
	finite := floats.IsFinite
	switch {
	case !finite(c.Kp) || c.Kp < 0:
		return fmt.Errorf("%w: kp = %v", errInvalidPLLConfig, c.Kp)
	case !finite(c.Ki) || c.Ki < 0:
		return fmt.Errorf("%w: ki = %v", errInvalidPLLConfig, c.Ki)
	case c.Kp+c.Ki >= 1:
		return fmt.Errorf("%w: kp + ki = %v must be below 1", errInvalidPLLConfig, c.Kp+c.Ki)
	case !finite(c.Leak) || c.Leak < 0 || c.Leak > 1:
		return fmt.Errorf("%w: leak = %v", errInvalidPLLConfig, c.Leak)
	case !finite(c.MaxSlewFraction) || c.MaxSlewFraction <= 0 || c.MaxSlewFraction > 0.5:
		return fmt.Errorf("%w: max slew fraction = %v", errInvalidPLLConfig, c.MaxSlewFraction)
	case c.StableBound <= 0:
		return fmt.Errorf("%w: stable bound = %v", errInvalidPLLConfig, c.StableBound)
	case c.StableTicks == 0:
		return fmt.Errorf("%w: stable ticks = 0", errInvalidPLLConfig)
	}
	return nil
}

// PLL corrects the phase of a periodic deadline stream. Each tick it is fed
// the measured drift (actual - ideal) and returns the amount by which the
// next deadline should be pulled in.
type PLL struct {
	cfg        PLLConfig
	integral   float64
	correction time.Duration
	phaseError time.Duration
	stableRun  uint32
	updates    uint64
	absErrSum  float64
}

func NewPLL(cfg PLLConfig) (*PLL, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PLL{cfg: cfg}, nil
}

func (l *PLL) Config() PLLConfig { return l.cfg }

// Update feeds one drift measurement and returns the slew-clamped correction
// for the next deadline.
func (l *PLL) Update(drift, period time.Duration) time.Duration {
	maxSlew := l.cfg.MaxSlewFraction * float64(period)
	e := float64(drift)
	l.integral = (1-l.cfg.Leak)*l.integral + e
	if l.cfg.Ki > 0 {
		// anti-windup: the integral term alone never exceeds the slew limit
		imax := maxSlew / l.cfg.Ki
		l.integral = floats.Clamp(l.integral, -imax, imax)
	}
	c := l.cfg.Kp*e + l.cfg.Ki*l.integral
	c = floats.Clamp(c, -maxSlew, maxSlew)
	l.correction = time.Duration(c)

	l.phaseError = drift
	if timemath.Abs(drift) <= l.cfg.StableBound {
		if l.stableRun < math.MaxUint32 {
			l.stableRun++
		}
	} else {
		l.stableRun = 0
	}
	l.updates++
	l.absErrSum += math.Abs(e)
	return l.correction
}

func (l *PLL) Correction() time.Duration { return l.correction }

func (l *PLL) PhaseError() time.Duration { return l.phaseError }

// AveragePhaseError is the mean absolute phase error since the last reset.
func (l *PLL) AveragePhaseError() time.Duration {
	if l.updates == 0 {
		return 0
	}
	return time.Duration(l.absErrSum / float64(l.updates))
}

func (l *PLL) IsStable() bool {
	return l.stableRun >= l.cfg.StableTicks
}

func (l *PLL) Reset() {
	l.integral = 0
	l.correction = 0
	l.phaseError = 0
	l.stableRun = 0
	l.updates = 0
	l.absErrSum = 0
}
