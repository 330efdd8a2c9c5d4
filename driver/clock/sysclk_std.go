//go:build !linux

package clock

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"example.com/ffb-rt/base/rtsetup"
	"example.com/ffb-rt/base/timebase"
)

var errRTSetupUnsupported = errors.New("real-time setup not supported on this platform")

type SystemClock struct {
	Log *zap.Logger
}

var _ timebase.LocalClock = (*SystemClock)(nil)

func (c *SystemClock) Now() time.Time {
	return time.Now()
}

func (c *SystemClock) Sleep(duration time.Duration) {
	if duration < 0 {
		panic("invalid duration value")
	}
	time.Sleep(duration)
}

func (c *SystemClock) SleepUntil(deadline time.Time) {
	time.Sleep(time.Until(deadline))
}

func (c *SystemClock) ApplyRTSetup(setup rtsetup.Setup) error {
	if setup.Empty() {
		return nil
	}
	c.Log.Debug("SystemClock.ApplyRTSetup, not supported")
	return errRTSetupUnsupported
}
