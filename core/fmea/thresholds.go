package fmea

import (
	"fmt"
	"time"

	"example.com/ffb-rt/base/floats"
)

const maxEncoderWindow = 60000

// FaultThresholds configures the detectors. Values are never clamped; use
// Validate to reject out-of-range settings.
type FaultThresholds struct {
	UsbTimeout                time.Duration
	UsbMaxConsecutiveFailures uint32

	// Encoder samples are counted over a window of the most recent
	// EncoderNaNWindow readings, one reading per tick.
	EncoderNaNWindow   uint32
	EncoderMaxNaNCount uint32

	ThermalLimitC      float32
	ThermalHysteresisC float32

	PluginTimeoutUs   uint64
	PluginMaxOverruns uint32

	TimingViolationThreshold time.Duration
	TimingMaxViolations      uint32

	OvercurrentLimitA float32

	HandsOffTimeout time.Duration
}

func DefaultThresholds() FaultThresholds {
	return FaultThresholds{
		UsbTimeout:                10 * time.Millisecond,
		UsbMaxConsecutiveFailures: 3,
		EncoderNaNWindow:          1000,
		EncoderMaxNaNCount:        5,
		ThermalLimitC:             80,
		ThermalHysteresisC:        5,
		PluginTimeoutUs:           100,
		PluginMaxOverruns:         10,
		TimingViolationThreshold:  250 * time.Microsecond,
		TimingMaxViolations:       100,
		OvercurrentLimitA:         10,
		HandsOffTimeout:           5 * time.Second,
	}
}

func ConservativeThresholds() FaultThresholds {
	return FaultThresholds{
		UsbTimeout:                5 * time.Millisecond,
		UsbMaxConsecutiveFailures: 2,
		EncoderNaNWindow:          500,
		EncoderMaxNaNCount:        3,
		ThermalLimitC:             70,
		ThermalHysteresisC:        10,
		PluginTimeoutUs:           50,
		PluginMaxOverruns:         5,
		TimingViolationThreshold:  100 * time.Microsecond,
		TimingMaxViolations:       50,
		OvercurrentLimitA:         8,
		HandsOffTimeout:           3 * time.Second,
	}
}

// RelaxedThresholds is intended for bench testing.
func RelaxedThresholds() FaultThresholds {
	return FaultThresholds{
		UsbTimeout:                100 * time.Millisecond,
		UsbMaxConsecutiveFailures: 10,
		EncoderNaNWindow:          5000,
		EncoderMaxNaNCount:        20,
		ThermalLimitC:             90,
		ThermalHysteresisC:        2,
		PluginTimeoutUs:           500,
		PluginMaxOverruns:         50,
		TimingViolationThreshold:  time.Millisecond,
		TimingMaxViolations:       500,
		OvercurrentLimitA:         15,
		HandsOffTimeout:           10 * time.Second,
	}
}

func ThresholdsPreset(name string) (FaultThresholds, error) {
	switch name {
	case "", "default":
		return DefaultThresholds(), nil
	case "conservative":
		return ConservativeThresholds(), nil
	case "relaxed":
		return RelaxedThresholds(), nil
	}
	return FaultThresholds{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidThresholds, name)
}

func finite32(f float32) bool {
	return floats.IsFinite(float64(f))
}

func (t FaultThresholds) Validate() error {
	bad := func(field string, v any) error {
		return fmt.Errorf("%w: %s = %v", ErrInvalidThresholds, field, v)
	}
	switch {
	case t.UsbTimeout <= 0:
		return bad("usb_timeout", t.UsbTimeout)
	case t.UsbMaxConsecutiveFailures == 0:
		return bad("usb_max_consecutive_failures", t.UsbMaxConsecutiveFailures)
	case t.EncoderMaxNaNCount == 0:
		return bad("encoder_max_nan_count", t.EncoderMaxNaNCount)
	case t.EncoderNaNWindow < t.EncoderMaxNaNCount || t.EncoderNaNWindow > maxEncoderWindow:
		return bad("encoder_nan_window", t.EncoderNaNWindow)
	case !finite32(t.ThermalLimitC) || t.ThermalLimitC < 40 || t.ThermalLimitC > 120:
		return bad("thermal_limit_c", t.ThermalLimitC)
	case !finite32(t.ThermalHysteresisC) || t.ThermalHysteresisC < 0 ||
		t.ThermalHysteresisC >= t.ThermalLimitC:
		return bad("thermal_hysteresis_c", t.ThermalHysteresisC)
	case t.PluginTimeoutUs == 0:
		return bad("plugin_timeout_us", t.PluginTimeoutUs)
	case t.PluginMaxOverruns == 0:
		return bad("plugin_max_overruns", t.PluginMaxOverruns)
	case t.TimingViolationThreshold <= 0:
		return bad("timing_violation_threshold", t.TimingViolationThreshold)
	case t.TimingMaxViolations == 0:
		return bad("timing_max_violations", t.TimingMaxViolations)
	case !finite32(t.OvercurrentLimitA) || t.OvercurrentLimitA <= 0:
		return bad("overcurrent_limit_a", t.OvercurrentLimitA)
	case t.HandsOffTimeout <= 0:
		return bad("hands_off_timeout", t.HandsOffTimeout)
	}
	return nil
}
