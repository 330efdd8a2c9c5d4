package fmea

import (
	"math"
	"time"

	"example.com/ffb-rt/base/timemath"
)

// The detectors are called once per tick with fresh telemetry. They never
// fail; a detected fault is returned with ok set and is handed to
// HandleFault by the caller.

// DetectUsbFault fires once consecutiveFailures reaches the configured
// threshold. lastSuccess is recorded for DetectUsbTimeout.
func (s *System) DetectUsbFault(consecutiveFailures uint32, lastSuccess time.Time) (FaultType, bool) {
	s.stats[UsbStall].consecutive = consecutiveFailures
	if !lastSuccess.IsZero() {
		s.usbLastSuccess = lastSuccess
	}
	if consecutiveFailures >= s.thresholds.UsbMaxConsecutiveFailures {
		s.stats[UsbStall].lastOccurrence = s.clk.Now()
		return UsbStall, true
	}
	return 0, false
}

// DetectUsbTimeout fires when the last successful write recorded by
// DetectUsbFault is older than the USB timeout.
func (s *System) DetectUsbTimeout() (FaultType, bool) {
	if s.usbLastSuccess.IsZero() {
		return 0, false
	}
	if s.clk.Now().Sub(s.usbLastSuccess) > s.thresholds.UsbTimeout {
		return UsbStall, true
	}
	return 0, false
}

// DetectEncoderFault counts non-finite readings within a window of the most
// recent EncoderNaNWindow readings and fires once that count reaches
// EncoderMaxNaNCount, whether the bad readings are consecutive or
// interspersed with good ones.
func (s *System) DetectEncoderFault(value float32) (FaultType, bool) {
	bad := !finite32(value)
	w := len(s.encoderWindow)
	if s.encoderFilled == w {
		if s.encoderWindow[s.encoderNext] {
			s.encoderNaN--
		}
	} else {
		s.encoderFilled++
	}
	s.encoderWindow[s.encoderNext] = bad
	s.encoderNext = (s.encoderNext + 1) % w

	st := &s.stats[EncoderNaN]
	if !bad {
		st.consecutive = 0
		return 0, false
	}
	s.encoderNaN++
	if st.consecutive < math.MaxUint32 {
		st.consecutive++
	}
	st.lastOccurrence = s.clk.Now()
	if s.encoderNaN >= s.thresholds.EncoderMaxNaNCount {
		return EncoderNaN, true
	}
	return 0, false
}

// EncoderNaNCount is the number of non-finite readings in the window.
func (s *System) EncoderNaNCount() uint32 { return s.encoderNaN }

// DetectThermalFault fires when tempC exceeds the limit and no thermal fault
// is active. While one is active it only tracks whether the temperature has
// dropped to limit - hysteresis, which ClearFault requires. A non-finite
// reading counts as over the limit.
func (s *System) DetectThermalFault(tempC float32, faultAlreadyActive bool) (FaultType, bool) {
	t := s.thresholds
	if faultAlreadyActive {
		s.thermalCooled = finite32(tempC) && tempC <= t.ThermalLimitC-t.ThermalHysteresisC
		return 0, false
	}
	if !finite32(tempC) || tempC > t.ThermalLimitC {
		s.thermalCooled = false
		s.stats[ThermalLimit].lastOccurrence = s.clk.Now()
		return ThermalLimit, true
	}
	return 0, false
}

// ThermalClearEligible reports whether the temperature has dropped below the
// hysteresis band since the last thermal fault.
func (s *System) ThermalClearEligible() bool { return s.thermalCooled }

// DetectTimingViolation counts ticks whose |jitter| exceeds the threshold.
// The counter never decays; it fires once it reaches TimingMaxViolations.
func (s *System) DetectTimingViolation(jitter time.Duration) (FaultType, bool) {
	if timemath.Abs(jitter) <= s.thresholds.TimingViolationThreshold {
		return 0, false
	}
	st := &s.stats[TimingViolation]
	if st.consecutive < math.MaxUint32 {
		st.consecutive++
	}
	st.lastOccurrence = s.clk.Now()
	if st.consecutive >= s.thresholds.TimingMaxViolations {
		return TimingViolation, true
	}
	return 0, false
}

// DetectPluginOverrun counts executions over budget per plugin. Counters of
// different plugins are independent.
func (s *System) DetectPluginOverrun(pluginID string, executionTimeUs uint64) (FaultType, bool) {
	if executionTimeUs <= s.thresholds.PluginTimeoutUs {
		return 0, false
	}
	key := pluginID
	if _, ok := s.plugins[key]; !ok && len(s.plugins) >= s.maxPlugins {
		key = overflowPluginID
	}
	n := s.plugins[key]
	if n < math.MaxUint32 {
		n++
	}
	s.plugins[key] = n
	s.lastPlugin = pluginID

	st := &s.stats[PluginOverrun]
	st.consecutive = n
	st.lastOccurrence = s.clk.Now()
	if n >= s.thresholds.PluginMaxOverruns {
		return PluginOverrun, true
	}
	return 0, false
}

// PluginOverrunCount is the current counter of pluginID.
func (s *System) PluginOverrunCount(pluginID string) uint32 { return s.plugins[pluginID] }

// DetectOvercurrent fires when |currentA| exceeds the limit. A non-finite
// reading counts as overcurrent.
func (s *System) DetectOvercurrent(currentA float32) (FaultType, bool) {
	if !finite32(currentA) || float32(math.Abs(float64(currentA))) > s.thresholds.OvercurrentLimitA {
		s.stats[Overcurrent].lastOccurrence = s.clk.Now()
		return Overcurrent, true
	}
	return 0, false
}

// DetectHandsOff fires when the measured hands-off duration exceeds the
// timeout.
func (s *System) DetectHandsOff(handsOff time.Duration) (FaultType, bool) {
	if handsOff > s.thresholds.HandsOffTimeout {
		s.stats[HandsOffTimeout].lastOccurrence = s.clk.Now()
		return HandsOffTimeout, true
	}
	return 0, false
}
