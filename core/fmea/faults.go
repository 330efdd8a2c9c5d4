// Package fmea detects faults of the force-feedback control loop, decides how
// to respond to them and tracks when normal operation may resume.
package fmea

import (
	"fmt"
	"time"

	"example.com/ffb-rt/core/rterr"
)

type FaultType uint8

const (
	UsbStall FaultType = iota
	EncoderNaN
	ThermalLimit
	Overcurrent
	PluginOverrun
	TimingViolation
	SafetyInterlockViolation
	HandsOffTimeout
	PipelineFault

	numFaultTypes = int(iota)
)

type faultInfo struct {
	name        string
	text        string
	severity    uint8
	recoverable bool
	immediate   bool
	maxResponse time.Duration
}

var faultInfos = [numFaultTypes]faultInfo{
	UsbStall: {
		name: "usb_stall", text: "USB communication stall",
		severity: 2, recoverable: true, immediate: true, maxResponse: 50 * time.Millisecond,
	},
	EncoderNaN: {
		name: "encoder_nan", text: "Encoder returned invalid data",
		severity: 2, recoverable: false, immediate: true, maxResponse: 50 * time.Millisecond,
	},
	ThermalLimit: {
		name: "thermal_limit", text: "Thermal protection triggered",
		severity: 1, recoverable: true, immediate: true, maxResponse: 50 * time.Millisecond,
	},
	Overcurrent: {
		name: "overcurrent", text: "Overcurrent protection triggered",
		severity: 1, recoverable: false, immediate: true, maxResponse: 10 * time.Millisecond,
	},
	PluginOverrun: {
		name: "plugin_overrun", text: "Plugin exceeded timing budget",
		severity: 3, recoverable: true, immediate: false, maxResponse: 1 * time.Millisecond,
	},
	TimingViolation: {
		name: "timing_violation", text: "Real-time timing violation",
		severity: 3, recoverable: true, immediate: false, maxResponse: 1 * time.Millisecond,
	},
	SafetyInterlockViolation: {
		name: "safety_interlock_violation", text: "Safety interlock violation",
		severity: 2, recoverable: false, immediate: true, maxResponse: 10 * time.Millisecond,
	},
	HandsOffTimeout: {
		name: "hands_off_timeout", text: "Hands-off timeout exceeded",
		severity: 2, recoverable: false, immediate: true, maxResponse: 50 * time.Millisecond,
	},
	PipelineFault: {
		name: "pipeline_fault", text: "Filter pipeline processing fault",
		severity: 3, recoverable: true, immediate: false, maxResponse: 10 * time.Millisecond,
	},
}

func (f FaultType) Valid() bool { return int(f) < numFaultTypes }

func (f FaultType) String() string {
	if !f.Valid() {
		return fmt.Sprintf("Unknown fault (%d)", uint8(f))
	}
	return faultInfos[f].text
}

// Name is the stable identifier used in configuration and metric labels.
func (f FaultType) Name() string {
	if !f.Valid() {
		return "unknown"
	}
	return faultInfos[f].name
}

// Severity ranks faults from 1 (worst) to 5.
func (f FaultType) Severity() uint8 {
	if !f.Valid() {
		return 1
	}
	return faultInfos[f].severity
}

func (f FaultType) IsRecoverable() bool {
	return f.Valid() && faultInfos[f].recoverable
}

func (f FaultType) RequiresImmediateResponse() bool {
	return !f.Valid() || faultInfos[f].immediate
}

// MaxResponseTime is the budget between detection and the torque response.
func (f FaultType) MaxResponseTime() time.Duration {
	if !f.Valid() {
		return time.Millisecond
	}
	return faultInfos[f].maxResponse
}

func AllFaultTypes() []FaultType {
	fs := make([]FaultType, numFaultTypes)
	for i := range fs {
		fs[i] = FaultType(i)
	}
	return fs
}

func ParseFaultType(name string) (FaultType, error) {
	for i, fi := range faultInfos {
		if fi.name == name {
			return FaultType(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFaultType, name)
}

// FaultForRTError maps an error reported by the real-time path to the fault
// it indicates, if any.
func FaultForRTError(err rterr.RTError) (FaultType, bool) {
	switch err {
	case rterr.DeviceDisconnected, rterr.ResourceUnavailable:
		return UsbStall, true
	case rterr.TimingViolation, rterr.DeadlineMissed:
		return TimingViolation, true
	case rterr.SafetyInterlock:
		return SafetyInterlockViolation, true
	case rterr.PipelineFault, rterr.BufferOverflow:
		return PipelineFault, true
	case rterr.TorqueLimit:
		return Overcurrent, true
	}
	return 0, false
}

type FaultAction uint8

const (
	SoftStop FaultAction = iota
	Quarantine
	LogAndContinue
	Restart
	SafeMode
)

var faultActionNames = [...]string{
	SoftStop:       "soft_stop",
	Quarantine:     "quarantine",
	LogAndContinue: "log_and_continue",
	Restart:        "restart",
	SafeMode:       "safe_mode",
}

func (a FaultAction) Valid() bool { return int(a) < len(faultActionNames) }

func (a FaultAction) String() string {
	if !a.Valid() {
		return "unknown"
	}
	return faultActionNames[a]
}

// AffectsTorque reports whether the action ramps torque down to zero.
func (a FaultAction) AffectsTorque() bool {
	return a == SoftStop || a == SafeMode
}

// AllowsOperation reports whether the control loop keeps producing torque
// while the action is in effect.
func (a FaultAction) AllowsOperation() bool {
	return a == LogAndContinue || a == Quarantine || a == Restart
}

func ParseFaultAction(name string) (FaultAction, error) {
	for i, n := range faultActionNames {
		if n == name {
			return FaultAction(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownFaultAction, name)
}
