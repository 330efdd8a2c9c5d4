package fmea

import (
	"fmt"
)

// Entry describes how one fault type is detected and handled.
type Entry struct {
	Fault       FaultType
	Enabled     bool
	Action      FaultAction
	Detection   string
	Recovery    string
	MaxResponse int64 // milliseconds, informational
}

// Matrix maps every fault type to its entry. It is a fixed array indexed by
// FaultType, so lookups never allocate.
type Matrix [numFaultTypes]Entry

func defaultAction(f FaultType) FaultAction {
	switch f {
	case PluginOverrun:
		return Quarantine
	case TimingViolation:
		return LogAndContinue
	case SafetyInterlockViolation:
		return SafeMode
	case PipelineFault:
		return Restart
	default:
		return SoftStop
	}
}

var matrixText = [numFaultTypes][2]string{
	UsbStall: {
		"consecutive USB write failures or no successful write within the timeout",
		"soft-stop, then reset and reconnect the USB device",
	},
	EncoderNaN: {
		"non-finite encoder readings within the sample window",
		"soft-stop and manual encoder recalibration",
	},
	ThermalLimit: {
		"motor temperature above the limit",
		"soft-stop and cool down below limit minus hysteresis",
	},
	Overcurrent: {
		"motor current above the limit",
		"immediate soft-stop and hardware inspection",
	},
	PluginOverrun: {
		"plugin execution time above its budget, counted per plugin",
		"quarantine the plugin and release it after review",
	},
	TimingViolation: {
		"tick jitter above the threshold, cumulative count",
		"log and continue; adjust priority if violations persist",
	},
	SafetyInterlockViolation: {
		"safety interlock state inconsistent with the torque mode",
		"safe mode and new interlock challenge",
	},
	HandsOffTimeout: {
		"hands-off duration above the timeout",
		"soft-stop and hands-on verification",
	},
	PipelineFault: {
		"filter pipeline returned an error or non-finite output",
		"restart the pipeline with the last known good configuration",
	},
}

func DefaultMatrix() Matrix {
	var m Matrix
	for i := range m {
		f := FaultType(i)
		m[i] = Entry{
			Fault:       f,
			Enabled:     true,
			Action:      defaultAction(f),
			Detection:   matrixText[i][0],
			Recovery:    matrixText[i][1],
			MaxResponse: f.MaxResponseTime().Milliseconds(),
		}
	}
	return m
}

func (m *Matrix) Get(f FaultType) (Entry, bool) {
	if !f.Valid() {
		return Entry{}, false
	}
	return m[f], true
}

// Set replaces the enabled flag and action of f.
func (m *Matrix) Set(f FaultType, enabled bool, action FaultAction) error {
	if !f.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownFaultType, uint8(f))
	}
	if !action.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownFaultAction, uint8(action))
	}
	m[f].Enabled = enabled
	m[f].Action = action
	return nil
}

func (m *Matrix) Validate() error {
	for i, e := range m {
		if e.Fault != FaultType(i) {
			return fmt.Errorf("%w: entry %d describes %v", ErrUnknownFaultType, i, e.Fault)
		}
		if !e.Action.Valid() {
			return fmt.Errorf("%w: %d for %v", ErrUnknownFaultAction, uint8(e.Action), e.Fault)
		}
	}
	return nil
}
