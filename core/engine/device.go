package engine

import (
	"time"
)

// Status is the telemetry read from the wheel base at the start of a tick.
// Non-finite readings are reported as such; the fault detectors decide what
// they mean.
type Status struct {
	EncoderAngle float32
	TemperatureC float32
	CurrentA     float32
	HandsOff     time.Duration
}

// Device is the hardware side of the control loop. All methods are called
// from the loop goroutine and must not block for longer than a fraction of
// the tick period.
type Device interface {
	ReadStatus() (Status, error)
	WriteTorque(torqueNm float32) error
	// ZeroTorque drives the motor to zero immediately, bypassing any
	// filtering in the device.
	ZeroTorque() error
}

type PluginTiming struct {
	ID              string
	ExecutionTimeUs uint64
}

// Output is the nominal torque computed for one tick, before any safety
// scaling, plus the execution times of the plugins that contributed to it.
type Output struct {
	TorqueNm float32
	Plugins  []PluginTiming
}

// TorqueSource is the filter pipeline. An error or a non-finite torque is
// treated as a pipeline fault.
type TorqueSource interface {
	Compute(tick uint64, st Status) (Output, error)
}

// Restarter is implemented by torque sources that can reload their last
// known good configuration.
type Restarter interface {
	Restart() error
}

// TorqueSourceFunc adapts a function to TorqueSource.
type TorqueSourceFunc func(tick uint64, st Status) (Output, error)

func (f TorqueSourceFunc) Compute(tick uint64, st Status) (Output, error) {
	return f(tick, st)
}

// ConstantTorque returns a source that always requests torqueNm.
func ConstantTorque(torqueNm float32) TorqueSource {
	return TorqueSourceFunc(func(uint64, Status) (Output, error) {
		return Output{TorqueNm: torqueNm}, nil
	})
}
