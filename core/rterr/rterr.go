// Package rterr defines the fixed-size error values of the real-time path.
package rterr

type Severity uint8

const (
	Info Severity = iota
	Warning
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Info:
		return "info"
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// RTError is an allocation-free error code. Values compare with == and
// errors.Is.
type RTError uint8

const (
	DeviceDisconnected RTError = iota + 1
	TorqueLimit
	PipelineFault
	TimingViolation
	RTSetupFailed
	InvalidConfig
	SafetyInterlock
	BufferOverflow
	DeadlineMissed
	ResourceUnavailable
)

var rtErrorText = [...]string{
	DeviceDisconnected:  "device disconnected",
	TorqueLimit:         "torque limit exceeded",
	PipelineFault:       "pipeline processing fault",
	TimingViolation:     "real-time timing violation",
	RTSetupFailed:       "failed to apply real-time setup",
	InvalidConfig:       "invalid configuration parameters",
	SafetyInterlock:     "safety interlock triggered",
	BufferOverflow:      "buffer overflow",
	DeadlineMissed:      "deadline missed",
	ResourceUnavailable: "resource unavailable",
}

var rtErrorSeverity = [...]Severity{
	DeviceDisconnected:  Critical,
	TorqueLimit:         Error,
	PipelineFault:       Error,
	TimingViolation:     Warning,
	RTSetupFailed:       Warning,
	InvalidConfig:       Error,
	SafetyInterlock:     Critical,
	BufferOverflow:      Error,
	DeadlineMissed:      Warning,
	ResourceUnavailable: Error,
}

func (e RTError) valid() bool {
	return e >= DeviceDisconnected && e <= ResourceUnavailable
}

func (e RTError) Error() string {
	if !e.valid() {
		return "unknown real-time error"
	}
	return rtErrorText[e]
}

func (e RTError) Severity() Severity {
	if !e.valid() {
		return Critical
	}
	return rtErrorSeverity[e]
}

// IsRecoverable reports whether the loop may continue after e.
func (e RTError) IsRecoverable() bool {
	return e.Severity() < Critical
}

// Code returns a stable numeric identifier for e.
func (e RTError) Code() uint8 { return uint8(e) }

func All() []RTError {
	var es []RTError
	for e := DeviceDisconnected; e <= ResourceUnavailable; e++ {
		es = append(es, e)
	}
	return es
}
