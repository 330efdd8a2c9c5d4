package fmea

import (
	"fmt"
	"time"

	"example.com/ffb-rt/base/timebase"
)

type RecoveryStep struct {
	Name        string
	Description string
	Timeout     time.Duration
	Optional    bool
}

// RecoveryProcedure lists the ordered remediation steps of a fault.
// Automatic procedures may be run by a supervisor without operator input.
type RecoveryProcedure struct {
	Fault       FaultType
	Steps       []RecoveryStep
	MaxAttempts uint32
	RetryDelay  time.Duration
	Timeout     time.Duration
	Automatic   bool
}

func step(name, desc string, timeout time.Duration) RecoveryStep {
	return RecoveryStep{Name: name, Description: desc, Timeout: timeout}
}

func DefaultRecoveryProcedure(f FaultType) RecoveryProcedure {
	p := RecoveryProcedure{Fault: f, MaxAttempts: 1}
	switch f {
	case UsbStall:
		p.Automatic = true
		p.MaxAttempts = 3
		p.RetryDelay = 500 * time.Millisecond
		p.Timeout = 10 * time.Second
		p.Steps = []RecoveryStep{
			step("reset_usb", "reset the USB endpoint", 100*time.Millisecond),
			step("reconnect", "reopen the device", 2*time.Second),
			step("verify", "verify device communication", 500*time.Millisecond),
		}
	case EncoderNaN:
		p.Timeout = 30 * time.Second
		p.Steps = []RecoveryStep{
			step("calibrate", "recalibrate the encoder", 10*time.Second),
			step("verify", "verify encoder readings", 5*time.Second),
		}
	case ThermalLimit:
		p.Automatic = true
		p.Timeout = 60 * time.Second
		p.Steps = []RecoveryStep{
			step("reduce_load", "hold torque at zero", 50*time.Millisecond),
			step("cooldown", "wait for temperature to fall below the clear threshold", 30*time.Second),
			step("verify", "verify temperature", 5*time.Second),
		}
	case Overcurrent:
		p.Timeout = 60 * time.Second
		p.Steps = []RecoveryStep{
			step("disconnect", "disable the motor driver", 100*time.Millisecond),
			step("inspect", "inspect hardware", 30*time.Second),
			step("verify", "verify current readings", 5*time.Second),
		}
	case PluginOverrun:
		p.Automatic = true
		p.MaxAttempts = 3
		p.RetryDelay = time.Second
		p.Timeout = 30 * time.Second
		p.Steps = []RecoveryStep{
			step("quarantine", "quarantine the plugin", 10*time.Millisecond),
			step("reset", "reset plugin state", 100*time.Millisecond),
			step("release", "release the plugin from quarantine", 10*time.Millisecond),
		}
	case TimingViolation:
		p.Automatic = true
		p.Timeout = 100 * time.Millisecond
		adjust := step("adjust_priority", "raise real-time priority", 50*time.Millisecond)
		adjust.Optional = true
		p.Steps = []RecoveryStep{
			step("log", "record the violation", 10*time.Millisecond),
			adjust,
		}
	case SafetyInterlockViolation:
		p.Timeout = 300 * time.Second
		p.Steps = []RecoveryStep{
			step("reset", "reset the interlock", 100*time.Millisecond),
			step("challenge", "complete a new interlock challenge", 30*time.Second),
			step("verify", "verify interlock state", 5*time.Second),
		}
	case HandsOffTimeout:
		p.Timeout = 30 * time.Second
		p.Steps = []RecoveryStep{
			step("reduce_torque", "hold torque at the safe limit", 50*time.Millisecond),
			step("verify_hands", "verify hands on wheel", 5*time.Second),
			step("rechallenge", "repeat the high-torque challenge", 10*time.Second),
		}
	case PipelineFault:
		p.Automatic = true
		p.MaxAttempts = 3
		p.RetryDelay = 50 * time.Millisecond
		p.Timeout = 5 * time.Second
		p.Steps = []RecoveryStep{
			step("reset_pipeline", "reload the last known good pipeline", 10*time.Millisecond),
			step("verify", "verify pipeline output", 100*time.Millisecond),
		}
	}
	return p
}

type RecoveryStatus uint8

const (
	RecoveryPending RecoveryStatus = iota
	RecoveryInProgress
	RecoveryCompleted
	RecoveryFailed
	RecoveryCancelled
	RecoveryTimedOut
)

func (s RecoveryStatus) String() string {
	switch s {
	case RecoveryPending:
		return "pending"
	case RecoveryInProgress:
		return "in_progress"
	case RecoveryCompleted:
		return "completed"
	case RecoveryFailed:
		return "failed"
	case RecoveryCancelled:
		return "cancelled"
	case RecoveryTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

func (s RecoveryStatus) IsTerminal() bool {
	return s == RecoveryCompleted || s == RecoveryFailed ||
		s == RecoveryCancelled || s == RecoveryTimedOut
}

type RecoveryResult struct {
	Fault          FaultType
	Status         RecoveryStatus
	Attempts       uint32
	StepsCompleted int
	Duration       time.Duration
}

// RecoveryContext tracks one supervisor's walk through a procedure. It does
// not run anything itself; the supervisor performs each step and calls
// AdvanceStep.
type RecoveryContext struct {
	clk       timebase.Clock
	proc      RecoveryProcedure
	status    RecoveryStatus
	attempt   uint32
	step      int
	startTime time.Time
	stepStart time.Time
	endTime   time.Time
}

func NewRecoveryContext(clk timebase.Clock, proc RecoveryProcedure) *RecoveryContext {
	return &RecoveryContext{clk: clk, proc: proc}
}

func (c *RecoveryContext) Procedure() RecoveryProcedure { return c.proc }

func (c *RecoveryContext) Status() RecoveryStatus { return c.status }

func (c *RecoveryContext) Attempt() uint32 { return c.attempt }

func (c *RecoveryContext) StepIndex() int { return c.step }

func (c *RecoveryContext) StartTime() time.Time { return c.startTime }

func (c *RecoveryContext) Start() error {
	if c.status != RecoveryPending {
		return fmt.Errorf("%w: start from %v", ErrRecoveryState, c.status)
	}
	now := c.clk.Now()
	c.status = RecoveryInProgress
	c.attempt = 1
	c.step = 0
	c.startTime = now
	c.stepStart = now
	if len(c.proc.Steps) == 0 {
		c.finish(RecoveryCompleted)
	}
	return nil
}

// AdvanceStep marks the current step done. It reports whether the procedure
// is now complete.
func (c *RecoveryContext) AdvanceStep() bool {
	if c.status != RecoveryInProgress {
		return c.status == RecoveryCompleted
	}
	c.step++
	c.stepStart = c.clk.Now()
	if c.step >= len(c.proc.Steps) {
		c.step = len(c.proc.Steps)
		c.finish(RecoveryCompleted)
		return true
	}
	return false
}

func (c *RecoveryContext) CurrentStep() (RecoveryStep, bool) {
	if c.status != RecoveryInProgress || c.step >= len(c.proc.Steps) {
		return RecoveryStep{}, false
	}
	return c.proc.Steps[c.step], true
}

func (c *RecoveryContext) Elapsed() time.Duration {
	switch {
	case c.status == RecoveryPending:
		return 0
	case c.status.IsTerminal():
		return c.endTime.Sub(c.startTime)
	default:
		return c.clk.Now().Sub(c.startTime)
	}
}

// IsTimedOut checks the elapsed time of the current attempt against a
// supervisor-supplied timeout.
func (c *RecoveryContext) IsTimedOut(timeout time.Duration) bool {
	if c.status != RecoveryInProgress {
		return false
	}
	return c.clk.Now().Sub(c.startTime) > timeout
}

func (c *RecoveryContext) IsStepTimedOut() bool {
	s, ok := c.CurrentStep()
	if !ok {
		return false
	}
	return c.clk.Now().Sub(c.stepStart) > s.Timeout
}

func (c *RecoveryContext) IsComplete() bool { return c.status == RecoveryCompleted }

func (c *RecoveryContext) Fail() {
	if c.status == RecoveryInProgress {
		c.finish(RecoveryFailed)
	}
}

func (c *RecoveryContext) TimeOut() {
	if c.status == RecoveryInProgress {
		c.finish(RecoveryTimedOut)
	}
}

func (c *RecoveryContext) Cancel() {
	if !c.status.IsTerminal() {
		c.finish(RecoveryCancelled)
	}
}

func (c *RecoveryContext) CanRetry() bool {
	return (c.status == RecoveryFailed || c.status == RecoveryTimedOut) &&
		c.attempt < c.proc.MaxAttempts
}

// RetryAt is the earliest time StartRetry succeeds.
func (c *RecoveryContext) RetryAt() time.Time {
	return c.endTime.Add(c.proc.RetryDelay)
}

func (c *RecoveryContext) StartRetry() error {
	if !c.CanRetry() {
		return fmt.Errorf("%w: retry from %v after %d attempts", ErrRecoveryState, c.status, c.attempt)
	}
	now := c.clk.Now()
	if now.Before(c.RetryAt()) {
		return fmt.Errorf("%w: retry delay not elapsed", ErrRecoveryState)
	}
	c.attempt++
	c.status = RecoveryInProgress
	c.step = 0
	c.startTime = now
	c.stepStart = now
	return nil
}

func (c *RecoveryContext) Result() RecoveryResult {
	return RecoveryResult{
		Fault:          c.proc.Fault,
		Status:         c.status,
		Attempts:       c.attempt,
		StepsCompleted: c.step,
		Duration:       c.Elapsed(),
	}
}

func (c *RecoveryContext) finish(s RecoveryStatus) {
	c.status = s
	c.endTime = c.clk.Now()
}
