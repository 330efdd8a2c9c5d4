package fmea

import (
	"fmt"
	"slices"
	"time"

	"example.com/ffb-rt/base/timebase"
)

const (
	DefaultMinFaultDuration  = 50 * time.Millisecond
	DefaultMaxTrackedPlugins = 64

	// Plugins beyond the tracking limit share one counter.
	overflowPluginID = "*"
)

type State uint8

const (
	Normal State = iota
	SoftStopping
	Recovering
	Faulted
)

func (s State) String() string {
	switch s {
	case Normal:
		return "normal"
	case SoftStopping:
		return "soft_stopping"
	case Recovering:
		return "recovering"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

type Config struct {
	Thresholds        FaultThresholds
	Matrix            Matrix
	SoftStopDuration  time.Duration
	MinFaultDuration  time.Duration
	MaxTrackedPlugins int
}

func DefaultConfig() Config {
	return Config{
		Thresholds:        DefaultThresholds(),
		Matrix:            DefaultMatrix(),
		SoftStopDuration:  DefaultSoftStopDuration,
		MinFaultDuration:  DefaultMinFaultDuration,
		MaxTrackedPlugins: DefaultMaxTrackedPlugins,
	}
}

type detectionState struct {
	consecutive    uint32
	count          uint64
	lastOccurrence time.Time
}

type FaultStatistics struct {
	Fault          FaultType
	Count          uint64
	Consecutive    uint32
	LastOccurrence time.Time
}

// Snapshot is an owned copy of the fault state for observers outside the
// control loop.
type Snapshot struct {
	State            State
	ActiveFault      FaultType
	HasActiveFault   bool
	ActiveSince      time.Time
	TorqueMultiplier float32
	SoftStopActive   bool
	SoftStopProgress float64
	Alert            AudioAlert
}

// System is the fault authority of one control loop. It holds at most one
// active fault. All methods must be called from the control loop goroutine.
type System struct {
	clk              timebase.Clock
	thresholds       FaultThresholds
	matrix           Matrix
	minFaultDuration time.Duration
	softStop         *SoftStopController
	alerts           *AudioAlertSystem

	stats [numFaultTypes]detectionState

	encoderWindow []bool
	encoderNext   int
	encoderFilled int
	encoderNaN    uint32

	thermalCooled bool

	usbLastSuccess time.Time

	plugins     map[string]uint32
	maxPlugins  int
	lastPlugin  string
	quarantined map[string]bool

	active      FaultType
	hasActive   bool
	activeSince time.Time
}

func NewSystem(clk timebase.Clock, cfg Config) (*System, error) {
	if clk == nil {
		return nil, fmt.Errorf("%w: nil clock", ErrInvalidThresholds)
	}
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Matrix.Validate(); err != nil {
		return nil, err
	}
	if cfg.MinFaultDuration < 0 {
		return nil, fmt.Errorf("%w: min fault duration = %v", ErrInvalidThresholds, cfg.MinFaultDuration)
	}
	if cfg.SoftStopDuration < 0 {
		return nil, fmt.Errorf("%w: soft-stop duration = %v", ErrInvalidThresholds, cfg.SoftStopDuration)
	}
	if cfg.MaxTrackedPlugins <= 0 {
		cfg.MaxTrackedPlugins = DefaultMaxTrackedPlugins
	}
	return &System{
		clk:              clk,
		thresholds:       cfg.Thresholds,
		matrix:           cfg.Matrix,
		minFaultDuration: cfg.MinFaultDuration,
		softStop:         NewSoftStopController(cfg.SoftStopDuration),
		alerts:           NewAudioAlertSystem(clk),
		encoderWindow:    make([]bool, cfg.Thresholds.EncoderNaNWindow),
		plugins:          make(map[string]uint32, cfg.MaxTrackedPlugins+1),
		maxPlugins:       cfg.MaxTrackedPlugins,
		quarantined:      make(map[string]bool),
	}, nil
}

func NewDefaultSystem(clk timebase.Clock) *System {
	s, err := NewSystem(clk, DefaultConfig())
	if err != nil {
		panic(err)
	}
	return s
}

func (s *System) Thresholds() FaultThresholds { return s.thresholds }

func (s *System) Matrix() Matrix { return s.matrix }

func (s *System) Alerts() *AudioAlertSystem { return s.alerts }

func (s *System) SoftStop() *SoftStopController { return s.softStop }

// HandleFault records f and applies its matrix action. Disabled entries are
// ignored. A torque-affecting action starts the soft-stop ramp from torqueNm
// unless a ramp is already running or finished. f becomes the active fault
// unless the active fault is more severe.
func (s *System) HandleFault(f FaultType, torqueNm float32) error {
	e, ok := s.matrix.Get(f)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownFaultType, uint8(f))
	}
	if !e.Enabled {
		return nil
	}
	now := s.clk.Now()
	st := &s.stats[f]
	st.count++
	st.lastOccurrence = now

	if e.Action == Quarantine && f == PluginOverrun && s.lastPlugin != "" {
		s.quarantined[s.lastPlugin] = true
	}
	if e.Action.AffectsTorque() && !s.softStop.IsActive() && !s.softStop.IsComplete() {
		s.softStop.Start(torqueNm)
	}

	switch {
	case s.hasActive && f == s.active:
		s.activeSince = now
	case !s.hasActive || f.Severity() <= s.active.Severity():
		s.active = f
		s.hasActive = true
		s.activeSince = now
		s.alerts.TriggerForFault(f)
	}
	return nil
}

// UpdateSoftStop advances the ramp by elapsed and returns the torque it
// currently allows.
func (s *System) UpdateSoftStop(elapsed time.Duration) float32 {
	return s.softStop.Update(elapsed)
}

// ClearFault returns to normal operation. It fails, leaving all state
// unchanged, while the ramp is still running, before the minimum fault
// duration has elapsed since the fault was last reported, or while an
// overtemperature has not cooled below the hysteresis band.
func (s *System) ClearFault() error {
	if !s.hasActive {
		return ErrNoActiveFault
	}
	if s.softStop.IsActive() {
		return ErrSoftStopInProgress
	}
	if s.clk.Now().Sub(s.activeSince) < s.minFaultDuration {
		return ErrFaultTooRecent
	}
	if s.active == ThermalLimit && !s.thermalCooled {
		return ErrNotCooledDown
	}
	s.ResetDetectionState(s.active)
	s.softStop.Reset()
	s.alerts.Stop()
	s.hasActive = false
	return nil
}

func (s *System) ActiveFault() (FaultType, bool) { return s.active, s.hasActive }

func (s *System) HasActiveFault() bool { return s.hasActive }

func (s *System) State() State {
	switch {
	case !s.hasActive:
		return Normal
	case s.softStop.IsActive():
		return SoftStopping
	case s.active.IsRecoverable():
		return Recovering
	default:
		return Faulted
	}
}

// TorqueMultiplier is the fraction of nominal torque currently allowed: the
// ramp value while soft-stopping, 0 once the ramp has finished, 1 otherwise.
func (s *System) TorqueMultiplier() float32 {
	switch {
	case s.softStop.IsActive():
		return s.softStop.CurrentMultiplier()
	case s.softStop.IsComplete():
		return 0
	default:
		return 1
	}
}

func (s *System) CanRecover() bool {
	return s.hasActive && !s.softStop.IsActive() && s.active.IsRecoverable()
}

func (s *System) RecoveryProcedure() (RecoveryProcedure, bool) {
	if !s.hasActive {
		return RecoveryProcedure{}, false
	}
	return DefaultRecoveryProcedure(s.active), true
}

// NewRecoveryContext starts tracking the recovery of the active fault.
func (s *System) NewRecoveryContext() (*RecoveryContext, error) {
	p, ok := s.RecoveryProcedure()
	if !ok {
		return nil, ErrNoActiveFault
	}
	return NewRecoveryContext(s.clk, p), nil
}

func (s *System) Statistics(f FaultType) FaultStatistics {
	if !f.Valid() {
		return FaultStatistics{Fault: f}
	}
	st := s.stats[f]
	return FaultStatistics{
		Fault:          f,
		Count:          st.count,
		Consecutive:    st.consecutive,
		LastOccurrence: st.lastOccurrence,
	}
}

func (s *System) FaultStatistics() []FaultStatistics {
	out := make([]FaultStatistics, numFaultTypes)
	for i := range out {
		out[i] = s.Statistics(FaultType(i))
	}
	return out
}

// ResetDetectionState clears the detector counters of f.
func (s *System) ResetDetectionState(f FaultType) {
	if !f.Valid() {
		return
	}
	s.stats[f].consecutive = 0
	switch f {
	case UsbStall:
		s.usbLastSuccess = time.Time{}
	case EncoderNaN:
		clear(s.encoderWindow)
		s.encoderNext = 0
		s.encoderFilled = 0
		s.encoderNaN = 0
	case ThermalLimit:
		s.thermalCooled = false
	case PluginOverrun:
		clear(s.plugins)
		s.lastPlugin = ""
	}
}

func (s *System) IsQuarantined(pluginID string) bool { return s.quarantined[pluginID] }

func (s *System) QuarantinedPlugins() []string {
	ids := make([]string, 0, len(s.quarantined))
	for id := range s.quarantined {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// ReleasePlugin lifts the quarantine of pluginID and resets its counter.
func (s *System) ReleasePlugin(pluginID string) {
	delete(s.quarantined, pluginID)
	delete(s.plugins, pluginID)
}

func (s *System) Snapshot() Snapshot {
	return Snapshot{
		State:            s.State(),
		ActiveFault:      s.active,
		HasActiveFault:   s.hasActive,
		ActiveSince:      s.activeSince,
		TorqueMultiplier: s.TorqueMultiplier(),
		SoftStopActive:   s.softStop.IsActive(),
		SoftStopProgress: s.softStop.Progress(),
		Alert:            s.alerts.Current(),
	}
}
